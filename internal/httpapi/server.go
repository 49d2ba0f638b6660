// Package httpapi exposes the task queue over HTTP: submission and control
// of download tasks, a server-sent-events stream of task transitions, and a
// small admin surface for the read-path selector.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fetchd/internal/broadcast"
	"fetchd/internal/health"
	"fetchd/internal/hybrid"
	"fetchd/internal/queue"
	"fetchd/pkg/logx"
)

// TaskService is the slice of the queue the API needs.
type TaskService interface {
	Submit(ctx context.Context, subjectID, sourceLocator string, priority int) (*queue.Task, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*queue.Task, error)
	Status(id string) (*queue.Task, error)
	List(status queue.Status, subjectID string) []*queue.Task
	Stats() queue.Stats
}

// Broadcaster is the slice of the event service the SSE handler needs.
type Broadcaster interface {
	Subscribe(ctx context.Context, clientID string, channels []string) (<-chan broadcast.Event, error)
	Unsubscribe(clientID string) bool
	Stats() broadcast.Stats
}

// Config controls the HTTP listener.
type Config struct {
	Addr  string
	Token string

	// SubmitPerSec rate-limits POST /api/tasks. 0 disables limiting.
	SubmitPerSec int

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8484"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

// Server serves the REST and SSE endpoints.
type Server struct {
	cfg   Config
	log   logx.Logger
	tasks TaskService
	bcast Broadcaster

	// selector and tracker are optional; nil disables the admin surface.
	selector *hybrid.Selector
	tracker  *health.Tracker

	// limiter is swapped atomically: config hot-reload writes it while
	// request goroutines read it.
	limiter atomic.Pointer[rate.Limiter]

	srv *http.Server
}

func New(cfg Config, log logx.Logger, tasks TaskService, bcast Broadcaster, selector *hybrid.Selector, tracker *health.Tracker) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "httpapi")),
		tasks:    tasks,
		bcast:    bcast,
		selector: selector,
		tracker:  tracker,
	}
	s.SetSubmitRate(cfg.SubmitPerSec)
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.routes(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

// SetSubmitRate swaps the submission limiter at runtime. 0 disables it.
func (s *Server) SetSubmitRate(perSec int) {
	if perSec <= 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSec), perSec))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetry)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/admin/mode", s.handleForceMode)
	mux.HandleFunc("POST /api/admin/cache/clear", s.handleClearCache)

	return s.withAuth(mux)
}

// withAuth enforces the bearer token when one is configured. SSE clients
// cannot set headers from EventSource, so a token query parameter is
// accepted as an equivalent.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			presented := bearerToken(r)
			if presented == "" {
				presented = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("api.listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api.serve_failed", logx.Err(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
