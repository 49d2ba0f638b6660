package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fetchd/internal/broadcast"
	"fetchd/internal/health"
	"fetchd/internal/hybrid"
	"fetchd/internal/queue"
	"fetchd/pkg/logx"
)

type fakeTasks struct {
	task      *queue.Task
	submitErr error
	cancelErr error
	retryErr  error
	statusErr error

	lastSubject string
	lastLocator string
	lastPrio    int
	statusCalls int
}

func (f *fakeTasks) Submit(_ context.Context, subjectID, locator string, prio int) (*queue.Task, error) {
	f.lastSubject, f.lastLocator, f.lastPrio = subjectID, locator, prio
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.task, nil
}

func (f *fakeTasks) Cancel(context.Context, string) error { return f.cancelErr }

func (f *fakeTasks) Retry(context.Context, string) (*queue.Task, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return f.task, nil
}

func (f *fakeTasks) Status(string) (*queue.Task, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.task, nil
}

func (f *fakeTasks) List(queue.Status, string) []*queue.Task {
	if f.task == nil {
		return nil
	}
	return []*queue.Task{f.task}
}

func (f *fakeTasks) Stats() queue.Stats { return queue.Stats{Total: 1} }

type okProber struct{}

func (okProber) Probe(context.Context) error { return nil }

func newTestServer(t *testing.T, cfg Config, tasks TaskService) *Server {
	t.Helper()
	tracker := health.New(health.Config{}, logx.Nop())
	selector := hybrid.New(hybrid.Config{}, tracker, okProber{}, logx.Nop())
	bcast := broadcast.New(broadcast.Config{HeartbeatInterval: time.Hour}, nil, logx.Nop())
	return New(cfg, logx.Nop(), tasks, bcast, selector, tracker)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()
	ft := &fakeTasks{task: &queue.Task{ID: "t1", SubjectID: "s1", Status: queue.StatusQueued}}
	s := newTestServer(t, Config{}, ft)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks",
		`{"subject_id":"s1","source_locator":"https://example.com/v","priority":7}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ft.lastSubject != "s1" || ft.lastLocator != "https://example.com/v" || ft.lastPrio != 7 {
		t.Fatalf("submit args = %q %q %d", ft.lastSubject, ft.lastLocator, ft.lastPrio)
	}

	var got queue.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" {
		t.Fatalf("task id = %q", got.ID)
	}
}

func TestSubmitBadBody(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, &fakeTasks{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", `{"subject_id":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", `{"unknown_field":1}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field accepted: %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		ft     *fakeTasks
		method string
		path   string
		body   string
		want   int
	}{
		{"submit invalid", &fakeTasks{submitErr: queue.ErrInvalid},
			http.MethodPost, "/api/tasks", `{"subject_id":"s"}`, http.StatusBadRequest},
		{"submit capacity", &fakeTasks{submitErr: queue.ErrCapacity},
			http.MethodPost, "/api/tasks", `{"subject_id":"s"}`, http.StatusTooManyRequests},
		{"status unknown", &fakeTasks{statusErr: queue.ErrNotFound},
			http.MethodGet, "/api/tasks/nope", "", http.StatusNotFound},
		{"cancel terminal", &fakeTasks{cancelErr: queue.ErrWrongState},
			http.MethodPost, "/api/tasks/t1/cancel", "", http.StatusConflict},
		{"retry non-failed", &fakeTasks{retryErr: queue.ErrWrongState},
			http.MethodPost, "/api/tasks/t1/retry", "", http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, Config{}, tc.ft)
			rec := doJSON(t, s.Handler(), tc.method, tc.path, tc.body, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %s", rec.Body)
			}
		})
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, &fakeTasks{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks?status=BOGUS", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/tasks?status=QUEUED", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Parallel()
	ft := &fakeTasks{task: &queue.Task{ID: "t1"}}
	s := newTestServer(t, Config{SubmitPerSec: 1}, ft)

	body := `{"subject_id":"s","source_locator":"l"}`
	if rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first submit: %d", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", body, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: %d, want 429", rec.Code)
	}
	// Reads are not limited.
	if rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("list during limit: %d", rec.Code)
	}
}

func TestSubmitRateSwapDuringTraffic(t *testing.T) {
	t.Parallel()
	ft := &fakeTasks{task: &queue.Task{ID: "t1"}}
	s := newTestServer(t, Config{SubmitPerSec: 100}, ft)
	h := s.Handler()
	body := `{"subject_id":"s","source_locator":"l"}`

	// Hot reload swaps the limiter while submissions are in flight; both
	// sides must tolerate the swap, and every request still gets a
	// definitive 201-or-429.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			s.SetSubmitRate(i % 5)
		}
	}()
	for i := 0; i < 200; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/tasks", body, nil)
		if rec.Code != http.StatusCreated && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("submit %d: status = %d", i, rec.Code)
		}
	}
	<-done
}

func TestBearerTokenAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Token: "sekrit"}, &fakeTasks{task: &queue.Task{ID: "t1"}})

	if rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	hdr := map[string]string{"Authorization": "Bearer wrong"}
	if rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks", "", hdr); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	hdr = map[string]string{"Authorization": "Bearer sekrit"}
	if rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks", "", hdr); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: %d", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), http.MethodGet, "/api/tasks?token=sekrit", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestForceModeAdmin(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, &fakeTasks{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/admin/mode", `{"mode":"fallback","for":"1m"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("force fallback: %d (body %s)", rec.Code, rec.Body)
	}
	var st hybrid.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ForcedMode != hybrid.ModeFallback {
		t.Fatalf("forced_mode = %q", st.ForcedMode)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/admin/mode", `{"mode":"sideways"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus mode: %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/admin/mode", `{"mode":"fallback","for":"-5s"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative duration: %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/admin/mode", `{"mode":"auto"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto mode: %d", rec.Code)
	}
	// forced_mode is omitted from the JSON once cleared, so decode into a
	// fresh value rather than on top of the earlier snapshot.
	var cleared hybrid.State
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.ForcedMode != "" {
		t.Fatalf("forced_mode after auto = %q", cleared.ForcedMode)
	}
}

func TestHealthAndStats(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, &fakeTasks{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["primary"] == nil || body["selector"] == nil {
		t.Fatalf("health body incomplete: %s", rec.Body)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ft := &fakeTasks{}
	tracker := health.New(health.Config{}, logx.Nop())
	selector := hybrid.New(hybrid.Config{}, tracker, okProber{}, logx.Nop())
	bcast := broadcast.New(broadcast.Config{HeartbeatInterval: time.Hour}, nil, logx.Nop())
	s := New(Config{}, logx.Nop(), ft, bcast, selector, tracker)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events?client_id=c1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() (string, map[string]any) {
		t.Helper()
		var evType string
		var data map[string]any
		for sc.Scan() {
			line := sc.Text()
			if line == "" && evType != "" {
				return evType, data
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				evType = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				var ev broadcast.Event
				if err := json.Unmarshal([]byte(v), &ev); err != nil {
					t.Fatalf("bad data line %q: %v", v, err)
				}
				data = ev.Payload
			}
		}
		t.Fatalf("stream ended early: %v", sc.Err())
		return "", nil
	}

	evType, payload := readEvent()
	if evType != broadcast.TypeConnected {
		t.Fatalf("first event = %q, want connected", evType)
	}
	if payload["client_id"] != "c1" {
		t.Fatalf("connected payload: %v", payload)
	}

	bcast.Publish(broadcast.Event{
		Type:    broadcast.TypeTaskQueued,
		Channel: "tasks",
		Payload: map[string]any{"task_id": "t9"},
	})
	evType, payload = readEvent()
	if evType != broadcast.TypeTaskQueued || payload["task_id"] != "t9" {
		t.Fatalf("got %q %v", evType, payload)
	}
}
