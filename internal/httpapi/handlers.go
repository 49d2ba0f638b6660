package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fetchd/internal/hybrid"
	"fetchd/internal/queue"
	"fetchd/pkg/logx"
)

type submitRequest struct {
	SubjectID     string `json:"subject_id"`
	SourceLocator string `json:"source_locator"`
	Priority      int    `json:"priority"`
}

type forceModeRequest struct {
	Mode string `json:"mode"`

	// For is a Go duration string; how long the mode stays pinned.
	// Empty defaults to 5m. Mode "auto" clears any pin immediately.
	For string `json:"for,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if lim := s.limiter.Load(); lim != nil && !lim.Allow() {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.Submit(r.Context(), req.SubjectID, req.SourceLocator, req.Priority)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status queue.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := queue.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		status = st
	}
	subjectID := r.URL.Query().Get("subject_id")
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.List(status, subjectID)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(r.PathValue("id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}
	task, err := s.tasks.Status(id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.tracker != nil {
		resp["primary"] = s.tracker.Snapshot()
	}
	if s.selector != nil {
		resp["selector"] = s.selector.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"queue": s.tasks.Stats()}
	if s.bcast != nil {
		resp["broadcast"] = s.bcast.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceMode(w http.ResponseWriter, r *http.Request) {
	if s.selector == nil {
		writeError(w, http.StatusNotFound, "selector not configured")
		return
	}
	var req forceModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Mode == "auto" {
		s.selector.ClearCache()
		writeJSON(w, http.StatusOK, s.selector.Snapshot())
		return
	}

	mode, ok := hybrid.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be primary, fallback or auto")
		return
	}
	d := 5 * time.Minute
	if req.For != "" {
		parsed, err := time.ParseDuration(req.For)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid duration: "+req.For)
			return
		}
		d = parsed
	}
	s.selector.ForceMode(mode, d)
	s.log.Info("api.mode_forced",
		logx.String("mode", req.Mode), logx.Duration("for", d))
	writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.selector == nil {
		writeError(w, http.StatusNotFound, "selector not configured")
		return
	}
	s.selector.ClearCache()
	writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.log.Error("api.internal_error", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
