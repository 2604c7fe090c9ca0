package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"miren.dev/broker/alloc"
	"miren.dev/broker/pool"
	"miren.dev/broker/store"
	"miren.dev/broker/upstream"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type listResponse struct {
	Sandboxes  []*pool.Sandbox `json:"sandboxes"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	track := r.Header.Get("X-Track-ID")
	if track == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "X-Track-ID header is required")
		return
	}

	res, err := s.broker.Allocate(r.Context(), track)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}

	// A replayed request gets its existing lease back with 200; only
	// a fresh lease is a 201.
	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res.Sandbox)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.broker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleMarkForDeletion(w http.ResponseWriter, r *http.Request) {
	track := r.Header.Get("X-Track-ID")
	if track == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "X-Track-ID header is required")
		return
	}

	sb, err := s.broker.MarkForDeletion(r.Context(), r.PathValue("id"), track)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status, err := statusFilter(q.Get("status"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
	}

	page, err := s.broker.List(r.Context(), status, q.Get("cursor"), limit)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}

	resp := listResponse{Sandboxes: page.Items, NextCursor: page.Cursor}
	if resp.Sandboxes == nil {
		resp.Sandboxes = []*pool.Sandbox{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.broker.TriggerSync(r.Context())
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.broker.TriggerCleanup(r.Context())
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	status, err := statusFilter(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.broker.BulkDelete(r.Context(), status)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Ready(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "store is not reachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func statusFilter(v string) (*pool.Status, error) {
	if v == "" {
		return nil, nil
	}
	st, err := pool.ParseStatus(v)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("error encoding response body", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestID(r),
	})
}

// writeBrokerError maps service errors onto the API's status codes.
func (s *Server) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", "no such sandbox")
	case errors.Is(err, alloc.ErrNoCapacity):
		w.Header().Set("Retry-After", "30")
		s.writeError(w, r, http.StatusConflict, "no_capacity", err.Error())
	case errors.Is(err, alloc.ErrNotOwner):
		s.writeError(w, r, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, alloc.ErrWrongState), errors.Is(err, pool.ErrInvalidTransition):
		s.writeError(w, r, http.StatusConflict, "wrong_state", err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		s.writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrBadCursor):
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, upstream.ErrUpstream):
		s.writeError(w, r, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, store.ErrUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		s.log.Error("unhandled error serving request", "error", err, "path", r.URL.Path)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
