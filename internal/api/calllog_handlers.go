package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/icejuk/sipeksdk/internal/calllog"
)

// callLogResponse is the JSON form of a call log entry.
type callLogResponse struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Time     string `json:"time"`
	Duration int64  `json:"duration"`
	Status   int    `json:"status,omitempty"`
}

// handleListCallLog returns a page of call history, newest first.
func (s *Server) handleListCallLog(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		writeError(w, http.StatusNotFound, "call log disabled")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	typ, err := calllog.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, total, err := s.callLog.List(r.Context(), calllog.Filter{Type: typ, Limit: pg.Limit, Offset: pg.Offset})
	if err != nil {
		s.logger.Error("list call log: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callLogResponse, len(entries))
	for i, e := range entries {
		items[i] = callLogResponse{
			ID:       e.ID,
			Type:     string(e.Type),
			Name:     e.Name,
			Number:   e.Number,
			Time:     e.Time.UTC().Format(time.RFC3339),
			Duration: int64(e.Duration / time.Second),
			Status:   e.Status,
		}
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleDeleteCallLog removes one entry.
func (s *Server) handleDeleteCallLog(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		writeError(w, http.StatusNotFound, "call log disabled")
		return
	}
	n, ok := parseIntParam(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid call log id")
		return
	}
	if err := s.callLog.Delete(r.Context(), int64(n)); err != nil {
		if errors.Is(err, calllog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call log entry not found")
			return
		}
		s.logger.Error("delete call log: failed", "id", n, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearCallLog removes every entry.
func (s *Server) handleClearCallLog(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		writeError(w, http.StatusNotFound, "call log disabled")
		return
	}
	n, err := s.callLog.Clear(r.Context())
	if err != nil {
		s.logger.Error("clear call log: failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
