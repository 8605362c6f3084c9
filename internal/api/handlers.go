package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/gateway"
	"github.com/mattjoyce/dumpsys/internal/history"
)

const maxDumpRequestBytes = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ServicesCached: s.gw.Len(),
		QueueDepth:     s.gw.Pending(),
	})
}

// handleListServices handles GET /services.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	names := s.gw.Services()
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, ServiceListResponse{Services: names})
}

// handleInsertService handles PUT /services/{name}.
func (s *Server) handleInsertService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	replaced, err := s.gw.Insert(r.Context(), name)
	if errors.Is(err, dumpsys.ErrServiceNotExist) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("insert failed", "service", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "insert failed")
		return
	}
	respondJSON(w, http.StatusOK, InsertResponse{Service: name, Replaced: replaced})
}

// handleRemoveService handles DELETE /services/{name}.
func (s *Server) handleRemoveService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.gw.Remove(name); err != nil {
		if errors.Is(err, dumpsys.ErrNoEntryFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDump handles POST /services/{name}/dump. The dump text is returned
// verbatim as text/plain.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req DumpRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDumpRequestBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxDumpRequestBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := s.gw.Dump(r.Context(), name, req.Args)
	if err != nil {
		s.writeDumpError(w, name, res, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.ID != "" {
		w.Header().Set("X-Dump-Id", res.ID)
	}
	w.Header().Set("X-Dump-Digest", res.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Output)
}

func (s *Server) writeDumpError(w http.ResponseWriter, name string, res *gateway.Result, err error) {
	var statusErr *dumpsys.StatusError
	switch {
	case errors.Is(err, dumpsys.ErrNoEntryFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &statusErr):
		resp := DumpFailedResponse{
			Error:   err.Error(),
			Status:  statusErr.Code.String(),
			Code:    int32(statusErr.Code),
			Partial: statusErr.Output,
		}
		if res != nil {
			resp.DumpID = res.ID
		}
		respondJSON(w, http.StatusBadGateway, resp)
	default:
		s.logger.Error("dump failed", "service", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleListHistory handles GET /history?service=&limit=.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.gw.History(r.Context(), r.URL.Query().Get("service"), limit)
	if err != nil {
		s.writeHistoryError(w, err)
		return
	}

	resp := HistoryListResponse{Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toHistoryEntry(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetHistory handles GET /history/{id}.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.gw.HistoryEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeHistoryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toHistoryEntry(entry))
}

func (s *Server) writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrEntryNotFound), errors.Is(err, gateway.ErrHistoryDisabled):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("history lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history lookup failed")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
