package api

import (
	"time"

	"github.com/mattjoyce/dumpsys/internal/history"
)

// DumpRequest is the optional JSON body of POST /services/{name}/dump.
type DumpRequest struct {
	Args []string `json:"args"`
}

type ServiceListResponse struct {
	Services []string `json:"services"`
}

type InsertResponse struct {
	Service  string `json:"service"`
	Replaced bool   `json:"replaced"`
}

// DumpFailedResponse is returned with 502 when the service reports a
// non-OK status.
type DumpFailedResponse struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Code    int32  `json:"code"`
	DumpID  string `json:"dump_id,omitempty"`
	Partial string `json:"partial_output,omitempty"`
}

type HistoryEntry struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	Args        []string  `json:"args"`
	Outcome     string    `json:"outcome"`
	Status      string    `json:"status"`
	Bytes       int       `json:"bytes"`
	Digest      string    `json:"digest,omitempty"`
	Error       *string   `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type HistoryListResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ServicesCached int    `json:"services_cached"`
	QueueDepth     int    `json:"queue_depth"`
}

func toHistoryEntry(e *history.Entry) HistoryEntry {
	args := e.Args
	if args == nil {
		args = []string{}
	}
	return HistoryEntry{
		ID:          e.ID,
		Service:     e.Service,
		Args:        args,
		Outcome:     string(e.Outcome),
		Status:      e.StatusCode.String(),
		Bytes:       e.Bytes,
		Digest:      e.Digest,
		Error:       e.LastError,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}
