package history

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/dumpsys/internal/binder"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeErrored is a local failure: the dump never reached the service
	// or its output could not be read. StatusCode stays OK.
	OutcomeErrored Outcome = "errored"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeErrored:
		return true
	}
	return false
}

// Entry is one completed dump.
type Entry struct {
	ID          string            `json:"id"`
	Service     string            `json:"service"`
	Args        []string          `json:"args"`
	Outcome     Outcome           `json:"outcome"`
	StatusCode  binder.StatusCode `json:"status_code"`
	Bytes       int               `json:"bytes"`
	Digest      string            `json:"digest,omitempty"`
	LastError   *string           `json:"last_error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

var ErrEntryNotFound = errors.New("history entry not found")

// Digest returns the hex BLAKE3-256 digest of dump output.
func Digest(output []byte) string {
	sum := blake3.Sum256(output)
	return hex.EncodeToString(sum[:])
}
