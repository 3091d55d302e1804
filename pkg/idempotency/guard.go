// Package idempotency provides one-shot processing guards.
// A batch moves idle -> pending -> done exactly once; only starting a new
// batch returns the guard to idle.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// State represents the processing state of the current batch
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateDone    State = "done"
)

// ErrBatchMismatch indicates a transition was attempted for a batch that is no
// longer the current one
var ErrBatchMismatch = errors.New("batch is not current")

// ErrAlreadyProcessed indicates the batch already left the idle state
var ErrAlreadyProcessed = errors.New("batch already processed")

// Snapshot describes the guard at a point in time
type Snapshot struct {
	Batch     string
	State     State
	UpdatedAt time.Time
}

// Guard tracks the processing state of the current batch
type Guard struct {
	mu        sync.Mutex
	batch     string
	state     State
	updatedAt time.Time
	now       func() time.Time
}

// NewGuard creates a guard with no current batch
func NewGuard(now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{state: StateIdle, now: now}
}

// Reset makes batch the current batch in the idle state
func (g *Guard) Reset(batch string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batch = batch
	g.state = StateIdle
	g.updatedAt = g.now()
}

// Begin moves the current batch from idle to pending. Exactly one caller per
// batch gets a nil error.
func (g *Guard) Begin(batch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if batch != g.batch {
		return ErrBatchMismatch
	}
	if g.state != StateIdle {
		return ErrAlreadyProcessed
	}
	g.state = StatePending
	g.updatedAt = g.now()
	return nil
}

// Finish moves the batch from pending to done. Finishing a batch that has
// since been replaced is reported, not applied.
func (g *Guard) Finish(batch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if batch != g.batch {
		return ErrBatchMismatch
	}
	g.state = StateDone
	g.updatedAt = g.now()
	return nil
}

// Current returns the batch and its state
func (g *Guard) Current() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Batch: g.batch, State: g.state, UpdatedAt: g.updatedAt}
}

// GenerateKey creates a deterministic batch key from its components.
// Timestamps are truncated to the second so redelivered transcripts map to
// the same batch.
func GenerateKey(patientID, visitID, recordingID string, startedAt time.Time) string {
	parts := []string{
		patientID,
		visitID,
		recordingID,
		startedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
