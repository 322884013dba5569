// Package record persists finished call records. The bridge hands a record to
// a Sink exactly once at session teardown; persistence is best-effort and
// must never block shutdown.
package record

import "context"

// Turn is one transcript entry. Role is "agent" or "user".
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallRecord is the final artifact of one call.
type CallRecord struct {
	CallID          string
	SessionID       string
	CallerPhone     string
	Transcript      []Turn
	DurationSeconds int
	EndedReason     string
}

// Sink receives finished call records.
type Sink interface {
	Persist(ctx context.Context, rec CallRecord) error
}

// Noop discards records. Used when no store is configured.
type Noop struct{}

func (Noop) Persist(ctx context.Context, rec CallRecord) error { return nil }
