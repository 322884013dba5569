package session

import (
	"context"
	"sync"

	"github.com/vango-go/vai-bridge/pkg/tools"
)

// SideEffectGuard prevents duplicate execution of non-idempotent tools within
// one session: at most one SMS per target number and at most one booking per
// call, under concurrent or retried tool calls.
//
// The booking flag is set before the underlying tool runs, so a second
// request arriving mid-execution still observes it. Flags are never reverted,
// not even when execution is canceled: under-execution of an irreversible
// action beats over-execution.
type SideEffectGuard struct {
	mu          sync.Mutex
	sentSMS     map[string]struct{}
	bookingDone bool
}

func NewSideEffectGuard() *SideEffectGuard {
	return &SideEffectGuard{sentSMS: make(map[string]struct{})}
}

// Wrap executes exec under the dedup rules for the given category. SMS and
// booking tools may short-circuit with a synthetic deduplicated result; all
// other categories pass straight through.
func (g *SideEffectGuard) Wrap(ctx context.Context, category tools.Category, args map[string]any, exec func(context.Context) tools.Result) tools.Result {
	if g == nil {
		return exec(ctx)
	}

	switch category {
	case tools.CategorySMS:
		target := tools.SMSTarget(args)
		if target == "" {
			return exec(ctx)
		}
		g.mu.Lock()
		if _, dup := g.sentSMS[target]; dup {
			g.mu.Unlock()
			return deduplicatedResult()
		}
		g.mu.Unlock()

		res := exec(ctx)
		if res.OK {
			g.mu.Lock()
			g.sentSMS[target] = struct{}{}
			g.mu.Unlock()
		}
		return res

	case tools.CategoryBooking:
		g.mu.Lock()
		if g.bookingDone {
			g.mu.Unlock()
			return deduplicatedResult()
		}
		// Claim the flag before executing to close the check-then-act
		// window against a concurrent booking request.
		g.bookingDone = true
		g.mu.Unlock()
		return exec(ctx)

	default:
		return exec(ctx)
	}
}

// BookingCompleted reports whether a booking has been claimed this session.
func (g *SideEffectGuard) BookingCompleted() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bookingDone
}

// SentSMSCount reports how many distinct targets have been messaged.
func (g *SideEffectGuard) SentSMSCount() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sentSMS)
}

func deduplicatedResult() tools.Result {
	return tools.Result{
		OK: true,
		Payload: map[string]any{
			"deduplicated": true,
			"message":      "This action was already completed earlier in the call.",
		},
	}
}
