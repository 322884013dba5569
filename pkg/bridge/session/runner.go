package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

// Batch is one dispatch of tool calls produced by a single turn. Seq is a
// per-session counter the driver uses to match outcomes against the pending
// execution; only one batch is ever outstanding per session.
type Batch struct {
	Seq   int64
	Calls []backend.ToolCall
}

// BatchOutcome reports a finished (or canceled) batch back to the driver.
// When Special is set, execution stopped at that call and Results holds only
// the calls completed before it.
type BatchOutcome struct {
	Seq      int64
	Results  []tools.Result
	Special  *tools.SpecialAction
	Canceled bool
}

// Runner executes tool batches off the driver goroutine. Calls within a batch
// run sequentially in call order; batches never overlap because the driver
// allows one pending execution at a time. Cancellation stops between calls
// and never reverts guard flags.
type Runner struct {
	registry *tools.Registry
	guard    *SideEffectGuard
	logger   *slog.Logger
	timeout  time.Duration
}

func NewRunner(registry *tools.Registry, guard *SideEffectGuard, logger *slog.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Runner{
		registry: registry,
		guard:    guard,
		logger:   logger,
		timeout:  timeout,
	}
}

// Run executes the batch and delivers exactly one outcome on out. The out
// channel must be buffered; with a single outstanding batch the send never
// blocks.
func (r *Runner) Run(ctx context.Context, batch Batch, out chan<- BatchOutcome) {
	outcome := BatchOutcome{Seq: batch.Seq}

	for _, call := range batch.Calls {
		if ctx.Err() != nil {
			outcome.Canceled = true
			break
		}

		res := r.executeOne(ctx, call)
		if ctx.Err() != nil {
			outcome.Canceled = true
			break
		}
		if res.Special != nil {
			outcome.Special = res.Special
			break
		}
		outcome.Results = append(outcome.Results, res)
	}

	select {
	case out <- outcome:
	default:
		r.logger.Error("tool outcome queue full, dropping batch outcome", "seq", batch.Seq)
	}
}

func (r *Runner) executeOne(ctx context.Context, call backend.ToolCall) tools.Result {
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	category := tools.CategoryGeneral
	if ex, ok := r.registry.Lookup(call.Name); ok {
		category = tools.CategoryOf(ex)
	}

	started := time.Now()
	res := r.guard.Wrap(callCtx, category, call.Arguments, func(ctx context.Context) tools.Result {
		return r.registry.Execute(ctx, call.Name, call.Arguments)
	})
	res.ToolCallID = call.ID

	if !res.OK {
		r.logger.Warn("tool execution failed",
			"tool", call.Name, "error", res.Err, "duration_ms", time.Since(started).Milliseconds())
	} else {
		r.logger.Debug("tool executed",
			"tool", call.Name, "duration_ms", time.Since(started).Milliseconds())
	}
	return res
}
