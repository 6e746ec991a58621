package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/sandboxd/pkg/apierr"
	"github.com/rhuss/sandboxd/pkg/approval"
	"github.com/rhuss/sandboxd/pkg/history"
	"github.com/rhuss/sandboxd/pkg/kernel"
	"github.com/rhuss/sandboxd/pkg/observability"
)

// streamTimeout bounds how long the underlying kernel.Execution.Stream
// call is allowed to run before it gives up on its own; budget expiry is
// handled separately by this package's own timer so it can account for
// paused (approval-wait) time. This is set far longer than any real
// execution budget so Execution.Stream's own timeout never fires first.
const streamTimeout = 24 * time.Hour

// approvalEvent is pushed onto a running Stream call's internal channel by
// the execObserver installed on the Coordinator's approval channel for
// the duration of that call.
type approvalEvent struct {
	resolved bool
	id       string
	req      approval.Request
	at       time.Time
}

// execObserver forwards approval lifecycle notifications from whichever
// goroutine is running the Tool Service's /run handler into the Stream
// goroutine that owns the budget for this execution.
type execObserver struct {
	events chan approvalEvent
}

func (o *execObserver) OnRequested(id string, req approval.Request) {
	o.events <- approvalEvent{id: id, req: req, at: time.Now()}
}

func (o *execObserver) OnResolved(id string) {
	o.events <- approvalEvent{resolved: true, id: id, at: time.Now()}
}

// Stream submits code for execution and returns a channel of StreamEvents:
// zero or more Chunks (if opts wants them), zero or more ApprovalRequests
// raised by tool calls the code makes, and a single terminal Result. The
// returned channel is closed after the Result event.
//
// Only one Stream or Execute call runs at a time per Coordinator; a
// second call blocks until the first completes, since both submit to the
// same single kernel.
func (c *Coordinator) Stream(ctx context.Context, code string, opts StreamOptions) (<-chan StreamEvent, error) {
	c.execMu.Lock()

	budget := &ExecutionBudget{}
	if opts.Timeout >= 0 {
		budget.Deadline = time.Now().Add(opts.Timeout)
	}

	obs := &execObserver{events: make(chan approvalEvent, 32)}
	c.channel.SetObserver(obs)

	exec, err := c.kernel.Submit(ctx, code)
	if err != nil {
		c.channel.SetObserver(nil)
		c.execMu.Unlock()
		return nil, err
	}

	execID := uuid.NewString()
	startedAt := time.Now()

	events := make(chan StreamEvent, 1)
	go c.pump(ctx, exec, budget, obs, opts, events, execID, code, startedAt)

	return events, nil
}

// recordExecution persists a completed execution's outcome, if a history
// store is configured. Uses a detached context so recording survives the
// caller's own context being canceled (e.g. the ctx.Done() terminal path).
func (c *Coordinator) recordExecution(execID, code string, budget *ExecutionBudget, startedAt time.Time, result CodeExecutionResult) {
	if result.Err != nil {
		observability.ExecutionsTotal.WithLabelValues("error").Inc()
	} else {
		observability.ExecutionsTotal.WithLabelValues("ok").Inc()
	}

	if c.cfg.History == nil {
		return
	}

	rec := &history.Record{
		ID:          execID,
		SessionID:   c.cfg.SessionID,
		Code:        code,
		Text:        result.Text,
		Images:      result.Images,
		PausedTotal: budget.PausedTotal,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
	}
	if result.Err != nil {
		rec.ErrorMsg = result.Err.Error()
		if apiErr, ok := result.Err.(*apierr.Error); ok {
			rec.ErrorKind = string(apiErr.Kind)
		} else {
			rec.ErrorKind = "execution_error"
		}
	}

	if err := c.cfg.History.SaveExecution(context.Background(), rec); err != nil {
		c.cfg.Logger.Warn("coordinator: recording execution history", "execution_id", execID, "error", err)
	}
}

// Execute is a convenience over Stream for callers that only want the
// final accumulated result and want every tool call auto-approved. The
// auto-approval still issues a real Decide call against the approval
// channel, so it exercises the same code path a human approving from the
// host would.
func (c *Coordinator) Execute(ctx context.Context, code string, timeout time.Duration) (*CodeExecutionResult, error) {
	events, err := c.Stream(ctx, code, StreamOptions{Timeout: timeout, autoAccept: true})
	if err != nil {
		return nil, err
	}

	var result CodeExecutionResult
	for ev := range events {
		if ev.Kind == StreamEventResult {
			result = *ev.Result
		}
	}
	return &result, nil
}

func (c *Coordinator) pump(ctx context.Context, exec *kernel.Execution, budget *ExecutionBudget, obs *execObserver, opts StreamOptions, events chan StreamEvent, execID, code string, startedAt time.Time) {
	defer c.execMu.Unlock()
	defer c.channel.SetObserver(nil)
	defer close(events)

	fragments, errc := exec.Stream(ctx, streamTimeout)

	var textBuf strings.Builder
	var images []string
	interrupted := false

	for {
		// While paused for an approval decision, no budget timer is armed
		// at all: timerC stays nil and the select below blocks on it
		// forever, so the wait for a human never counts against the
		// deadline. A timer is re-armed, from a fresh Remaining(), the
		// next time around the loop once Resume fires.
		var timer *time.Timer
		var timerC <-chan time.Time
		switch {
		case interrupted:
			// Already interrupted; wait out the kernel's own wind-down
			// on a flat grace period rather than the budget clock.
			timer = time.NewTimer(10 * time.Second)
			timerC = timer.C
		case budget.PausedSince.IsZero():
			timer = time.NewTimer(budget.Remaining(time.Now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			result := CodeExecutionResult{Text: strings.TrimSpace(textBuf.String()), Images: images, Err: ctx.Err()}
			c.recordExecution(execID, code, budget, startedAt, result)
			events <- StreamEvent{Kind: StreamEventResult, Result: &result}
			return

		case ev := <-obs.events:
			if timer != nil {
				timer.Stop()
			}
			if ev.resolved {
				budget.Resume(ev.at)
				continue
			}
			budget.Pause(ev.at)
			if opts.autoAccept {
				c.channel.Decide(ev.id, true)
				continue
			}
			events <- StreamEvent{Kind: StreamEventApprovalRequest, Approval: &ApprovalRequest{
				ID: ev.id, ServerName: ev.req.ServerName, ToolName: ev.req.ToolName, ToolArgs: ev.req.ToolArgs, RequestedAt: ev.at,
			}}

		case frag, ok := <-fragments:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				continue
			}
			switch frag.Kind {
			case kernel.FragmentText:
				textBuf.WriteString(frag.Text)
				if opts.Chunks {
					events <- StreamEvent{Kind: StreamEventChunk, Chunk: &Chunk{Text: frag.Text}}
				}
			case kernel.FragmentImage:
				images = append(images, frag.ImagePath)
				if opts.Chunks {
					events <- StreamEvent{Kind: StreamEventChunk, Chunk: &Chunk{ImagePath: frag.ImagePath}}
				}
			}

		case err := <-errc:
			if timer != nil {
				timer.Stop()
			}
			var result CodeExecutionResult
			if interrupted {
				// The kernel's reply to our own Interrupt call, not a
				// natural completion; report it as the budget timeout
				// it actually is rather than the raw kernel error.
				result = budgetExceededResult(CodeExecutionResult{Text: strings.TrimSpace(textBuf.String()), Images: images})
			} else {
				result = CodeExecutionResult{Text: strings.TrimSpace(textBuf.String()), Images: images, Err: err}
			}
			c.recordExecution(execID, code, budget, startedAt, result)
			events <- StreamEvent{Kind: StreamEventResult, Result: &result}
			return

		case <-timerC:
			if interrupted {
				// Grace period elapsed with no execute_reply; report
				// budget exceeded rather than hang indefinitely.
				result := budgetExceededResult(CodeExecutionResult{Text: strings.TrimSpace(textBuf.String()), Images: images})
				c.recordExecution(execID, code, budget, startedAt, result)
				events <- StreamEvent{Kind: StreamEventResult, Result: &result}
				return
			}
			interrupted = true
			_ = c.kernel.Interrupt(ctx)
		}
	}
}
