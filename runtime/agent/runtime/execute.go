package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/strandlabs/strand/runtime/agent/broker"
	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/notify"
	"github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/stream"
	"github.com/strandlabs/strand/runtime/agent/thread"
)

// outcome accumulates the terminal state of an executing run.
type outcome struct {
	status     run.Status
	errMsg     string
	iterations int
	usage      model.TokenUsage
}

// Execute runs the agent loop for a delivered job. It is safe to call
// concurrently from any number of workers for the same run: the execution
// lock admits exactly one, and the others return immediately with no side
// effects. Redelivery of an already-terminal run is likewise a no-op.
func (c *Coordinator) Execute(ctx context.Context, job broker.Job) error {
	runID := job.RunID
	acquired, err := c.deps.Locker.Acquire(ctx, runID, c.cfg.WorkerID, c.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("runtime: acquire lock for run %s: %w", runID, err)
	}
	if !acquired {
		c.deps.Metrics.IncCounter("agent_lock_contention", 1)
		c.deps.Logger.Debug(ctx, "run already locked", "run_id", runID)
		return nil
	}
	defer func() {
		if rerr := c.deps.Locker.Release(ctx, runID, c.cfg.WorkerID); rerr != nil {
			c.deps.Logger.Warn(ctx, "lock release failed", "run_id", runID, "err", rerr)
		}
	}()

	rec, err := c.deps.Runs.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("runtime: load run %s: %w", runID, err)
	}
	// A redelivered job for a run that already finished must not re-execute
	// tools that already ran.
	if rec.Status.Terminal() {
		c.deps.Logger.Debug(ctx, "run already terminal", "run_id", runID, "status", string(rec.Status))
		return nil
	}

	spanCtx, span := c.deps.Tracer.Start(ctx, "agent.run")
	defer span.End()
	started := time.Now()

	// Cooperative stop: a STOP control message flips the flag, checked
	// between loop iterations and between stream reads.
	var stopped atomic.Bool
	watchCtx, cancelWatch := context.WithCancel(spanCtx)
	defer cancelWatch()
	control, cancelControl, err := c.deps.Bus.Subscribe(watchCtx, notify.ControlChannel(runID))
	if err != nil {
		return fmt.Errorf("runtime: subscribe control channel for run %s: %w", runID, err)
	}
	defer cancelControl()
	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case sig, ok := <-control:
				if !ok {
					return
				}
				if notify.Signal(sig) == notify.SignalStop {
					stopped.Store(true)
					return
				}
			}
		}
	}()

	// Liveness heartbeats are separate from the lock and never extend it.
	if c.deps.Liveness != nil {
		go c.heartbeat(watchCtx, runID)
	}

	rec.Status = run.StatusRunning
	rec.WorkerID = c.cfg.WorkerID
	if err := c.persistRecord(spanCtx, &rec); err != nil {
		return err
	}
	if _, err := c.appendEvent(spanCtx, runID, stream.Status{Status: run.StatusRunning}); err != nil {
		c.finish(spanCtx, &rec, outcome{status: run.StatusFailed, errMsg: "event log unavailable"})
		return err
	}

	out := c.loop(spanCtx, job, &rec, &stopped)
	c.finish(spanCtx, &rec, out)
	c.deps.Metrics.RecordTimer("agent_run_duration", time.Since(started), "status", string(out.status))
	return nil
}

// loop drives auto-continue: gateway call, streamed turn, tool dispatch,
// repeat until a terminal condition.
func (c *Coordinator) loop(ctx context.Context, job broker.Job, rec *run.Record, stopped *atomic.Bool) outcome {
	out := outcome{status: run.StatusCompleted}
	params := job.ModelParams
	for i := 0; i < c.cfg.MaxIterations; i++ {
		if stopped.Load() || ctx.Err() != nil {
			out.status = run.StatusStopped
			return out
		}

		req, err := c.buildRequest(ctx, job.ThreadID, params)
		if err != nil {
			out.status = run.StatusFailed
			out.errMsg = err.Error()
			return out
		}

		turn, err := c.runTurn(ctx, rec.ID, req, stopped)
		if err != nil {
			out.status = run.StatusFailed
			out.errMsg = err.Error()
			return out
		}
		out.iterations = i + 1
		out.usage.InputTokens += turn.usage.InputTokens
		out.usage.OutputTokens += turn.usage.OutputTokens
		out.usage.TotalTokens += turn.usage.TotalTokens
		rec.Iterations = out.iterations

		if err := c.persistTurn(ctx, job.ThreadID, turn); err != nil {
			out.status = run.StatusFailed
			out.errMsg = err.Error()
			return out
		}

		if stopped.Load() {
			out.status = run.StatusStopped
			return out
		}

		terminated, err := c.dispatch(ctx, rec.ID, job.ThreadID, turn.calls, params.Parallel)
		if err != nil {
			out.status = run.StatusFailed
			out.errMsg = err.Error()
			return out
		}
		if terminated {
			return out
		}
		if stopped.Load() {
			out.status = run.StatusStopped
			return out
		}

		// Natural end of turn with nothing left to feed back ends the run.
		// Tool results or a truncated completion warrant another iteration.
		if len(turn.calls) == 0 && turn.stopReason != model.StopReasonMaxTokens {
			return out
		}
	}
	c.deps.Logger.Warn(ctx, "iteration cap reached", "run_id", rec.ID, "iterations", out.iterations)
	return out
}

// buildRequest loads the visible history, compresses it to the model's
// budget and assembles the gateway request.
func (c *Coordinator) buildRequest(ctx context.Context, threadID string, params broker.ModelParams) (model.Request, error) {
	msgs, err := c.deps.Threads.Messages(ctx, threadID, true)
	if err != nil {
		return model.Request{}, fmt.Errorf("runtime: load history for thread %s: %w", threadID, err)
	}
	budget := c.deps.Budgets.ForModel(params.Model)
	msgs = c.deps.Compactor.Compact(msgs, budget)

	req := model.Request{
		Model:       params.Model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Messages:    make([]*model.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, toModelMessage(m))
	}
	for _, s := range c.deps.Registry.StructuredSchemas() {
		req.Tools = append(req.Tools, &model.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.Parameters,
		})
	}
	return req, nil
}

// toModelMessage maps a persisted thread message onto the gateway wire shape.
func toModelMessage(m *thread.Message) *model.Message {
	msg := &model.Message{Content: m.Content}
	switch m.Type {
	case thread.TypeSystem:
		msg.Role = model.RoleSystem
	case thread.TypeAssistant:
		msg.Role = model.RoleAssistant
	case thread.TypeToolResult:
		msg.Role = model.RoleTool
		if id, ok := m.Meta[thread.MetaCallID].(string); ok {
			msg.ToolCallID = id
		}
	default:
		// User turns and compression summaries replay as user content.
		msg.Role = model.RoleUser
	}
	return msg
}

// persistRecord upserts the run record with bounded retries. Status-store
// failures fail the run: silent loss is worse than an explicit failure.
func (c *Coordinator) persistRecord(ctx context.Context, rec *run.Record) error {
	err := c.withRetry(ctx, c.cfg.PersistRetries, func() error {
		return c.deps.Runs.Upsert(ctx, *rec)
	})
	if err != nil {
		return fmt.Errorf("runtime: persist run %s: %w", rec.ID, err)
	}
	return nil
}

// heartbeat refreshes the liveness key until ctx is done, then clears it.
func (c *Coordinator) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()
	beat := func() {
		if err := c.deps.Liveness.Beat(ctx, c.cfg.WorkerID, runID, c.cfg.LivenessTTL); err != nil && ctx.Err() == nil {
			c.deps.Logger.Warn(ctx, "liveness beat failed", "run_id", runID, "err", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := c.deps.Liveness.Clear(clearCtx, c.cfg.WorkerID, runID); err != nil {
				c.deps.Logger.Warn(ctx, "liveness clear failed", "run_id", runID, "err", err)
			}
			return
		case <-ticker.C:
			beat()
		}
	}
}

// finish performs the terminal bookkeeping: status update, terminal event,
// END_STREAM control signal and retention scheduling. It never returns an
// error; every failure path still leaves subscribers with a way out.
func (c *Coordinator) finish(ctx context.Context, rec *run.Record, out outcome) {
	// Terminal writes must proceed even when the loop ended because the
	// worker's context was canceled.
	ctx = context.WithoutCancel(ctx)

	rec.Status = out.status
	rec.Error = out.errMsg
	rec.Iterations = out.iterations
	rec.EndedAt = time.Now().UTC()
	if err := c.persistRecord(ctx, rec); err != nil {
		c.deps.Logger.Error(ctx, "terminal status write failed", "run_id", rec.ID, "err", err)
	}

	term := stream.Terminal{
		Status:     out.status,
		Error:      out.errMsg,
		Iterations: out.iterations,
	}
	if out.usage != (model.TokenUsage{}) {
		term.Usage = &out.usage
	}
	if _, err := c.appendEvent(ctx, rec.ID, term); err != nil {
		// The log is unreachable; the control signal below is the fallback
		// that lets subscribers close with a synthetic terminal.
		c.deps.Logger.Error(ctx, "terminal event write failed", "run_id", rec.ID, "err", err)
		sig := notify.SignalEndStream
		if out.status == run.StatusFailed {
			sig = notify.SignalError
		}
		if perr := c.deps.Bus.Publish(ctx, notify.ControlChannel(rec.ID), []byte(sig)); perr != nil {
			c.deps.Logger.Error(ctx, "control signal publish failed", "run_id", rec.ID, "err", perr)
		}
	}

	if err := c.deps.Log.ExpireAfter(ctx, rec.ID, c.cfg.Retention); err != nil {
		c.deps.Logger.Warn(ctx, "retention scheduling failed", "run_id", rec.ID, "err", err)
	}

	switch out.status {
	case run.StatusFailed:
		c.deps.Metrics.IncCounter("agent_runs_failed", 1)
	default:
		c.deps.Metrics.IncCounter("agent_runs_completed", 1, "status", string(out.status))
	}
	c.deps.Logger.Info(ctx, "run finished",
		"run_id", rec.ID, "status", string(out.status), "iterations", out.iterations, "err", out.errMsg)
}
