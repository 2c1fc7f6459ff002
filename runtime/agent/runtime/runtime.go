// Package runtime implements the run coordinator: the component that accepts
// new runs, hands them to workers through the task broker, and drives the
// agent loop on the worker side.
//
// The coordinator owns the run lifecycle (Queued, Running, then Completed,
// Failed or Stopped), the at-most-once execution guarantee (broker delivery is
// at least once; the execution lock filters duplicates), the auto-continue
// loop with its iteration cap, and the terminal bookkeeping: every run ends
// with exactly one terminal event, a status update, a released lock and a
// scheduled log cleanup, no matter how it ends.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/runtime/agent/broker"
	"github.com/strandlabs/strand/runtime/agent/compactor"
	"github.com/strandlabs/strand/runtime/agent/lock"
	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/notify"
	"github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/runlog"
	"github.com/strandlabs/strand/runtime/agent/stream"
	"github.com/strandlabs/strand/runtime/agent/telemetry"
	"github.com/strandlabs/strand/runtime/agent/thread"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

type (
	// Config tunes coordinator policy. Zero fields take the defaults below.
	Config struct {
		// WorkerID identifies this worker instance. It tags the execution
		// lock and the liveness key. Required.
		WorkerID string
		// MaxIterations bounds the auto-continue loop.
		MaxIterations int
		// LockTTL bounds execution lock ownership. A worker that dies
		// mid-run stops blocking the run once the TTL elapses.
		LockTTL time.Duration
		// LivenessTTL is the expiry of the liveness key.
		LivenessTTL time.Duration
		// LivenessInterval is how often the liveness key is refreshed. Must
		// be shorter than LivenessTTL.
		LivenessInterval time.Duration
		// Retention is how long run logs are kept after the terminal event.
		Retention time.Duration
		// GatewayRetries is how many times a failed gateway call is retried
		// before the run fails.
		GatewayRetries int
		// GatewayBackoff is the initial retry backoff, doubled per attempt.
		GatewayBackoff time.Duration
		// PersistRetries is how many times a failed log or status write is
		// retried before the run fails.
		PersistRetries int
		// ParallelToolCap bounds concurrent tool executions within one run
		// when the run requests parallel dispatch.
		ParallelToolCap int
	}

	// Deps are the collaborators a Coordinator is built from. All stores and
	// ports are required; telemetry fields default to no-ops.
	Deps struct {
		Model    model.Client
		Registry *tools.Registry
		Threads  thread.Store
		Runs     run.Store
		Log      runlog.Store
		Locker   lock.Locker
		Liveness lock.Liveness
		Bus      notify.Bus
		Broker   broker.Broker

		Compactor *compactor.Compactor
		Budgets   compactor.BudgetTable

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Coordinator accepts runs and executes them. One instance per worker
	// process; safe for concurrent use.
	Coordinator struct {
		cfg  Config
		deps Deps
	}
)

// Config defaults.
const (
	defaultMaxIterations    = 24
	defaultLockTTL          = 5 * time.Minute
	defaultLivenessTTL      = 30 * time.Second
	defaultLivenessInterval = 10 * time.Second
	defaultRetention        = 30 * time.Minute
	defaultGatewayRetries   = 3
	defaultGatewayBackoff   = 500 * time.Millisecond
	defaultPersistRetries   = 3
	defaultParallelToolCap  = 4
)

// New builds a Coordinator, applying defaults for zero Config fields and
// no-op telemetry for nil Deps fields.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case cfg.WorkerID == "":
		return nil, fmt.Errorf("runtime: missing worker id")
	case deps.Model == nil:
		return nil, fmt.Errorf("runtime: missing model client")
	case deps.Registry == nil:
		return nil, fmt.Errorf("runtime: missing tool registry")
	case deps.Threads == nil:
		return nil, fmt.Errorf("runtime: missing thread store")
	case deps.Runs == nil:
		return nil, fmt.Errorf("runtime: missing run store")
	case deps.Log == nil:
		return nil, fmt.Errorf("runtime: missing run log")
	case deps.Locker == nil:
		return nil, fmt.Errorf("runtime: missing locker")
	case deps.Bus == nil:
		return nil, fmt.Errorf("runtime: missing notification bus")
	case deps.Broker == nil:
		return nil, fmt.Errorf("runtime: missing broker")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = defaultLivenessTTL
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.GatewayRetries <= 0 {
		cfg.GatewayRetries = defaultGatewayRetries
	}
	if cfg.GatewayBackoff <= 0 {
		cfg.GatewayBackoff = defaultGatewayBackoff
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = defaultPersistRetries
	}
	if cfg.ParallelToolCap <= 0 {
		cfg.ParallelToolCap = defaultParallelToolCap
	}
	if deps.Compactor == nil {
		deps.Compactor = compactor.New(compactor.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NoopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer{}
	}
	return &Coordinator{cfg: cfg, deps: deps}, nil
}

// Start accepts a new run over the given thread: it persists the run record
// in Queued, enqueues a work item on the broker and returns the run id. Start
// never waits for execution.
func (c *Coordinator) Start(ctx context.Context, threadID string, params broker.ModelParams) (string, error) {
	if _, err := c.deps.Threads.LoadThread(ctx, threadID); err != nil {
		return "", fmt.Errorf("runtime: load thread %s: %w", threadID, err)
	}
	runID := uuid.NewString()
	rec := run.Record{
		ID:        runID,
		ThreadID:  threadID,
		Status:    run.StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := c.deps.Runs.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("runtime: persist run %s: %w", runID, err)
	}
	if _, err := c.appendEvent(ctx, runID, stream.Status{Status: run.StatusQueued}); err != nil {
		return "", err
	}
	job := broker.Job{RunID: runID, ThreadID: threadID, ModelParams: params}
	if err := c.deps.Broker.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("runtime: enqueue run %s: %w", runID, err)
	}
	c.deps.Metrics.IncCounter("agent_runs_started", 1)
	c.deps.Logger.Info(ctx, "run queued", "run_id", runID, "thread_id", threadID, "model", params.Model)
	return runID, nil
}

// Stop publishes a STOP signal on the run's control channel. The executing
// worker observes it cooperatively at the next loop or stream-read boundary.
func (c *Coordinator) Stop(ctx context.Context, runID string) error {
	return c.deps.Bus.Publish(ctx, notify.ControlChannel(runID), []byte(notify.SignalStop))
}

// Work consumes broker deliveries with Execute until ctx is done.
func (c *Coordinator) Work(ctx context.Context) error {
	return c.deps.Broker.Consume(ctx, c.Execute)
}

// appendEvent encodes the event, appends it to the run log with bounded
// retries, and publishes a wake-up notification. The notification payload is
// opaque; subscribers re-read the log.
func (c *Coordinator) appendEvent(ctx context.Context, runID string, ev stream.Event) (int64, error) {
	envelope, err := stream.Encode(runID, ev)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = c.withRetry(ctx, c.cfg.PersistRetries, func() error {
		var aerr error
		seq, aerr = c.deps.Log.Append(ctx, envelope)
		return aerr
	})
	if err != nil {
		return 0, fmt.Errorf("runtime: append %s event for run %s: %w", ev.Kind(), runID, err)
	}
	if perr := c.deps.Bus.Publish(ctx, notify.RunChannel(runID), []byte("wake")); perr != nil {
		// Lost notifications are harmless: subscribers poll and replay.
		c.deps.Logger.Warn(ctx, "notify publish failed", "run_id", runID, "err", perr)
	}
	return seq, nil
}

// withRetry runs fn up to attempts times with doubling backoff.
func (c *Coordinator) withRetry(ctx context.Context, attempts int, fn func() error) error {
	backoff := c.cfg.GatewayBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
