// Package pulse implements the task broker port on goa.design/pulse worker
// pools.
//
// Each run dispatch becomes a pool job keyed by run id. Pulse delivers jobs
// to exactly one healthy node at a time but rebalances on node failure, so a
// job can reach more than one worker over its life; the execution lock is
// what turns that into at-most-once execution.
package pulse

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"

	"github.com/strandlabs/strand/runtime/agent/broker"
	"github.com/strandlabs/strand/runtime/agent/telemetry"
)

type (
	// Options configures the pulse broker.
	Options struct {
		// Redis is the Redis connection backing the pool. Required.
		Redis *goredis.Client
		// PoolName names the worker pool shared by all nodes. Defaults to
		// "strand-runs".
		PoolName string
		// NodeOptions are passed through to pool.AddNode.
		NodeOptions []pool.NodeOption
		// Logger records job lifecycle diagnostics.
		Logger telemetry.Logger
	}

	// Broker implements broker.Broker on a pulse pool node.
	Broker struct {
		node   *pool.Node
		logger telemetry.Logger
	}

	// jobHandler adapts a broker.Handler to the pulse job interface. Run
	// execution is one-shot: Start launches the handler and the job is
	// stopped once it returns.
	jobHandler struct {
		ctx     context.Context
		node    *pool.Node
		handler broker.Handler
		logger  telemetry.Logger
	}
)

var _ broker.Broker = (*Broker)(nil)

const defaultPoolName = "strand-runs"

// New joins (or creates) the worker pool on the given Redis connection.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.PoolName
	if name == "" {
		name = defaultPoolName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	node, err := pool.AddNode(ctx, name, opts.Redis, opts.NodeOptions...)
	if err != nil {
		return nil, fmt.Errorf("join pool %s: %w", name, err)
	}
	return &Broker{node: node, logger: logger}, nil
}

// Enqueue implements broker.Broker. The job key is the run id so redundant
// dispatches of the same run collapse onto one pool job.
func (b *Broker) Enqueue(ctx context.Context, job broker.Job) error {
	payload, err := broker.Encode(job)
	if err != nil {
		return err
	}
	if err := b.node.DispatchJob(ctx, job.RunID, payload); err != nil {
		return fmt.Errorf("dispatch run %s: %w", job.RunID, err)
	}
	return nil
}

// Consume implements broker.Broker. It registers a pool worker and blocks
// until ctx is done.
func (b *Broker) Consume(ctx context.Context, h broker.Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	jh := &jobHandler{ctx: ctx, node: b.node, handler: h, logger: b.logger}
	if _, err := b.node.AddWorker(ctx, jh); err != nil {
		return fmt.Errorf("add pool worker: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Close leaves the pool, requeueing any jobs assigned to this node.
func (b *Broker) Close(ctx context.Context) error {
	if err := b.node.Close(ctx); err != nil {
		return fmt.Errorf("close pool node: %w", err)
	}
	return nil
}

// Start implements the pulse job handler. Execution happens off the pool
// goroutine; the job is stopped when the run handler returns so completed
// runs are not re-assigned on rebalance.
func (jh *jobHandler) Start(job *pool.Job) error {
	decoded, err := broker.Decode(job.Payload)
	if err != nil {
		return err
	}
	go func() {
		if herr := jh.handler(jh.ctx, decoded); herr != nil {
			jh.logger.Error(jh.ctx, "run job failed", "run_id", decoded.RunID, "err", herr)
		}
		if serr := jh.node.StopJob(jh.ctx, job.Key); serr != nil && jh.ctx.Err() == nil {
			jh.logger.Warn(jh.ctx, "stop job failed", "run_id", decoded.RunID, "err", serr)
		}
	}()
	return nil
}

// Stop implements the pulse job handler. Runs observe cancellation through
// the control channel, not through job stops, so there is nothing to tear
// down here.
func (jh *jobHandler) Stop(string) error { return nil }
