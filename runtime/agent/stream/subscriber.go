package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/strandlabs/strand/runtime/agent/notify"
	"github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/runlog"
	"github.com/strandlabs/strand/runtime/agent/telemetry"
)

type (
	// Subscriber replays and tails a run's event log. Any number of
	// subscribers can attach to the same run at any point in its life, each
	// with an independent cursor; a subscriber that reconnects resumes from
	// the last sequence it acknowledged with no gaps and no duplicates.
	Subscriber struct {
		log    runlog.Store
		bus    notify.Bus
		runs   run.Store
		logger telemetry.Logger

		// pollInterval bounds staleness when a wake-up notification is lost.
		// Notifications are an optimization, never a correctness mechanism.
		pollInterval time.Duration
	}

	// SubscriberOption configures a Subscriber.
	SubscriberOption func(*Subscriber)
)

const defaultPollInterval = 2 * time.Second

// readBatch is the page size used when draining the log.
const readBatch = 256

// WithPollInterval overrides the fallback poll interval used when no
// notification arrives.
func WithPollInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSubscriberLogger sets the logger used for subscription diagnostics.
func WithSubscriberLogger(l telemetry.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber returns a Subscriber backed by the given log, notification
// bus and run store.
func NewSubscriber(log runlog.Store, bus notify.Bus, runs run.Store, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		log:          log,
		bus:          bus,
		runs:         runs,
		logger:       telemetry.NoopLogger{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe attaches to a run's event stream. Events already in the log with
// sequence greater than afterSeq are replayed first, then the subscription
// tails live appends until a terminal event is delivered, the context is
// canceled, or a control signal ends the stream early.
//
// The returned channel is closed after the terminal event (real or synthetic)
// has been delivered. A replayed stream is indistinguishable from one
// followed live.
func (s *Subscriber) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan *runlog.Event, error) {
	// Subscribe to the wake-up and control channels before the initial read
	// so appends between the read and the subscription are not missed.
	wake, cancelWake, err := s.bus.Subscribe(ctx, notify.RunChannel(runID))
	if err != nil {
		return nil, err
	}
	control, cancelControl, err := s.bus.Subscribe(ctx, notify.ControlChannel(runID))
	if err != nil {
		cancelWake()
		return nil, err
	}

	out := make(chan *runlog.Event)
	go func() {
		defer close(out)
		defer cancelWake()
		defer cancelControl()

		cursor := afterSeq
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		done, err := s.drain(ctx, runID, &cursor, out)
		if done {
			return
		}
		if err != nil {
			s.settleFinished(ctx, runID, &cursor, out)
			return
		}
		// No terminal event replayed: the run may still be in flight, or it
		// finished long enough ago that retention expired its log. The run
		// record settles which before the loop commits to waiting.
		if s.settleFinished(ctx, runID, &cursor, out) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			case sig, ok := <-control:
				if !ok {
					return
				}
				// Drain whatever made it into the log, then close with a
				// synthetic terminal if the producer never wrote one.
				if done, _ := s.drain(ctx, runID, &cursor, out); done {
					return
				}
				s.sendSynthetic(ctx, runID, notify.Signal(sig), cursor, out)
				return
			}
			done, err := s.drain(ctx, runID, &cursor, out)
			if done {
				return
			}
			if err != nil {
				s.settleFinished(ctx, runID, &cursor, out)
				return
			}
		}
	}()
	return out, nil
}

// drain pages events after the cursor into out. It reports done when a
// terminal event was delivered.
func (s *Subscriber) drain(ctx context.Context, runID string, cursor *int64, out chan<- *runlog.Event) (bool, error) {
	for {
		events, err := s.log.List(ctx, runID, *cursor, readBatch)
		if err != nil {
			s.logger.Error(ctx, "run log read failed", "run_id", runID, "err", err)
			return false, err
		}
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			*cursor = e.Sequence
			if e.Type == runlog.EventTerminal {
				return true, nil
			}
		}
		if len(events) < readBatch {
			return false, nil
		}
	}
}

// settleFinished closes out the stream of a run that already reached a
// terminal state but whose log carries no terminal event, typically because
// the subscriber attached after retention expired the log. Without this check
// such a subscriber would wait forever: nothing is left to replay and no
// producer remains to publish a wake-up or control signal.
func (s *Subscriber) settleFinished(ctx context.Context, runID string, cursor *int64, out chan<- *runlog.Event) bool {
	rec, err := s.runs.Load(ctx, runID)
	if err != nil || !rec.Status.Terminal() {
		return false
	}
	// The terminal event may have been appended between the drain and the
	// record read; prefer the real event over a synthetic one.
	if done, _ := s.drain(ctx, runID, cursor, out); done {
		return true
	}
	s.sendSynthetic(ctx, runID, "", *cursor, out)
	return true
}

// sendSynthetic emits a terminal event derived from a control signal and the
// authoritative run record. It covers the window where the stream must end
// but the producer has not yet appended (or will never append) a terminal
// event to the log.
func (s *Subscriber) sendSynthetic(ctx context.Context, runID string, sig notify.Signal, lastSeq int64, out chan<- *runlog.Event) {
	term := Terminal{Status: run.StatusCompleted}
	switch sig {
	case notify.SignalStop:
		term.Status = run.StatusStopped
	case notify.SignalError:
		term.Status = run.StatusFailed
		term.Error = "run failed"
	}
	// The run record is authoritative when it already reached a terminal
	// state; prefer it over the signal mapping.
	if rec, err := s.runs.Load(ctx, runID); err == nil && rec.Status.Terminal() {
		term.Status = rec.Status
		term.Error = rec.Error
		term.Iterations = rec.Iterations
	}
	payload, err := json.Marshal(term)
	if err != nil {
		return
	}
	ev := &runlog.Event{
		RunID:     runID,
		Sequence:  lastSeq + 1,
		Type:      runlog.EventTerminal,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
