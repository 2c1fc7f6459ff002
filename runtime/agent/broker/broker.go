// Package broker defines the task broker port used to hand runs to workers.
//
// Delivery is at-least-once: a job may reach several workers, or the same
// worker twice. The broker therefore never guarantees exclusivity; the
// execution lock does. Brokers only move opaque job descriptions around.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Job describes one unit of agent work.
	Job struct {
		// RunID is the run to execute.
		RunID string `json:"run_id"`
		// ThreadID is the conversation thread the run executes over.
		ThreadID string `json:"thread_id"`
		// ModelParams carries the model selection and sampling parameters.
		ModelParams ModelParams `json:"model_params"`
	}

	// ModelParams selects the model and its sampling configuration for a run.
	ModelParams struct {
		// Model is the provider-specific model identifier.
		Model string `json:"model"`
		// Temperature controls sampling temperature.
		Temperature float32 `json:"temperature,omitempty"`
		// MaxTokens caps completion tokens per gateway call.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Parallel selects parallel tool dispatch for the run. Sequential is
		// the default because tool calls may have ordering dependencies.
		Parallel bool `json:"parallel,omitempty"`
	}

	// Handler consumes a delivered job. Returning an error signals the broker
	// that delivery failed and may trigger redelivery.
	Handler func(ctx context.Context, job Job) error

	// Broker enqueues jobs and dispatches them to registered workers.
	Broker interface {
		// Enqueue submits the job for asynchronous execution. It returns as
		// soon as the job is durably accepted, never waiting for execution.
		Enqueue(ctx context.Context, job Job) error

		// Consume registers the handler to receive jobs until ctx is done.
		// Implementations may deliver concurrently; handlers must be
		// idempotent (the execution lock makes them so).
		Consume(ctx context.Context, h Handler) error
	}
)

// Encode serializes a job for wire transport.
func Encode(job Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("broker: encode job: %w", err)
	}
	return b, nil
}

// Decode deserializes a wire payload into a job.
func Decode(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("broker: decode job: %w", err)
	}
	if job.RunID == "" {
		return Job{}, fmt.Errorf("broker: job missing run_id")
	}
	return job, nil
}
