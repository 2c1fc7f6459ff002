// Package notify defines the pub/sub ports for run notification and control
// channels.
//
// Notifications are wake-up signals only: the payload is opaque and never
// authoritative. Subscribers re-read the run log on every notification instead
// of trusting the message body, which makes delivery loss harmless (the next
// notification or the replay-on-reconnect catches up) and duplicate delivery
// idempotent.
package notify

import "context"

type (
	// Bus is a lightweight publish/subscribe transport.
	Bus interface {
		// Publish sends payload to every current subscriber of the channel.
		// Publishing to a channel with no subscribers is not an error.
		Publish(ctx context.Context, channel string, payload []byte) error

		// Subscribe returns a channel of payloads published to the named
		// channel after this call, plus a cancel function that closes the
		// subscription. The returned Go channel is closed on cancel or when
		// ctx is done.
		Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	}

	// Signal is a control-channel payload.
	Signal string
)

const (
	// SignalStop requests cooperative termination of a running run.
	SignalStop Signal = "STOP"
	// SignalError announces that the run ended abnormally.
	SignalError Signal = "ERROR"
	// SignalEndStream tells subscribers to close without waiting for a
	// terminal log event.
	SignalEndStream Signal = "END_STREAM"
)

// RunChannel returns the notification channel name for a run.
func RunChannel(runID string) string { return "notify:run:" + runID }

// ControlChannel returns the control channel name for a run.
func ControlChannel(runID string) string { return "control:run:" + runID }
