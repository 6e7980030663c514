// Package source abstracts the byte transports feeding inbound stages.
// A source yields framed messages until closed; everything past "a sequence
// of framed byte messages" (protocol, decoding, records) is out of its
// hands. Frames carry a session id so per-connection decoder state (header
// skipping) can be kept downstream.
package source

import (
	"context"
)

// Frame is one framed message from a source.
type Frame struct {
	// Session identifies the connection or stream incarnation the frame
	// arrived on. Ids are unique within one source.
	Session uint64

	// Data is the raw message, without the trailing newline.
	Data []byte
}

// Source yields framed messages indefinitely until closed or cancelled.
type Source interface {
	// Name describes the source for logs.
	Name() string

	// Run reads frames onto out until ctx is cancelled or the source is
	// exhausted. Run does not close out; the caller owns the channel.
	Run(ctx context.Context, out chan<- Frame) error
}

// emit sends a frame honoring cancellation.
func emit(ctx context.Context, out chan<- Frame, f Frame) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
