// Package stage defines the contract between the engine and the pipeline
// stages: a stage is a goroutine driven by Run, consuming bounded input
// channels and producing through a Sender. The engine owns channel
// construction and closing; stages never close their inputs.
package stage

import (
	"context"

	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/topology"
)

// Stage is one node of the running graph.
type Stage interface {
	// Ref identifies the stage in the topology.
	Ref() topology.Ref

	// Run drives the stage until its inputs close or ctx is cancelled.
	// Producers (inbounds) run until ctx is cancelled or the source ends.
	Run(ctx context.Context) error
}

// Sender fans a record out to every downstream input channel. Sends block
// when a channel is full; that blocking is the pipeline's backpressure.
type Sender struct {
	outs []chan<- record.Record
}

// NewSender creates a sender over the downstream channels.
func NewSender(outs ...chan<- record.Record) *Sender {
	return &Sender{outs: outs}
}

// Send delivers rec to every downstream. With more than one downstream each
// gets its own deep copy, so no two stages share mutable state. Returns
// ctx.Err() if cancelled mid-send.
func (s *Sender) Send(ctx context.Context, rec record.Record) error {
	for i, out := range s.outs {
		r := rec
		if i < len(s.outs)-1 {
			r = rec.Clone()
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Targets returns the number of downstream channels.
func (s *Sender) Targets() int {
	return len(s.outs)
}
