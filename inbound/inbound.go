// Package inbound implements the ingest stage: one byte source, one bound
// protocol, a stream of decoded records downstream. Decode failures are
// per-message; they are logged, counted by kind, and never stop the stream.
package inbound

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/protocol"
	"github.com/DarkHighness/void/source"
	"github.com/DarkHighness/void/stage"
	"github.com/DarkHighness/void/topology"
)

// Config configures an inbound stage.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// Spec is the bound protocol.
	Spec protocol.Spec

	// FrameBuffer is the capacity of the internal frame channel between
	// the source and the decode loop. Defaults to 256.
	FrameBuffer int
}

// DefaultConfig returns an inbound config with defaults applied.
func DefaultConfig() Config {
	return Config{FrameBuffer: 256}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: inbound stage needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate inbound stage")
	}
	return c.Spec.Validate()
}

// Deps carries the collaborators an inbound stage needs.
type Deps struct {
	Source  source.Source
	Sender  *stage.Sender
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Inbound is the ingest stage.
type Inbound struct {
	cfg     Config
	src     source.Source
	sender  *stage.Sender
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates an inbound stage.
func New(cfg Config, deps Deps) (*Inbound, error) {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Sender == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: inbound %s needs a source and a sender", errors.ErrMissingConfig, cfg.Tag),
			"Inbound", "New", "wire inbound stage")
	}
	return &Inbound{
		cfg:     cfg,
		src:     deps.Source,
		sender:  deps.Sender,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("stage", cfg.Tag),
	}, nil
}

// Ref implements stage.Stage.
func (i *Inbound) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindInbound, Tag: i.cfg.Tag}
}

// Run implements stage.Stage. It pumps frames from the source through a
// per-session decoder and sends every decoded record downstream.
func (i *Inbound) Run(ctx context.Context) error {
	frames := make(chan source.Frame, i.cfg.FrameBuffer)

	srcErr := make(chan error, 1)
	go func() {
		srcErr <- i.src.Run(ctx, frames)
		close(frames)
	}()

	decoders := make(map[uint64]protocol.Decoder)

	for frame := range frames {
		dec, ok := decoders[frame.Session]
		if !ok {
			dec = i.cfg.Spec.NewDecoder()
			decoders[frame.Session] = dec
		}

		rec, err := dec.Decode(frame.Data)
		if err != nil {
			if stderrors.Is(err, protocol.ErrHeaderConsumed) {
				continue
			}
			kind := decodeErrorKind(err)
			if i.metrics != nil {
				i.metrics.DecodeErrors.WithLabelValues(i.cfg.Tag, kind).Inc()
			}
			i.logger.Warn("decode failed",
				"session", frame.Session, "kind", kind, "error", err)
			continue
		}

		if i.metrics != nil {
			i.metrics.RecordsOut.WithLabelValues(i.cfg.Tag).Inc()
		}
		if err := i.sender.Send(ctx, rec); err != nil {
			// cancelled mid-send; drain the source goroutine and stop
			<-srcErr
			return nil
		}
	}

	err := <-srcErr
	if err != nil && ctx.Err() == nil {
		i.logger.Error("source terminated", "source", i.src.Name(), "error", err)
		return err
	}
	return nil
}

func decodeErrorKind(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrTypeMismatch):
		return "type_mismatch"
	case stderrors.Is(err, errors.ErrArityMismatch):
		return "arity_mismatch"
	default:
		return "malformed"
	}
}
