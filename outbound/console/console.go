// Package console implements the debug sink: one human-readable line per
// record. It never blocks the graph; records stage through a drop-oldest
// ring and a slow or broken writer costs counted drops, not backpressure.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/pkg/buffer"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/topology"
)

// Config configures a console sink.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// BufferSize is the ring capacity between receive and write.
	// Defaults to 1024.
	BufferSize int

	// FlushInterval is how often buffered lines are written.
	// Defaults to 100ms.
	FlushInterval time.Duration
}

// DefaultConfig returns a console config with defaults applied.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		FlushInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: console sink needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate console sink")
	}
	return nil
}

// Deps carries the collaborators a console sink needs. A nil Writer means
// stdout.
type Deps struct {
	In      <-chan record.Record
	Writer  io.Writer
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Sink writes records as lines.
type Sink struct {
	cfg     Config
	in      <-chan record.Record
	writer  io.Writer
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a console sink.
func New(cfg Config, deps Deps) (*Sink, error) {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.In == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: console sink %s needs an input", errors.ErrMissingConfig, cfg.Tag),
			"Sink", "New", "wire console sink")
	}
	w := deps.Writer
	if w == nil {
		w = os.Stdout
	}
	return &Sink{
		cfg:     cfg,
		in:      deps.In,
		writer:  w,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("stage", cfg.Tag),
	}, nil
}

// Ref implements stage.Stage.
func (s *Sink) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindOutbound, Tag: s.cfg.Tag}
}

// Run implements stage.Stage. Receiving never blocks on the writer: records
// land in a drop-oldest ring and a ticker drains it.
func (s *Sink) Run(ctx context.Context) error {
	ring := buffer.NewCircularBuffer(s.cfg.BufferSize,
		buffer.WithOverflowPolicy[record.Record](buffer.DropOldest),
		buffer.WithDropCallback(func(record.Record) {
			if s.metrics != nil {
				s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "overflow").Inc()
			}
		}),
	)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.in:
			if !ok {
				s.flush(ring)
				return nil
			}
			if s.metrics != nil {
				s.metrics.RecordsIn.WithLabelValues(s.cfg.Tag).Inc()
			}
			_ = ring.Write(rec)

		case <-ticker.C:
			s.flush(ring)

		case <-ctx.Done():
			s.flush(ring)
			return nil
		}
	}
}

func (s *Sink) flush(ring buffer.Buffer[record.Record]) {
	for {
		batch := ring.ReadBatch(256)
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			if _, err := io.WriteString(s.writer, FormatLine(rec)+"\n"); err != nil {
				if s.metrics != nil {
					s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "write_failed").Inc()
				}
				s.logger.Warn("console write failed", "error", err)
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordsOut.WithLabelValues(s.cfg.Tag).Inc()
			}
		}
	}
}

// FormatLine renders one record: timestamp, labels in insertion order,
// fields in name order.
func FormatLine(rec record.Record) string {
	var b strings.Builder

	if rec.Timestamp.IsZero() {
		b.WriteString("-")
	} else {
		b.WriteString(rec.Timestamp.Format(time.RFC3339Nano))
	}

	b.WriteString(" ")
	if len(rec.Labels) == 0 {
		b.WriteString("{}")
	} else {
		b.WriteString("{")
		for i, l := range rec.Labels {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(l.Name)
			b.WriteString("=")
			b.WriteString(l.Value)
		}
		b.WriteString("}")
	}

	for _, name := range rec.FieldNames() {
		v, _ := rec.Field(name)
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(v.String())
	}

	return b.String()
}
