// Package natspub implements the NATS publishing sink: one message per
// record on a fixed subject, rendered either as the console line format or
// as JSON. Publish failures cost counted drops, never backpressure.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/outbound/console"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/topology"
)

// Render formats.
const (
	FormatLine = "line"
	FormatJSON = "json"
)

// Publisher is the slice of the NATS client this sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config configures a NATS sink.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// Subject is the subject every record publishes to.
	Subject string

	// Format selects the message rendering. Default "json".
	Format string
}

// DefaultConfig returns a NATS sink config with defaults applied.
func DefaultConfig() Config {
	return Config{Format: FormatJSON}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: NATS sink needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate NATS sink")
	}
	if c.Subject == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: NATS sink %s needs a subject", errors.ErrMissingConfig, c.Tag),
			"Config", "Validate", "validate NATS sink")
	}
	switch c.Format {
	case FormatLine, FormatJSON:
		return nil
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: NATS sink %s has unknown format %q", errors.ErrInvalidConfig, c.Tag, c.Format),
			"Config", "Validate", "validate NATS sink")
	}
}

// Deps carries the collaborators a NATS sink needs.
type Deps struct {
	In        <-chan record.Record
	Publisher Publisher
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Sink publishes records to NATS.
type Sink struct {
	cfg     Config
	in      <-chan record.Record
	pub     Publisher
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a NATS sink.
func New(cfg Config, deps Deps) (*Sink, error) {
	if cfg.Format == "" {
		cfg.Format = DefaultConfig().Format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.In == nil || deps.Publisher == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: NATS sink %s needs an input and a publisher", errors.ErrMissingConfig, cfg.Tag),
			"Sink", "New", "wire NATS sink")
	}
	return &Sink{
		cfg:     cfg,
		in:      deps.In,
		pub:     deps.Publisher,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("stage", cfg.Tag),
	}, nil
}

// Ref implements stage.Stage.
func (s *Sink) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindOutbound, Tag: s.cfg.Tag}
}

// Run implements stage.Stage.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case rec, ok := <-s.in:
			if !ok {
				return nil
			}
			s.publish(ctx, rec)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sink) publish(ctx context.Context, rec record.Record) {
	if s.metrics != nil {
		s.metrics.RecordsIn.WithLabelValues(s.cfg.Tag).Inc()
	}

	data, err := s.render(rec)
	if err == nil {
		err = s.pub.Publish(ctx, s.cfg.Subject, data)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "write_failed").Inc()
		}
		s.logger.Warn("publish failed", "subject", s.cfg.Subject, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordsOut.WithLabelValues(s.cfg.Tag).Inc()
	}
}

func (s *Sink) render(rec record.Record) ([]byte, error) {
	if s.cfg.Format == FormatLine {
		return []byte(console.FormatLine(rec)), nil
	}
	return json.Marshal(jsonRecord(rec))
}

// jsonRecord flattens a record for the wire: RFC3339Nano timestamp (omitted
// when unset), labels as a string map, fields as native JSON values.
func jsonRecord(rec record.Record) map[string]any {
	msg := make(map[string]any, 3)

	if !rec.Timestamp.IsZero() {
		msg["timestamp"] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	labels := make(map[string]string, len(rec.Labels))
	for _, l := range rec.Labels {
		labels[l.Name] = l.Value
	}
	msg["labels"] = labels

	fields := make(map[string]any, len(rec.FieldNames()))
	for _, name := range rec.FieldNames() {
		v, _ := rec.Field(name)
		fields[name] = jsonValue(v)
	}
	msg["fields"] = fields

	return msg
}

func jsonValue(v record.Value) any {
	switch v.Type {
	case record.TypeInt:
		return v.Int()
	case record.TypeFloat:
		return v.Float()
	case record.TypeBool:
		return v.Bool()
	case record.TypeDateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}
