// Package timeseries implements the projection pipe: static extra labels,
// promotion of source fields into labels, and timestamp-field selection.
// The projection is deterministic; fan-in order is whatever the engine's
// merged channel delivers, per-upstream order preserved.
package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/stage"
	"github.com/DarkHighness/void/topology"
)

// Config configures a timeseries pipe.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// ExtraLabels are static labels attached to every record.
	ExtraLabels map[string]string

	// LabelFields are source fields promoted into labels. The field is
	// removed from the field set; its rendered value becomes the label.
	LabelFields []string

	// TimestampField selects the field whose value becomes the record
	// timestamp. A record missing the field is dropped and counted.
	// Empty keeps the timestamp the decoder assigned.
	TimestampField string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: timeseries pipe needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate timeseries pipe")
	}
	return nil
}

// Deps carries the collaborators a timeseries pipe needs.
type Deps struct {
	In      <-chan record.Record
	Sender  *stage.Sender
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Pipe is the projection stage.
type Pipe struct {
	cfg        Config
	extraOrder []string
	in         <-chan record.Record
	sender     *stage.Sender
	metrics    *metric.Metrics
	logger     *slog.Logger
}

// New creates a timeseries pipe.
func New(cfg Config, deps Deps) (*Pipe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.In == nil || deps.Sender == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: timeseries pipe %s needs an input and a sender", errors.ErrMissingConfig, cfg.Tag),
			"Pipe", "New", "wire timeseries pipe")
	}

	// Stable label order regardless of map iteration.
	extraOrder := make([]string, 0, len(cfg.ExtraLabels))
	for name := range cfg.ExtraLabels {
		extraOrder = append(extraOrder, name)
	}
	sort.Strings(extraOrder)

	return &Pipe{
		cfg:        cfg,
		extraOrder: extraOrder,
		in:         deps.In,
		sender:     deps.Sender,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("stage", cfg.Tag),
	}, nil
}

// Ref implements stage.Stage.
func (p *Pipe) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindPipe, Tag: p.cfg.Tag}
}

// Run implements stage.Stage.
func (p *Pipe) Run(ctx context.Context) error {
	for rec := range p.in {
		if p.metrics != nil {
			p.metrics.RecordsIn.WithLabelValues(p.cfg.Tag).Inc()
		}

		out, ok := p.project(rec)
		if !ok {
			if p.metrics != nil {
				p.metrics.RecordsDropped.WithLabelValues(p.cfg.Tag, "missing_timestamp").Inc()
			}
			p.logger.Warn("record dropped", "reason", "missing timestamp field",
				"field", p.cfg.TimestampField)
			continue
		}

		if p.metrics != nil {
			p.metrics.RecordsOut.WithLabelValues(p.cfg.Tag).Inc()
		}
		if err := p.sender.Send(ctx, out); err != nil {
			return nil
		}
	}
	return nil
}

// project applies the configured projection. The pipe owns rec (the engine
// clones on fan-out), so mutation in place is safe.
func (p *Pipe) project(rec record.Record) (record.Record, bool) {
	if p.cfg.TimestampField != "" {
		v, ok := rec.Field(p.cfg.TimestampField)
		if !ok || v.Type != record.TypeDateTime {
			return record.Record{}, false
		}
		rec.Timestamp = v.Time()
		rec.DeleteField(p.cfg.TimestampField)
	}

	for _, name := range p.extraOrder {
		rec.Labels = rec.Labels.Set(name, p.cfg.ExtraLabels[name])
	}

	for _, name := range p.cfg.LabelFields {
		if v, ok := rec.Field(name); ok {
			rec.Labels = rec.Labels.Set(name, v.String())
			rec.DeleteField(name)
		}
	}

	return rec, true
}
