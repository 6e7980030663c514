// Package annotate implements the stateful two-input pipe: a data record
// stream and a control command stream merged into one single-owner actor.
// The actor holds the annotation state (label overlays plus tombstones) and
// applies commands and records strictly in the order it dequeues them.
// Ordering holds per stream; across the two streams there is none.
package annotate

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

// Config configures an annotate pipe.
type Config struct {
	// Tag names the stage in the topology.
	Tag string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: annotate pipe needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate annotate pipe")
	}
	return nil
}

// Deps carries the collaborators an annotate pipe needs. Data and Control
// are independent upstreams; the engine closes each when its producers are
// done.
type Deps struct {
	Data    <-chan record.Record
	Control <-chan record.Record
	Sender  *stage.Sender
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Pipe is the annotation stage. The state table is owned exclusively by the
// Run goroutine; no lock, no outside reader.
type Pipe struct {
	cfg     Config
	data    <-chan record.Record
	control <-chan record.Record
	sender  *stage.Sender
	metrics *metric.Metrics
	logger  *slog.Logger

	overlays   map[string]string
	tombstones map[string]struct{}
}

// New creates an annotate pipe.
func New(cfg Config, deps Deps) (*Pipe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Data == nil || deps.Control == nil || deps.Sender == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: annotate pipe %s needs data, control and a sender", errors.ErrMissingConfig, cfg.Tag),
			"Pipe", "New", "wire annotate pipe")
	}
	return &Pipe{
		cfg:        cfg,
		data:       deps.Data,
		control:    deps.Control,
		sender:     deps.Sender,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("stage", cfg.Tag),
		overlays:   make(map[string]string),
		tombstones: make(map[string]struct{}),
	}, nil
}

// Ref implements stage.Stage.
func (p *Pipe) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindPipe, Tag: p.cfg.Tag}
}

// Run implements stage.Stage. It services both streams until both close;
// neither starves the other.
func (p *Pipe) Run(ctx context.Context) error {
	data, control := p.data, p.control

	for data != nil || control != nil {
		select {
		case rec, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			if p.metrics != nil {
				p.metrics.RecordsIn.WithLabelValues(p.cfg.Tag).Inc()
			}
			out := p.annotate(rec)
			if p.metrics != nil {
				p.metrics.RecordsOut.WithLabelValues(p.cfg.Tag).Inc()
			}
			if err := p.sender.Send(ctx, out); err != nil {
				return nil
			}

		case rec, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			cmd, err := record.ParseControl(rec)
			if err != nil {
				if p.metrics != nil {
					p.metrics.RecordsDropped.WithLabelValues(p.cfg.Tag, "invalid_control").Inc()
				}
				p.logger.Warn("control record rejected", "error", err)
				continue
			}
			p.apply(cmd)

		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// apply mutates the annotation state. Idempotent per command: repeating a
// set or delete changes nothing, and deleting a never-set label is a no-op.
func (p *Pipe) apply(cmd record.ControlCommand) {
	switch cmd.Action {
	case record.ActionSet:
		p.overlays[cmd.Name] = cmd.Value
		delete(p.tombstones, cmd.Name)
	case record.ActionUnset:
		delete(p.overlays, cmd.Name)
	case record.ActionDelete:
		p.tombstones[cmd.Name] = struct{}{}
	case record.ActionUndelete:
		delete(p.tombstones, cmd.Name)
	case record.ActionClear:
		p.overlays = make(map[string]string)
		p.tombstones = make(map[string]struct{})
	}
	p.logger.Info("annotation state updated",
		"action", cmd.Action.String(), "name", cmd.Name, "value", cmd.Value)
}

// annotate overlays the current state onto the record's labels. Overlays
// win over existing labels; tombstones strip the label even if the record
// carried it. The record arrives owned by this stage, so copy-on-write is
// the Labels slice copy performed by Set/Delete growth.
func (p *Pipe) annotate(rec record.Record) record.Record {
	names := make([]string, 0, len(p.overlays))
	for name := range p.overlays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, dead := p.tombstones[name]; dead {
			continue
		}
		rec.Labels = rec.Labels.Set(name, p.overlays[name])
	}
	for name := range p.tombstones {
		rec.Labels = rec.Labels.Delete(name)
	}
	return rec
}
