// Package engine wires a validated topology into running stages. The engine
// owns every channel: each consumer stage gets one bounded data channel (and
// a control channel when the plan asks for one), producers get a Sender over
// their consumers' channels, and a channel closes once every producer
// feeding it has returned. That close cascade is the shutdown path: sources
// stop, pipes drain and exit, sinks flush and exit.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/stage"
	"github.com/DarkHighness/void/topology"
)

// Config configures the engine.
type Config struct {
	// ChannelCapacity is the base capacity of every stage input channel.
	// Default 128.
	ChannelCapacity int

	// GracePeriod bounds how long shutdown waits for stages after the
	// context is cancelled. Default 5s.
	GracePeriod time.Duration
}

// DefaultConfig returns an engine config with defaults applied.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 128,
		GracePeriod:     5 * time.Second,
	}
}

// Inputs carries the channels the engine allocated for one consumer stage.
// Control is nil unless the plan routes control upstreams.
type Inputs struct {
	Data    <-chan record.Record
	Control <-chan record.Record
}

// Plan describes how to instantiate one declared stage. Build receives the
// allocated inputs and the sender over downstream channels; inbounds get
// empty Inputs, outbounds a sender with no targets.
type Plan struct {
	Ref topology.Ref

	// Scale multiplies the base channel capacity for this stage's inputs.
	// Zero means 1.
	Scale int

	// ControlFrom lists upstream refs whose records go to the control
	// channel instead of the data channel.
	ControlFrom []topology.Ref

	Build func(in Inputs, send *stage.Sender) (stage.Stage, error)
}

// Deps carries the collaborators the engine needs.
type Deps struct {
	Graph   *topology.Graph
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Engine runs one pipeline.
type Engine struct {
	cfg     Config
	graph   *topology.Graph
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates an engine over a validated graph.
func New(cfg Config, deps Deps) (*Engine, error) {
	def := DefaultConfig()
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = def.ChannelCapacity
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if deps.Graph == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: engine needs a topology graph", errors.ErrMissingConfig),
			"Engine", "New", "create engine")
	}
	return &Engine{
		cfg:     cfg,
		graph:   deps.Graph,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}, nil
}

// inputChannels is the allocated input side of one consumer stage.
type inputChannels struct {
	data    chan record.Record
	control chan record.Record
}

// closer closes a channel once every producer feeding it has returned.
type closer struct {
	mu        sync.Mutex
	producers map[chan record.Record]int
}

func (c *closer) add(ch chan record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers[ch]++
}

func (c *closer) done(ch chan record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers[ch]--
	if c.producers[ch] == 0 {
		close(ch)
	}
}

// Run builds every planned stage and drives the pipeline until all stages
// return. Build failures abort before anything starts; runtime stage errors
// are logged and the rest of the graph keeps running. On cancellation the
// engine waits at most the grace period for stages to drain.
func (e *Engine) Run(ctx context.Context, plans []Plan) error {
	byRef := make(map[topology.Ref]Plan, len(plans))
	for _, p := range plans {
		byRef[p.Ref] = p
	}
	for _, ref := range e.graph.Order {
		if _, ok := byRef[ref]; !ok {
			return errors.WrapFatal(
				fmt.Errorf("%w: no stage planned for %s", errors.ErrMissingConfig, ref),
				"Engine", "Run", "plan stages")
		}
	}
	for _, warning := range e.graph.Warnings {
		e.logger.Warn("topology warning", "detail", warning)
	}
	for _, ref := range e.graph.Skipped {
		e.logger.Warn("outbound skipped, no producer feeds it", "stage", ref.String())
	}

	inputs, cascade := e.allocate(byRef)

	stages, producerOuts, err := e.build(byRef, inputs, cascade)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, st := range stages {
		wg.Add(1)
		go func(st stage.Stage) {
			defer wg.Done()
			ref := st.Ref()

			if e.metrics != nil {
				e.metrics.StageStatus.WithLabelValues(ref.String()).Set(1)
			}
			e.logger.Info("stage started", "stage", ref.String())

			runErr := st.Run(runCtx)

			if e.metrics != nil {
				e.metrics.StageStatus.WithLabelValues(ref.String()).Set(0)
			}
			for _, ch := range producerOuts[ref] {
				cascade.done(ch)
			}

			if runErr != nil && runCtx.Err() == nil {
				e.logger.Error("stage failed", "stage", ref.String(), "error", runErr)
				return
			}
			e.logger.Info("stage stopped", "stage", ref.String())
		}(st)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		e.logger.Info("shutdown requested, draining stages", "grace", e.cfg.GracePeriod)
		select {
		case <-finished:
			return nil
		case <-time.After(e.cfg.GracePeriod):
			e.logger.Error("stages did not stop within grace period")
			return errors.WrapTransient(
				fmt.Errorf("%w: shutdown grace period exceeded", errors.ErrShuttingDown),
				"Engine", "Run", "drain stages")
		}
	}
}

// allocate creates the input channels for every consumer stage and registers
// each producer edge with the close cascade.
func (e *Engine) allocate(byRef map[topology.Ref]Plan) (map[topology.Ref]*inputChannels, *closer) {
	inputs := make(map[topology.Ref]*inputChannels, len(e.graph.Order))
	cascade := &closer{producers: make(map[chan record.Record]int)}

	for _, ref := range e.graph.Order {
		if ref.Kind == topology.KindInbound {
			continue
		}
		plan := byRef[ref]
		capacity := e.cfg.ChannelCapacity
		if plan.Scale > 1 {
			capacity *= plan.Scale
		}
		in := &inputChannels{data: make(chan record.Record, capacity)}
		if len(plan.ControlFrom) > 0 {
			in.control = make(chan record.Record, capacity)
		}
		inputs[ref] = in
	}

	for _, ref := range e.graph.Order {
		node, _ := e.graph.Node(ref)
		for _, consumer := range node.Consumers {
			cascade.add(e.targetChannel(byRef[consumer], inputs[consumer], ref))
		}
	}

	return inputs, cascade
}

// targetChannel picks which input of a consumer this producer feeds.
func (e *Engine) targetChannel(plan Plan, in *inputChannels, producer topology.Ref) chan record.Record {
	for _, ctrl := range plan.ControlFrom {
		if ctrl == producer {
			return in.control
		}
	}
	return in.data
}

// build instantiates every stage and records, per producer, the channels it
// feeds so the cascade can release them on exit.
func (e *Engine) build(
	byRef map[topology.Ref]Plan,
	inputs map[topology.Ref]*inputChannels,
	cascade *closer,
) ([]stage.Stage, map[topology.Ref][]chan record.Record, error) {
	stages := make([]stage.Stage, 0, len(e.graph.Order))
	producerOuts := make(map[topology.Ref][]chan record.Record, len(e.graph.Order))

	for _, ref := range e.graph.Order {
		plan := byRef[ref]
		node, _ := e.graph.Node(ref)

		outs := make([]chan<- record.Record, 0, len(node.Consumers))
		for _, consumer := range node.Consumers {
			ch := e.targetChannel(byRef[consumer], inputs[consumer], ref)
			outs = append(outs, ch)
			producerOuts[ref] = append(producerOuts[ref], ch)
		}

		var in Inputs
		if chans := inputs[ref]; chans != nil {
			in.Data = chans.data
			if chans.control != nil {
				in.Control = chans.control
			}
		}

		st, err := plan.Build(in, stage.NewSender(outs...))
		if err != nil {
			return nil, nil, errors.WrapFatal(err, "Engine", "build",
				fmt.Sprintf("build stage %s", ref))
		}
		stages = append(stages, st)
	}

	return stages, producerOuts, nil
}
