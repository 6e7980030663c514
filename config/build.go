package config

import (
	"fmt"
	"log/slog"

	"github.com/DarkHighness/void/engine"
	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/inbound"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/outbound/console"
	"github.com/DarkHighness/void/outbound/natspub"
	"github.com/DarkHighness/void/outbound/parquet"
	"github.com/DarkHighness/void/outbound/remotewrite"
	"github.com/DarkHighness/void/pipe/annotate"
	"github.com/DarkHighness/void/pipe/timeseries"
	"github.com/DarkHighness/void/pkg/retry"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/source"
	"github.com/DarkHighness/void/stage"
	"github.com/DarkHighness/void/topology"
)

// Declarations converts the configuration into topology declarations for
// graph validation.
func (c *Config) Declarations() ([]topology.Declaration, error) {
	decls := make([]topology.Declaration, 0,
		len(c.Inbounds)+len(c.Pipes)+len(c.Outbounds))

	for _, in := range c.Inbounds {
		decls = append(decls, topology.Declaration{
			Tag:      in.Tag,
			Kind:     topology.KindInbound,
			Disabled: in.Disabled,
		})
	}

	for _, p := range c.Pipes {
		refs := p.Inbounds
		if p.Kind == PipeAnnotate {
			refs = append(append([]string{}, p.Data...), p.Control...)
		}
		ups, err := parseRefs(refs)
		if err != nil {
			return nil, err
		}
		decls = append(decls, topology.Declaration{
			Tag:       p.Tag,
			Kind:      topology.KindPipe,
			Upstreams: ups,
			Disabled:  p.Disabled,
		})
	}

	for _, out := range c.Outbounds {
		ups, err := parseRefs(out.Inbounds)
		if err != nil {
			return nil, err
		}
		decls = append(decls, topology.Declaration{
			Tag:       out.Tag,
			Kind:      topology.KindOutbound,
			Upstreams: ups,
			Disabled:  out.Disabled,
		})
	}

	return decls, nil
}

func parseRefs(raw []string) ([]topology.Ref, error) {
	refs := make([]topology.Ref, 0, len(raw))
	for _, s := range raw {
		ref, err := topology.ParseRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// BuildDeps carries the runtime collaborators stage construction needs.
// Publishers maps each NATS outbound tag to its connected publisher; the
// caller owns connection lifecycle.
type BuildDeps struct {
	Metrics    *metric.Metrics
	Logger     *slog.Logger
	Publishers map[string]natspub.Publisher
}

// Plans converts the configuration into engine stage plans. Disabled stages
// get no plan; the engine ignores plans for stages the graph skipped.
func (c *Config) Plans(deps BuildDeps) ([]engine.Plan, error) {
	specs := make(map[string]ProtocolConfig, len(c.Protocols))
	for _, p := range c.Protocols {
		specs[p.Tag] = p
	}

	var plans []engine.Plan

	for _, in := range c.Inbounds {
		if in.Disabled {
			continue
		}
		plan, err := c.inboundPlan(in, specs[in.Protocol], deps)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	for _, p := range c.Pipes {
		if p.Disabled {
			continue
		}
		plan, err := c.pipePlan(p, deps)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	for _, out := range c.Outbounds {
		if out.Disabled {
			continue
		}
		plan, err := c.outboundPlan(out, deps)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, nil
}

func (c *Config) inboundPlan(in InboundConfig, proto ProtocolConfig, deps BuildDeps) (engine.Plan, error) {
	spec, err := proto.Spec()
	if err != nil {
		return engine.Plan{}, err
	}

	newSource := func() (source.Source, error) {
		switch in.Kind {
		case InboundStream:
			return source.NewStream(source.StreamConfig{Path: in.Path, Reopen: in.Reopen}, deps.Logger)
		case InboundUnixSocket:
			return source.NewUnixSocket(source.UnixSocketConfig{Path: in.Path}, deps.Logger)
		case InboundWebSocket:
			return source.NewWebSocket(source.WebSocketConfig{Addr: in.Addr, Path: in.WSPath}, deps.Logger)
		default:
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: inbound %s has unknown kind %q", errors.ErrInvalidConfig, in.Tag, in.Kind),
				"config", "inboundPlan", "build source")
		}
	}

	return engine.Plan{
		Ref: topology.Ref{Kind: topology.KindInbound, Tag: in.Tag},
		Build: func(_ engine.Inputs, send *stage.Sender) (stage.Stage, error) {
			src, err := newSource()
			if err != nil {
				return nil, err
			}
			return inbound.New(
				inbound.Config{Tag: in.Tag, Spec: spec, FrameBuffer: in.FrameBuffer},
				inbound.Deps{Source: src, Sender: send, Metrics: deps.Metrics, Logger: deps.Logger})
		},
	}, nil
}

func (c *Config) pipePlan(p PipeConfig, deps BuildDeps) (engine.Plan, error) {
	ref := topology.Ref{Kind: topology.KindPipe, Tag: p.Tag}

	switch p.Kind {
	case PipeTimeseries:
		return engine.Plan{
			Ref: ref,
			Build: func(in engine.Inputs, send *stage.Sender) (stage.Stage, error) {
				return timeseries.New(timeseries.Config{
					Tag:            p.Tag,
					ExtraLabels:    p.ExtraLabels,
					LabelFields:    p.LabelFields,
					TimestampField: p.TimestampField,
				}, timeseries.Deps{
					In: in.Data, Sender: send, Metrics: deps.Metrics, Logger: deps.Logger,
				})
			},
		}, nil

	case PipeAnnotate:
		control, err := parseRefs(p.Control)
		if err != nil {
			return engine.Plan{}, err
		}
		return engine.Plan{
			Ref:         ref,
			ControlFrom: control,
			Build: func(in engine.Inputs, send *stage.Sender) (stage.Stage, error) {
				return annotate.New(annotate.Config{Tag: p.Tag}, annotate.Deps{
					Data: in.Data, Control: in.Control,
					Sender: send, Metrics: deps.Metrics, Logger: deps.Logger,
				})
			},
		}, nil

	default:
		return engine.Plan{}, invalid(fmt.Sprintf("pipe %s has unknown kind %q", p.Tag, p.Kind))
	}
}

func (c *Config) outboundPlan(out OutboundConfig, deps BuildDeps) (engine.Plan, error) {
	ref := topology.Ref{Kind: topology.KindOutbound, Tag: out.Tag}

	switch out.Kind {
	case OutboundConsole:
		return engine.Plan{
			Ref:   ref,
			Scale: out.Scale,
			Build: func(in engine.Inputs, _ *stage.Sender) (stage.Stage, error) {
				return console.New(console.Config{
					Tag:           out.Tag,
					BufferSize:    out.BufferSize,
					FlushInterval: out.FlushInterval.Std(),
				}, console.Deps{In: in.Data, Metrics: deps.Metrics, Logger: deps.Logger})
			},
		}, nil

	case OutboundParquet:
		fields := make([]parquet.Field, 0, len(out.Fields))
		for _, f := range out.Fields {
			typ, err := record.ParseDataType(f.Type)
			if err != nil {
				return engine.Plan{}, invalid(
					fmt.Sprintf("outbound %s field %s has unknown type %q", out.Tag, f.Name, f.Type))
			}
			fields = append(fields, parquet.Field{Name: f.Name, Type: typ})
		}
		return engine.Plan{
			Ref:   ref,
			Scale: out.Scale,
			Build: func(in engine.Inputs, _ *stage.Sender) (stage.Stage, error) {
				return parquet.New(parquet.Config{
					Tag:           out.Tag,
					PathTemplate:  out.Path,
					Labels:        out.Labels,
					Fields:        fields,
					RowGroupSize:  out.RowGroupSize,
					FlushInterval: out.FlushInterval.Std(),
					MaxBacklog:    out.MaxBacklog,
					Retry:         retry.DefaultConfig(),
				}, parquet.Deps{In: in.Data, Metrics: deps.Metrics, Logger: deps.Logger})
			},
		}, nil

	case OutboundRemoteWrite:
		endpoint, err := out.Endpoint.Resolve()
		if err != nil {
			return engine.Plan{}, err
		}
		auth, err := resolveAuth(out.Auth)
		if err != nil {
			return engine.Plan{}, err
		}
		return engine.Plan{
			Ref:   ref,
			Scale: out.Scale,
			Build: func(in engine.Inputs, _ *stage.Sender) (stage.Stage, error) {
				return remotewrite.New(remotewrite.Config{
					Tag:      out.Tag,
					Endpoint: endpoint,
					Interval: out.Interval.Std(),
					MaxBatch: out.MaxBatch,
					Auth:     auth,
					Retry:    retry.DefaultConfig(),
				}, remotewrite.Deps{In: in.Data, Metrics: deps.Metrics, Logger: deps.Logger})
			},
		}, nil

	case OutboundNATS:
		pub, ok := deps.Publishers[out.Tag]
		if !ok {
			return engine.Plan{}, errors.WrapFatal(
				fmt.Errorf("%w: no publisher wired for NATS outbound %s", errors.ErrMissingConfig, out.Tag),
				"config", "outboundPlan", "wire NATS outbound")
		}
		return engine.Plan{
			Ref:   ref,
			Scale: out.Scale,
			Build: func(in engine.Inputs, _ *stage.Sender) (stage.Stage, error) {
				return natspub.New(natspub.Config{
					Tag:     out.Tag,
					Subject: out.Subject,
					Format:  out.Format,
				}, natspub.Deps{In: in.Data, Publisher: pub, Metrics: deps.Metrics, Logger: deps.Logger})
			},
		}, nil

	default:
		return engine.Plan{}, invalid(fmt.Sprintf("outbound %s has unknown kind %q", out.Tag, out.Kind))
	}
}

func resolveAuth(a AuthConfig) (remotewrite.AuthConfig, error) {
	out := remotewrite.AuthConfig{Kind: a.Kind}
	var err error
	if out.Username, err = a.Username.Resolve(); err != nil {
		return out, err
	}
	if out.Password, err = a.Password.Resolve(); err != nil {
		return out, err
	}
	if out.Token, err = a.Token.Resolve(); err != nil {
		return out, err
	}
	return out, nil
}
