// Package config loads the declarative pipeline description: protocols,
// inbounds, pipes and outbounds in YAML, with env/file secret indirection
// and duration parsing. The rest of the process only ever sees resolved
// structs; nothing outside this package reads configuration text.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/protocol"
	"github.com/DarkHighness/void/record"
)

// Stage kind discriminators.
const (
	InboundStream     = "stream"
	InboundUnixSocket = "unix_socket"
	InboundWebSocket  = "websocket"

	PipeTimeseries = "timeseries"
	PipeAnnotate   = "annotate"

	OutboundConsole     = "console"
	OutboundParquet     = "parquet"
	OutboundRemoteWrite = "remote_write"
	OutboundNATS        = "nats"
)

// Config is the full pipeline declaration.
type Config struct {
	Global    GlobalConfig     `yaml:"global"`
	Protocols []ProtocolConfig `yaml:"protocols"`
	Inbounds  []InboundConfig  `yaml:"inbounds"`
	Pipes     []PipeConfig     `yaml:"pipes"`
	Outbounds []OutboundConfig `yaml:"outbounds"`
}

// GlobalConfig carries process-wide settings.
type GlobalConfig struct {
	// ChannelCapacity is the base stage channel capacity. Default 128.
	ChannelCapacity int `yaml:"channel_capacity"`

	// GracePeriod bounds shutdown draining. Default 5s.
	GracePeriod Duration `yaml:"grace_period"`

	// MetricsAddr enables the /metrics + /healthz listener when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProtocolConfig declares one wire protocol.
type ProtocolConfig struct {
	Tag       string          `yaml:"tag"`
	Kind      string          `yaml:"kind"`
	Delimiter string          `yaml:"delimiter"`
	HasHeader bool            `yaml:"has_header"`
	SplitPath bool            `yaml:"split_path"`
	Fields    []ProtocolField `yaml:"fields"`
}

// ProtocolField declares one delimited-text column.
type ProtocolField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Role     string `yaml:"role"`
	Optional bool   `yaml:"optional"`
}

// InboundConfig declares one ingest stage.
type InboundConfig struct {
	Tag      string `yaml:"tag"`
	Kind     string `yaml:"kind"`
	Protocol string `yaml:"protocol"`
	Disabled bool   `yaml:"disabled"`

	// stream and unix_socket
	Path   string `yaml:"path"`
	Reopen bool   `yaml:"reopen"`

	// websocket
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`

	FrameBuffer int `yaml:"frame_buffer"`
}

// PipeConfig declares one transform stage.
type PipeConfig struct {
	Tag      string `yaml:"tag"`
	Kind     string `yaml:"kind"`
	Disabled bool   `yaml:"disabled"`

	// timeseries
	Inbounds       []string          `yaml:"inbounds"`
	ExtraLabels    map[string]string `yaml:"extra_labels"`
	LabelFields    []string          `yaml:"label_fields"`
	TimestampField string            `yaml:"timestamp_field"`

	// annotate
	Data    []string `yaml:"data"`
	Control []string `yaml:"control"`
}

// ColumnConfig declares one parquet field column.
type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// AuthConfig declares remote-write authentication.
type AuthConfig struct {
	Kind     string `yaml:"kind"`
	Username Secret `yaml:"username"`
	Password Secret `yaml:"password"`
	Token    Secret `yaml:"token"`
}

// OutboundConfig declares one sink stage.
type OutboundConfig struct {
	Tag      string   `yaml:"tag"`
	Kind     string   `yaml:"kind"`
	Disabled bool     `yaml:"disabled"`
	Inbounds []string `yaml:"inbounds"`

	// Scale multiplies the base input channel capacity for this sink.
	Scale int `yaml:"scale"`

	// console
	BufferSize    int      `yaml:"buffer_size"`
	FlushInterval Duration `yaml:"flush_interval"`

	// parquet
	Path         string         `yaml:"path"`
	Labels       []string       `yaml:"labels"`
	Fields       []ColumnConfig `yaml:"fields"`
	RowGroupSize int            `yaml:"row_group_size"`
	MaxBacklog   int            `yaml:"max_backlog"`

	// remote_write
	Endpoint Secret     `yaml:"endpoint"`
	Interval Duration   `yaml:"interval"`
	MaxBatch int        `yaml:"max_batch"`
	Auth     AuthConfig `yaml:"auth"`

	// nats
	URL     Secret `yaml:"url"`
	Subject string `yaml:"subject"`
	Format  string `yaml:"format"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "open config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "decode config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structure and cross-references. Topology resolution
// (unresolved refs, cycles) happens later in topology.Build.
func (c *Config) Validate() error {
	if len(c.Inbounds) == 0 {
		return invalid("at least one inbound is required")
	}
	if len(c.Outbounds) == 0 {
		return invalid("at least one outbound is required")
	}

	protocols := make(map[string]bool, len(c.Protocols))
	for _, p := range c.Protocols {
		if p.Tag == "" {
			return invalid("protocol without a tag")
		}
		if protocols[p.Tag] {
			return invalid(fmt.Sprintf("protocol %s declared twice", p.Tag))
		}
		protocols[p.Tag] = true
		if _, err := p.Spec(); err != nil {
			return err
		}
	}

	for _, in := range c.Inbounds {
		if err := in.validate(protocols); err != nil {
			return err
		}
	}
	for _, p := range c.Pipes {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, out := range c.Outbounds {
		if err := out.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Spec converts the declaration into a bound protocol spec.
func (p ProtocolConfig) Spec() (protocol.Spec, error) {
	kind, err := protocol.ParseKind(p.Kind)
	if err != nil {
		return protocol.Spec{}, err
	}

	spec := protocol.Spec{
		Tag:       p.Tag,
		Kind:      kind,
		Delimiter: p.Delimiter,
		HasHeader: p.HasHeader,
		SplitPath: p.SplitPath,
	}
	for _, f := range p.Fields {
		typ, err := record.ParseDataType(f.Type)
		if err != nil {
			return protocol.Spec{}, errors.WrapFatal(
				fmt.Errorf("%w: protocol %s field %s: unknown type %q",
					errors.ErrInvalidConfig, p.Tag, f.Name, f.Type),
				"config", "Spec", "parse field type")
		}
		role, err := parseRole(f.Role)
		if err != nil {
			return protocol.Spec{}, errors.WrapFatal(
				fmt.Errorf("%w: protocol %s field %s: unknown role %q",
					errors.ErrInvalidConfig, p.Tag, f.Name, f.Role),
				"config", "Spec", "parse field role")
		}
		spec.Fields = append(spec.Fields, protocol.FieldSpec{
			Name:     f.Name,
			Type:     typ,
			Optional: f.Optional,
			Role:     role,
		})
	}

	if err := spec.Validate(); err != nil {
		return protocol.Spec{}, err
	}
	return spec, nil
}

func parseRole(s string) (protocol.Role, error) {
	switch strings.ToLower(s) {
	case "", "field":
		return protocol.RoleField, nil
	case "label":
		return protocol.RoleLabel, nil
	case "timestamp":
		return protocol.RoleTimestamp, nil
	default:
		return protocol.RoleField, fmt.Errorf("unknown role %q", s)
	}
}

func (in InboundConfig) validate(protocols map[string]bool) error {
	if in.Tag == "" {
		return invalid("inbound without a tag")
	}
	if !protocols[in.Protocol] {
		return invalid(fmt.Sprintf("inbound %s references unknown protocol %q", in.Tag, in.Protocol))
	}
	switch in.Kind {
	case InboundStream, InboundUnixSocket:
		if in.Path == "" {
			return invalid(fmt.Sprintf("inbound %s needs a path", in.Tag))
		}
	case InboundWebSocket:
		if in.Addr == "" {
			return invalid(fmt.Sprintf("inbound %s needs an addr", in.Tag))
		}
	default:
		return invalid(fmt.Sprintf("inbound %s has unknown kind %q", in.Tag, in.Kind))
	}
	return nil
}

func (p PipeConfig) validate() error {
	if p.Tag == "" {
		return invalid("pipe without a tag")
	}
	switch p.Kind {
	case PipeTimeseries:
		if len(p.Inbounds) == 0 {
			return invalid(fmt.Sprintf("pipe %s needs at least one inbound", p.Tag))
		}
	case PipeAnnotate:
		if len(p.Data) == 0 {
			return invalid(fmt.Sprintf("pipe %s needs at least one data upstream", p.Tag))
		}
		if len(p.Control) == 0 {
			return invalid(fmt.Sprintf("pipe %s needs at least one control upstream", p.Tag))
		}
	default:
		return invalid(fmt.Sprintf("pipe %s has unknown kind %q", p.Tag, p.Kind))
	}
	return nil
}

func (out OutboundConfig) validate() error {
	if out.Tag == "" {
		return invalid("outbound without a tag")
	}
	if len(out.Inbounds) == 0 {
		return invalid(fmt.Sprintf("outbound %s needs at least one inbound", out.Tag))
	}
	switch out.Kind {
	case OutboundConsole:
	case OutboundParquet:
		if out.Path == "" {
			return invalid(fmt.Sprintf("outbound %s needs a path", out.Tag))
		}
		if len(out.Fields) == 0 {
			return invalid(fmt.Sprintf("outbound %s declares no field columns", out.Tag))
		}
	case OutboundRemoteWrite:
		if out.Endpoint.IsZero() {
			return invalid(fmt.Sprintf("outbound %s needs an endpoint", out.Tag))
		}
	case OutboundNATS:
		if out.URL.IsZero() || out.Subject == "" {
			return invalid(fmt.Sprintf("outbound %s needs a url and a subject", out.Tag))
		}
	default:
		return invalid(fmt.Sprintf("outbound %s has unknown kind %q", out.Tag, out.Kind))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
		"config", "Validate", "validate configuration")
}
