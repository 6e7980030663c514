// Package remotewrite implements the Prometheus remote-write sink. Records
// batch over an interval; every numeric field becomes a sample on a series
// named after the field, identified by the record's labels. Batches are
// prompb-encoded, snappy-compressed and POSTed with bounded backoff; an
// exhausted batch is dropped and counted, never blocking upstream pipes.
package remotewrite

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/pkg/retry"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/topology"
)

// Auth kinds.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// AuthConfig selects request authentication. Credentials arrive already
// resolved; secret indirection is the config layer's business.
type AuthConfig struct {
	Kind     string
	Username string
	Password string
	Token    string
}

// Validate checks the auth configuration.
func (a AuthConfig) Validate() error {
	switch a.Kind {
	case "", AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return errors.WrapFatal(
				fmt.Errorf("%w: basic auth needs a username", errors.ErrMissingConfig),
				"AuthConfig", "Validate", "validate remote write auth")
		}
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.WrapFatal(
				fmt.Errorf("%w: bearer auth needs a token", errors.ErrMissingConfig),
				"AuthConfig", "Validate", "validate remote write auth")
		}
		return nil
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown auth kind %q", errors.ErrInvalidConfig, a.Kind),
			"AuthConfig", "Validate", "validate remote write auth")
	}
}

// Config configures a remote-write sink.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// Endpoint is the remote-write base URL; the push goes to
	// {Endpoint}/api/v1/write.
	Endpoint string

	// Interval is the batching window. Default 10s.
	Interval time.Duration

	// MaxBatch caps records per push. Default 10000.
	MaxBatch int

	// Auth selects request authentication.
	Auth AuthConfig

	// Retry bounds push attempts per batch.
	Retry retry.Config
}

// DefaultConfig returns a remote-write config with defaults applied.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		MaxBatch: 10000,
		Retry:    retry.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: remote write sink needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate remote write sink")
	}
	if c.Endpoint == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: remote write sink %s needs an endpoint", errors.ErrMissingConfig, c.Tag),
			"Config", "Validate", "validate remote write sink")
	}
	return c.Auth.Validate()
}

// Deps carries the collaborators a remote-write sink needs. A nil Client
// gets a default with a request timeout.
type Deps struct {
	In      <-chan record.Record
	Client  *http.Client
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Sink pushes batches to a remote-write endpoint.
type Sink struct {
	cfg     Config
	in      <-chan record.Record
	client  *http.Client
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a remote-write sink.
func New(cfg Config, deps Deps) (*Sink, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.In == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: remote write sink %s needs an input", errors.ErrMissingConfig, cfg.Tag),
			"Sink", "New", "wire remote write sink")
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sink{
		cfg:     cfg,
		in:      deps.In,
		client:  client,
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
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var batch []record.Record

	for {
		select {
		case rec, ok := <-s.in:
			if !ok {
				s.push(ctx, batch)
				return nil
			}
			if s.metrics != nil {
				s.metrics.RecordsIn.WithLabelValues(s.cfg.Tag).Inc()
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.MaxBatch {
				s.push(ctx, batch)
				batch = nil
			}

		case <-ticker.C:
			s.push(ctx, batch)
			batch = nil

		case <-ctx.Done():
			s.push(context.Background(), batch)
			return nil
		}
	}
}

// push delivers one batch with bounded backoff, dropping it on exhaustion.
func (s *Sink) push(ctx context.Context, batch []record.Record) {
	if len(batch) == 0 {
		return
	}

	payload, series := encode(batch)
	if series == 0 {
		return
	}

	started := time.Now()
	attempt := 0
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.SinkRetries.WithLabelValues(s.cfg.Tag).Inc()
		}
		return s.send(ctx, payload)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "retry_exhausted").
				Add(float64(len(batch)))
		}
		s.logger.Error("batch dropped after retries",
			"records", len(batch), "series", series, "error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.SinkFlushes.WithLabelValues(s.cfg.Tag).Inc()
		s.metrics.RecordsOut.WithLabelValues(s.cfg.Tag).Add(float64(len(batch)))
		s.metrics.FlushDuration.WithLabelValues(s.cfg.Tag).Observe(time.Since(started).Seconds())
	}
}

// encode turns a batch into a compressed prompb write request. Each numeric
// field of a record becomes a sample on the series `__name__=<field>` plus
// the record's labels; records sharing a series merge, samples sorted by
// timestamp, series sorted by label identity.
func encode(batch []record.Record) ([]byte, int) {
	bySeries := make(map[string]*prompb.TimeSeries)
	var keys []string

	for _, rec := range batch {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		for _, name := range rec.FieldNames() {
			v, _ := rec.Field(name)
			sample, ok := v.AsFloat()
			if !ok {
				continue
			}

			labels := rec.Labels.Clone().Set("__name__", name).Sorted()
			key := labels.Fingerprint()

			series, exists := bySeries[key]
			if !exists {
				series = &prompb.TimeSeries{Labels: make([]prompb.Label, 0, len(labels))}
				for _, l := range labels {
					series.Labels = append(series.Labels, prompb.Label{Name: l.Name, Value: l.Value})
				}
				bySeries[key] = series
				keys = append(keys, key)
			}
			series.Samples = append(series.Samples, prompb.Sample{
				Value:     sample,
				Timestamp: ts.UnixMilli(),
			})
		}
	}

	if len(keys) == 0 {
		return nil, 0
	}

	sort.Strings(keys)
	req := prompb.WriteRequest{Timeseries: make([]prompb.TimeSeries, 0, len(keys))}
	for _, key := range keys {
		series := bySeries[key]
		sort.Slice(series.Samples, func(i, j int) bool {
			return series.Samples[i].Timestamp < series.Samples[j].Timestamp
		})
		req.Timeseries = append(req.Timeseries, *series)
	}

	data, err := req.Marshal()
	if err != nil {
		// prompb marshalling of plain scalars cannot fail
		return nil, 0
	}
	return snappy.Encode(nil, data), len(keys)
}

// send performs one authenticated POST.
func (s *Sink) send(ctx context.Context, payload []byte) error {
	url := s.cfg.Endpoint + "/api/v1/write"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.NonRetryable(
			errors.WrapFatal(err, "Sink", "send", "build push request"))
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	switch s.cfg.Auth.Kind {
	case AuthBasic:
		req.SetBasicAuth(s.cfg.Auth.Username, s.cfg.Auth.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.Auth.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "send", "push batch")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		pushErr := errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrPushRejected, resp.StatusCode),
			"Sink", "send", "push batch")
		// Client errors will not heal with a retry, except throttling.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.NonRetryable(pushErr)
		}
		return pushErr
	}
	return nil
}
