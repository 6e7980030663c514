// Package parquet implements the columnar file sink. Records accumulate
// into row groups keyed by a resolved path template; the file rotates when
// the template resolves to a new path. Flush failures retry a bounded
// number of times, then the batch is dropped and counted. A backlog cap
// keeps memory bounded when the destination is unavailable.
package parquet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/DarkHighness/void/errors"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/pkg/buffer"
	"github.com/DarkHighness/void/pkg/retry"
	"github.com/DarkHighness/void/pkg/template"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/topology"
)

// TimestampColumn is the name of the record-timestamp column (unix millis).
const TimestampColumn = "timestamp"

// Field declares one typed field column.
type Field struct {
	Name string
	Type record.DataType
}

// Config configures a parquet sink.
type Config struct {
	// Tag names the stage in the topology.
	Tag string

	// PathTemplate is the output path, expanded per flush (supports
	// {{hostname}}, {{date}}, {{env:VAR}}, ...). A change in the
	// resolved path rotates to a new file.
	PathTemplate string

	// Labels are the label columns, written as optional strings.
	Labels []string

	// Fields are the typed field columns.
	Fields []Field

	// RowGroupSize is the row count that triggers a flush. Default 1000.
	RowGroupSize int

	// FlushInterval flushes a partial row group periodically. Default 5s.
	FlushInterval time.Duration

	// MaxBacklog bounds how many unflushed batches may queue while the
	// destination misbehaves; the oldest batch is dropped beyond it.
	// Default 8.
	MaxBacklog int

	// Retry bounds flush attempts per batch.
	Retry retry.Config
}

// DefaultConfig returns a parquet config with defaults applied.
func DefaultConfig() Config {
	return Config{
		RowGroupSize:  1000,
		FlushInterval: 5 * time.Second,
		MaxBacklog:    8,
		Retry:         retry.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tag == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: parquet sink needs a tag", errors.ErrMissingConfig),
			"Config", "Validate", "validate parquet sink")
	}
	if c.PathTemplate == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: parquet sink %s needs a path template", errors.ErrMissingConfig, c.Tag),
			"Config", "Validate", "validate parquet sink")
	}
	if len(c.Fields) == 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: parquet sink %s declares no field columns", errors.ErrInvalidConfig, c.Tag),
			"Config", "Validate", "validate parquet sink")
	}
	for _, f := range c.Fields {
		if f.Name == TimestampColumn {
			return errors.WrapFatal(
				fmt.Errorf("%w: parquet sink %s field %q collides with the timestamp column",
					errors.ErrInvalidConfig, c.Tag, f.Name),
				"Config", "Validate", "validate parquet sink")
		}
	}
	return nil
}

// Deps carries the collaborators a parquet sink needs.
type Deps struct {
	In      <-chan record.Record
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Sink writes records into parquet files.
type Sink struct {
	cfg     Config
	in      <-chan record.Record
	metrics *metric.Metrics
	logger  *slog.Logger

	schema *parquet.Schema

	// current output file
	path   string
	file   *os.File
	writer *parquet.GenericWriter[map[string]any]
}

// New creates a parquet sink.
func New(cfg Config, deps Deps) (*Sink, error) {
	def := DefaultConfig()
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = def.RowGroupSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = def.MaxBacklog
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.In == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: parquet sink %s needs an input", errors.ErrMissingConfig, cfg.Tag),
			"Sink", "New", "wire parquet sink")
	}

	return &Sink{
		cfg:     cfg,
		in:      deps.In,
		metrics: deps.Metrics,
		logger:  deps.Logger.With("stage", cfg.Tag),
		schema:  buildSchema(cfg),
	}, nil
}

// buildSchema derives the parquet schema from the declared record shape:
// a required timestamp column, optional string label columns, and typed
// field columns.
func buildSchema(cfg Config) *parquet.Schema {
	group := parquet.Group{
		TimestampColumn: parquet.Timestamp(parquet.Millisecond),
	}
	for _, name := range cfg.Labels {
		group[name] = parquet.Optional(parquet.String())
	}
	for _, f := range cfg.Fields {
		group[f.Name] = parquet.Optional(columnNode(f.Type))
	}
	return parquet.NewSchema("record", group)
}

func columnNode(t record.DataType) parquet.Node {
	switch t {
	case record.TypeInt:
		return parquet.Int(64)
	case record.TypeFloat:
		return parquet.Leaf(parquet.DoubleType)
	case record.TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	case record.TypeDateTime:
		return parquet.Timestamp(parquet.Millisecond)
	default:
		return parquet.String()
	}
}

// Ref implements stage.Stage.
func (s *Sink) Ref() topology.Ref {
	return topology.Ref{Kind: topology.KindOutbound, Tag: s.cfg.Tag}
}

// Run implements stage.Stage.
func (s *Sink) Run(ctx context.Context) error {
	backlog := buffer.NewCircularBuffer(s.cfg.MaxBacklog,
		buffer.WithOverflowPolicy[[]map[string]any](buffer.DropOldest),
		buffer.WithDropCallback(func(batch []map[string]any) {
			if s.metrics != nil {
				s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "backlog_full").
					Add(float64(len(batch)))
			}
			s.logger.Warn("backlog full, oldest batch dropped", "rows", len(batch))
		}),
	)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var rows []map[string]any

	enqueue := func() {
		if len(rows) == 0 {
			return
		}
		_ = backlog.Write(rows)
		rows = nil
	}

	finish := func() {
		enqueue()
		s.drain(ctx, backlog)
		s.closeFile()
	}

	for {
		select {
		case rec, ok := <-s.in:
			if !ok {
				finish()
				return nil
			}
			if s.metrics != nil {
				s.metrics.RecordsIn.WithLabelValues(s.cfg.Tag).Inc()
			}
			rows = append(rows, s.row(rec))
			if len(rows) >= s.cfg.RowGroupSize {
				enqueue()
				s.drain(ctx, backlog)
			}

		case <-ticker.C:
			enqueue()
			s.drain(ctx, backlog)

		case <-ctx.Done():
			finish()
			return nil
		}
	}
}

// row projects a record onto the declared columns. Undeclared labels and
// fields are ignored; missing declared ones become nulls.
func (s *Sink) row(rec record.Record) map[string]any {
	row := make(map[string]any, 1+len(s.cfg.Labels)+len(s.cfg.Fields))
	row[TimestampColumn] = rec.Timestamp.UnixMilli()

	for _, name := range s.cfg.Labels {
		if v, ok := rec.Labels.Get(name); ok {
			row[name] = v
		}
	}
	for _, f := range s.cfg.Fields {
		v, ok := rec.Field(f.Name)
		if !ok {
			continue
		}
		switch f.Type {
		case record.TypeInt:
			row[f.Name] = v.Int()
		case record.TypeFloat:
			row[f.Name] = v.Float()
		case record.TypeBool:
			row[f.Name] = v.Bool()
		case record.TypeDateTime:
			row[f.Name] = v.Time().UnixMilli()
		default:
			row[f.Name] = v.String()
		}
	}
	return row
}

// drain flushes queued batches. A batch that exhausts its retries is
// dropped and counted; later batches are still attempted.
func (s *Sink) drain(ctx context.Context, backlog buffer.Buffer[[]map[string]any]) {
	for {
		batch, ok := backlog.Read()
		if !ok {
			return
		}

		started := time.Now()
		attempt := 0
		err := retry.Do(ctx, s.cfg.Retry, func() error {
			attempt++
			if attempt > 1 && s.metrics != nil {
				s.metrics.SinkRetries.WithLabelValues(s.cfg.Tag).Inc()
			}
			return s.writeBatch(batch)
		})
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordsDropped.WithLabelValues(s.cfg.Tag, "retry_exhausted").
					Add(float64(len(batch)))
			}
			s.logger.Error("row group dropped after retries", "rows", len(batch), "error", err)
			continue
		}

		if s.metrics != nil {
			s.metrics.SinkFlushes.WithLabelValues(s.cfg.Tag).Inc()
			s.metrics.RecordsOut.WithLabelValues(s.cfg.Tag).Add(float64(len(batch)))
			s.metrics.FlushDuration.WithLabelValues(s.cfg.Tag).Observe(time.Since(started).Seconds())
		}
	}
}

// writeBatch writes one row group, rotating the file first if the path
// template resolves differently.
func (s *Sink) writeBatch(batch []map[string]any) error {
	path, err := template.Expand(s.cfg.PathTemplate)
	if err != nil {
		return retry.NonRetryable(
			errors.WrapFatal(err, "Sink", "writeBatch", "resolve path template"))
	}

	if err := s.ensureFile(path); err != nil {
		return err
	}

	if _, err := s.writer.Write(batch); err != nil {
		return errors.WrapTransient(err, "Sink", "writeBatch", "write row group")
	}
	if err := s.writer.Flush(); err != nil {
		return errors.WrapTransient(err, "Sink", "writeBatch", "flush row group")
	}
	return nil
}

func (s *Sink) ensureFile(path string) error {
	if s.writer != nil && path == s.path {
		return nil
	}
	s.closeFile()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapTransient(err, "Sink", "ensureFile", "create output directory")
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "ensureFile", "create output file")
	}

	s.path = path
	s.file = file
	s.writer = parquet.NewGenericWriter[map[string]any](file, s.schema,
		parquet.Compression(&parquet.Snappy))
	s.logger.Info("writing parquet file", "path", path)
	return nil
}

// closeFile finalizes the footer of the current file.
func (s *Sink) closeFile() {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			s.logger.Error("close parquet writer failed", "path", s.path, "error", err)
		}
		s.writer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Error("close parquet file failed", "path", s.path, "error", err)
		}
		s.file = nil
	}
	s.path = ""
}
