package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/DarkHighness/void/errors"
)

// StreamConfig configures a file-like stream source: a regular file read
// once, or a named pipe reopened whenever its writer goes away.
type StreamConfig struct {
	// Path of the file or fifo to read.
	Path string

	// Reopen reopens the path after EOF. Named pipes hit EOF every time
	// their writer closes; reopening keeps the source live for the next
	// writer. Leave false for one-shot files.
	Reopen bool
}

// Validate checks the configuration.
func (c StreamConfig) Validate() error {
	if c.Path == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: stream source needs a path", errors.ErrMissingConfig),
			"StreamConfig", "Validate", "validate stream source")
	}
	return nil
}

// Stream reads newline-framed messages from a local file or named pipe.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStream creates a stream source.
func NewStream(cfg StreamConfig, logger *slog.Logger) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stream{cfg: cfg, logger: logger.With("source", "stream", "path", cfg.Path)}, nil
}

// Name implements Source.
func (s *Stream) Name() string {
	return fmt.Sprintf("stream(%s)", s.cfg.Path)
}

// Run implements Source. Each reopen is a new session.
func (s *Stream) Run(ctx context.Context, out chan<- Frame) error {
	var session uint64
	for {
		session++

		file, err := s.open(ctx)
		if err != nil {
			return err
		}

		err = s.scan(ctx, file, session, out)
		_ = file.Close()
		if err != nil {
			return err
		}

		if !s.cfg.Reopen {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("reopening stream", "session", session+1)
	}
}

// open opens the path without letting a blocking fifo open wedge shutdown.
// Opening a fifo for reading blocks until a writer appears, so the open
// runs in its own goroutine and cancellation abandons it.
func (s *Stream) open(ctx context.Context) (*os.File, error) {
	type result struct {
		file *os.File
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.Open(s.cfg.Path)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.WrapTransient(r.err, "Stream", "open", "open stream source")
		}
		return r.file, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.file != nil {
				_ = r.file.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Stream) scan(ctx context.Context, file *os.File, session uint64, out chan<- Frame) error {
	// Close the file when cancelled so a blocked read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = file.Close()
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if err := emit(ctx, out, Frame{Session: session, Data: data}); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return errors.WrapTransient(err, "Stream", "Run", "read stream source")
	}
	return nil
}
