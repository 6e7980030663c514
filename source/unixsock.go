package source

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/DarkHighness/void/errors"
)

// UnixSocketConfig configures a unix domain socket listener source.
type UnixSocketConfig struct {
	// Path of the socket. A stale socket file from a previous run is
	// removed before binding.
	Path string
}

// Validate checks the configuration.
func (c UnixSocketConfig) Validate() error {
	if c.Path == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: unix socket source needs a path", errors.ErrMissingConfig),
			"UnixSocketConfig", "Validate", "validate unix socket source")
	}
	return nil
}

// UnixSocket accepts local connections and reads newline-framed messages
// from each. Every connection is its own session.
type UnixSocket struct {
	cfg     UnixSocketConfig
	logger  *slog.Logger
	session atomic.Uint64
}

// NewUnixSocket creates a unix socket source.
func NewUnixSocket(cfg UnixSocketConfig, logger *slog.Logger) (*UnixSocket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &UnixSocket{cfg: cfg, logger: logger.With("source", "unix", "path", cfg.Path)}, nil
}

// Name implements Source.
func (s *UnixSocket) Name() string {
	return fmt.Sprintf("unix(%s)", s.cfg.Path)
}

// Run implements Source.
func (s *UnixSocket) Run(ctx context.Context, out chan<- Frame) error {
	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		return errors.WrapFatal(err, "UnixSocket", "Run", "remove stale socket")
	}

	listener, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return errors.WrapFatal(err, "UnixSocket", "Run", "bind unix socket")
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.cfg.Path)
	}()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WrapTransient(err, "UnixSocket", "Run", "accept connection")
		}

		session := s.session.Add(1)
		s.logger.Debug("connection accepted", "session", session)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn, session, out)
		}()
	}
}

func (s *UnixSocket) serve(ctx context.Context, conn net.Conn, session uint64, out chan<- Frame) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if err := emit(ctx, out, Frame{Session: session, Data: data}); err != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("connection read failed", "session", session, "error", err)
	}
}
