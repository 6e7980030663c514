package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DarkHighness/void/inbound"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/outbound/console"
	"github.com/DarkHighness/void/pipe/annotate"
	"github.com/DarkHighness/void/pipe/timeseries"
	"github.com/DarkHighness/void/protocol"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/source"
	"github.com/DarkHighness/void/stage"
	"github.com/DarkHighness/void/topology"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer guards the console output against the flush goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func csvSpec() protocol.Spec {
	return protocol.Spec{
		Tag:  "metrics_csv",
		Kind: protocol.KindDelimited,
		Fields: []protocol.FieldSpec{
			{Name: "timestamp", Type: record.TypeDateTime, Role: protocol.RoleTimestamp},
			{Name: "value", Type: record.TypeFloat},
		},
	}
}

func inboundPlan(t *testing.T, tag, path string, spec protocol.Spec) Plan {
	t.Helper()
	return Plan{
		Ref: topology.Ref{Kind: topology.KindInbound, Tag: tag},
		Build: func(_ Inputs, send *stage.Sender) (stage.Stage, error) {
			src, err := source.NewStream(source.StreamConfig{Path: path}, testLogger())
			require.NoError(t, err)
			return inbound.New(inbound.Config{Tag: tag, Spec: spec},
				inbound.Deps{Source: src, Sender: send, Logger: testLogger()})
		},
	}
}

func consolePlan(tag string, out io.Writer) Plan {
	return Plan{
		Ref: topology.Ref{Kind: topology.KindOutbound, Tag: tag},
		Build: func(in Inputs, _ *stage.Sender) (stage.Stage, error) {
			return console.New(console.Config{Tag: tag, FlushInterval: 5 * time.Millisecond},
				console.Deps{In: in.Data, Writer: out, Logger: testLogger()})
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	path := writeFile(t, "in.csv",
		"1736937000,1.0\n1736937001,2.0\n1736937002,3.0\n")

	graph, err := topology.Build([]topology.Declaration{
		{Tag: "csv", Kind: topology.KindInbound},
		{Tag: "project", Kind: topology.KindPipe,
			Upstreams: []topology.Ref{{Kind: topology.KindInbound, Tag: "csv"}}},
		{Tag: "console", Kind: topology.KindOutbound,
			Upstreams: []topology.Ref{{Kind: topology.KindPipe, Tag: "project"}}},
	})
	require.NoError(t, err)

	out := &syncBuffer{}
	reg := metric.NewMetricsRegistry()
	eng, err := New(Config{}, Deps{Graph: graph, Metrics: reg.CoreMetrics(), Logger: testLogger()})
	require.NoError(t, err)

	plans := []Plan{
		inboundPlan(t, "csv", path, csvSpec()),
		{
			Ref: topology.Ref{Kind: topology.KindPipe, Tag: "project"},
			Build: func(in Inputs, send *stage.Sender) (stage.Stage, error) {
				return timeseries.New(timeseries.Config{
					Tag:         "project",
					ExtraLabels: map[string]string{"job": "void"},
				}, timeseries.Deps{In: in.Data, Sender: send, Logger: testLogger()})
			},
		},
		consolePlan("console", out),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx, plans))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2025-01-15T10:30:00Z {job=void} value=1", lines[0])
	assert.Equal(t, "2025-01-15T10:30:01Z {job=void} value=2", lines[1])
	assert.Equal(t, "2025-01-15T10:30:02Z {job=void} value=3", lines[2])
}

func TestPipelineControlAnnotation(t *testing.T) {
	// Control inbound sets a label, the annotate pipe waits for it before
	// touching data. Start the data file after a short delay so the
	// control command lands first.
	ctrlPath := writeFile(t, "ctrl.csv", "set,role,gpu0\n")
	dataPath := writeFile(t, "data.csv", "1736937000,1.5\n")

	ctrlSpec := protocol.Spec{
		Tag:  "ctrl",
		Kind: protocol.KindDelimited,
		Fields: []protocol.FieldSpec{
			{Name: "action", Type: record.TypeString},
			{Name: "name", Type: record.TypeString},
			{Name: "value", Type: record.TypeString, Optional: true},
		},
	}

	graph, err := topology.Build([]topology.Declaration{
		{Tag: "data", Kind: topology.KindInbound},
		{Tag: "ctrl", Kind: topology.KindInbound},
		{Tag: "project", Kind: topology.KindPipe,
			Upstreams: []topology.Ref{{Kind: topology.KindInbound, Tag: "data"}}},
		{Tag: "annotate", Kind: topology.KindPipe,
			Upstreams: []topology.Ref{
				{Kind: topology.KindPipe, Tag: "project"},
				{Kind: topology.KindInbound, Tag: "ctrl"},
			}},
		{Tag: "console", Kind: topology.KindOutbound,
			Upstreams: []topology.Ref{{Kind: topology.KindPipe, Tag: "annotate"}}},
	})
	require.NoError(t, err)

	out := &syncBuffer{}
	eng, err := New(Config{}, Deps{Graph: graph, Logger: testLogger()})
	require.NoError(t, err)

	dataSpec := csvSpec()
	var once sync.Once
	plans := []Plan{
		{
			Ref: topology.Ref{Kind: topology.KindInbound, Tag: "data"},
			Build: func(_ Inputs, send *stage.Sender) (stage.Stage, error) {
				src, err := source.NewStream(source.StreamConfig{Path: dataPath}, testLogger())
				require.NoError(t, err)
				return inbound.New(inbound.Config{Tag: "data", Spec: dataSpec},
					inbound.Deps{Source: delayedSource{src, &once}, Sender: send, Logger: testLogger()})
			},
		},
		inboundPlan(t, "ctrl", ctrlPath, ctrlSpec),
		{
			Ref: topology.Ref{Kind: topology.KindPipe, Tag: "project"},
			Build: func(in Inputs, send *stage.Sender) (stage.Stage, error) {
				return timeseries.New(timeseries.Config{Tag: "project"},
					timeseries.Deps{In: in.Data, Sender: send, Logger: testLogger()})
			},
		},
		{
			Ref:         topology.Ref{Kind: topology.KindPipe, Tag: "annotate"},
			ControlFrom: []topology.Ref{{Kind: topology.KindInbound, Tag: "ctrl"}},
			Build: func(in Inputs, send *stage.Sender) (stage.Stage, error) {
				return annotate.New(annotate.Config{Tag: "annotate"},
					annotate.Deps{Data: in.Data, Control: in.Control, Sender: send, Logger: testLogger()})
			},
		},
		consolePlan("console", out),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx, plans))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "2025-01-15T10:30:00Z {role=gpu0} value=1.5", lines[0])
}

// delayedSource holds back its first frame long enough for a parallel
// control path to win the race.
type delayedSource struct {
	inner source.Source
	once  *sync.Once
}

func (d delayedSource) Name() string { return d.inner.Name() }

func (d delayedSource) Run(ctx context.Context, out chan<- source.Frame) error {
	d.once.Do(func() { time.Sleep(100 * time.Millisecond) })
	return d.inner.Run(ctx, out)
}

func TestRunFailsWhenPlanMissing(t *testing.T) {
	graph, err := topology.Build([]topology.Declaration{
		{Tag: "csv", Kind: topology.KindInbound},
	})
	require.NoError(t, err)

	eng, err := New(Config{}, Deps{Graph: graph, Logger: testLogger()})
	require.NoError(t, err)

	err = eng.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancellation(t *testing.T) {
	fifoless := writeFile(t, "in.csv", "1736937000,1.0\n")

	graph, err := topology.Build([]topology.Declaration{
		{Tag: "csv", Kind: topology.KindInbound},
		{Tag: "console", Kind: topology.KindOutbound,
			Upstreams: []topology.Ref{{Kind: topology.KindInbound, Tag: "csv"}}},
	})
	require.NoError(t, err)

	eng, err := New(Config{GracePeriod: time.Second}, Deps{Graph: graph, Logger: testLogger()})
	require.NoError(t, err)

	// Reopen keeps the inbound alive forever; cancellation is the only
	// way out.
	plans := []Plan{
		{
			Ref: topology.Ref{Kind: topology.KindInbound, Tag: "csv"},
			Build: func(_ Inputs, send *stage.Sender) (stage.Stage, error) {
				src, err := source.NewStream(source.StreamConfig{Path: fifoless, Reopen: true}, testLogger())
				require.NoError(t, err)
				return inbound.New(inbound.Config{Tag: "csv", Spec: csvSpec()},
					inbound.Deps{Source: src, Sender: send, Logger: testLogger()})
			},
		},
		consolePlan("console", io.Discard),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, plans) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}
