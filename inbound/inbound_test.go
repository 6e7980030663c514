package inbound

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/protocol"
	"github.com/DarkHighness/void/record"
	"github.com/DarkHighness/void/source"
	"github.com/DarkHighness/void/stage"
)

// fakeSource replays scripted frames and stops.
type fakeSource struct {
	frames []source.Frame
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Run(ctx context.Context, out chan<- source.Frame) error {
	for _, fr := range f.frames {
		select {
		case out <- fr:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func csvSpec() protocol.Spec {
	return protocol.Spec{
		Tag:       "csv",
		Kind:      protocol.KindDelimited,
		HasHeader: true,
		Fields: []protocol.FieldSpec{
			{Name: "index", Type: record.TypeInt},
			{Name: "value", Type: record.TypeFloat},
		},
	}
}

func TestInboundDecodesAndEmits(t *testing.T) {
	src := &fakeSource{frames: []source.Frame{
		{Session: 1, Data: []byte("index,value")}, // header, consumed
		{Session: 1, Data: []byte("1,0.5")},
		{Session: 1, Data: []byte("2,0.75")},
	}}

	out := make(chan record.Record, 8)
	reg := metric.NewMetricsRegistry()

	in, err := New(Config{Tag: "csv_in", Spec: csvSpec()}, Deps{
		Source:  src,
		Sender:  stage.NewSender(out),
		Metrics: reg.CoreMetrics(),
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, in.Run(context.Background()))
	close(out)

	var got []record.Record
	for r := range out {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	idx, _ := got[0].Field("index")
	assert.Equal(t, int64(1), idx.Int())
	idx, _ = got[1].Field("index")
	assert.Equal(t, int64(2), idx.Int())

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CoreMetrics().RecordsOut.WithLabelValues("csv_in")))
}

func TestInboundCountsDecodeErrorsAndContinues(t *testing.T) {
	src := &fakeSource{frames: []source.Frame{
		{Session: 1, Data: []byte("index,value")},
		{Session: 1, Data: []byte("oops,0.5")},   // type mismatch
		{Session: 1, Data: []byte("1")},          // arity mismatch
		{Session: 1, Data: []byte("2,1.5")},      // fine
	}}

	out := make(chan record.Record, 8)
	reg := metric.NewMetricsRegistry()

	in, err := New(Config{Tag: "csv_in", Spec: csvSpec()}, Deps{
		Source:  src,
		Sender:  stage.NewSender(out),
		Metrics: reg.CoreMetrics(),
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, in.Run(context.Background()))
	close(out)

	var got []record.Record
	for r := range out {
		got = append(got, r)
	}
	require.Len(t, got, 1)

	m := reg.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("csv_in", "type_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("csv_in", "arity_mismatch")))
}

func TestInboundHeaderPerSession(t *testing.T) {
	src := &fakeSource{frames: []source.Frame{
		{Session: 1, Data: []byte("index,value")},
		{Session: 1, Data: []byte("1,0.5")},
		{Session: 2, Data: []byte("index,value")}, // new session, new header
		{Session: 2, Data: []byte("9,9.5")},
	}}

	out := make(chan record.Record, 8)
	in, err := New(Config{Tag: "csv_in", Spec: csvSpec()}, Deps{
		Source: src,
		Sender: stage.NewSender(out),
		Logger: testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, in.Run(context.Background()))
	close(out)

	var got []record.Record
	for r := range out {
		got = append(got, r)
	}
	assert.Len(t, got, 2)
}

func TestInboundCancelledWhileBlocked(t *testing.T) {
	src := &fakeSource{frames: []source.Frame{
		{Session: 1, Data: []byte("index,value")},
		{Session: 1, Data: []byte("1,0.5")},
		{Session: 1, Data: []byte("2,0.5")},
	}}

	// Unbuffered downstream nobody reads: the stage blocks in Send.
	out := make(chan record.Record)
	in, err := New(Config{Tag: "csv_in", Spec: csvSpec()}, Deps{
		Source: src,
		Sender: stage.NewSender(out),
		Logger: testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound did not stop on cancellation")
	}
}

func TestInboundConfigValidation(t *testing.T) {
	_, err := New(Config{Spec: csvSpec()}, Deps{Source: &fakeSource{}, Sender: stage.NewSender(), Logger: testLogger()})
	assert.Error(t, err)

	_, err = New(Config{Tag: "x", Spec: csvSpec()}, Deps{Logger: testLogger()})
	assert.Error(t, err)
}
