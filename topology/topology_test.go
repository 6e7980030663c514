package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DarkHighness/void/errors"
)

func inboundDecl(tag string) Declaration {
	return Declaration{Tag: tag, Kind: KindInbound}
}

func pipeDecl(tag string, ups ...Ref) Declaration {
	return Declaration{Tag: tag, Kind: KindPipe, Upstreams: ups}
}

func outboundDecl(tag string, ups ...Ref) Declaration {
	return Declaration{Tag: tag, Kind: KindOutbound, Upstreams: ups}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("inbound:csv_in")
	require.NoError(t, err)
	assert.Equal(t, Ref{Kind: KindInbound, Tag: "csv_in"}, ref)

	ref, err = ParseRef("pipe:timeseries")
	require.NoError(t, err)
	assert.Equal(t, Ref{Kind: KindPipe, Tag: "timeseries"}, ref)

	_, err = ParseRef("outbound:console")
	assert.Error(t, err)

	_, err = ParseRef("csv_in")
	assert.Error(t, err)

	_, err = ParseRef("inbound:")
	assert.Error(t, err)
}

func TestBuildValidTopology(t *testing.T) {
	g, err := Build([]Declaration{
		outboundDecl("console", Ref{KindPipe, "ts"}),
		pipeDecl("ts", Ref{KindInbound, "csv_in"}),
		inboundDecl("csv_in"),
	})
	require.NoError(t, err)

	require.Len(t, g.Order, 3)
	assert.Equal(t, Ref{KindInbound, "csv_in"}, g.Order[0])
	assert.Equal(t, Ref{KindPipe, "ts"}, g.Order[1])
	assert.Equal(t, Ref{KindOutbound, "console"}, g.Order[2])

	n, ok := g.Node(Ref{KindPipe, "ts"})
	require.True(t, ok)
	assert.Equal(t, []Ref{{KindInbound, "csv_in"}}, n.Upstreams)
	assert.Equal(t, []Ref{{KindOutbound, "console"}}, n.Consumers)
}

func TestBuildDeterministicOrder(t *testing.T) {
	decls := []Declaration{
		inboundDecl("b_in"),
		inboundDecl("a_in"),
		outboundDecl("sink", Ref{KindInbound, "a_in"}, Ref{KindInbound, "b_in"}),
	}
	g1, err := Build(decls)
	require.NoError(t, err)
	g2, err := Build(decls)
	require.NoError(t, err)

	assert.Equal(t, g1.Order, g2.Order)
	assert.Equal(t, Ref{KindInbound, "a_in"}, g1.Order[0])
	assert.Equal(t, Ref{KindInbound, "b_in"}, g1.Order[1])
}

func TestBuildDuplicateTagFatal(t *testing.T) {
	_, err := Build([]Declaration{
		inboundDecl("csv_in"),
		inboundDecl("csv_in"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateTag)
}

func TestSameTagAcrossKindsAllowed(t *testing.T) {
	g, err := Build([]Declaration{
		inboundDecl("metrics"),
		pipeDecl("metrics", Ref{KindInbound, "metrics"}),
		outboundDecl("console", Ref{KindPipe, "metrics"}),
	})
	require.NoError(t, err)
	assert.Len(t, g.Order, 3)
}

func TestBuildUnresolvedRefFatal(t *testing.T) {
	_, err := Build([]Declaration{
		inboundDecl("csv_in"),
		pipeDecl("ts", Ref{KindInbound, "nope"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnresolvedRef)
}

func TestBuildCycleFatal(t *testing.T) {
	_, err := Build([]Declaration{
		pipeDecl("a", Ref{KindPipe, "b"}),
		pipeDecl("b", Ref{KindPipe, "a"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTopologyCycle)
}

func TestBuildSelfReferenceFatal(t *testing.T) {
	_, err := Build([]Declaration{
		pipeDecl("loop", Ref{KindPipe, "loop"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTopologyCycle)
}

func TestOrphanedPipeWarns(t *testing.T) {
	g, err := Build([]Declaration{
		inboundDecl("csv_in"),
		pipeDecl("ts", Ref{KindInbound, "csv_in"}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, g.Warnings)
	assert.Contains(t, g.Warnings[0], "pipe:ts")
}

func TestOutboundWithoutProducersSkipped(t *testing.T) {
	g, err := Build([]Declaration{
		inboundDecl("csv_in"),
		outboundDecl("console"),
		outboundDecl("sink", Ref{KindInbound, "csv_in"}),
	})
	require.NoError(t, err)

	assert.Equal(t, []Ref{{KindOutbound, "console"}}, g.Skipped)
	for _, ref := range g.Order {
		assert.NotEqual(t, Ref{KindOutbound, "console"}, ref)
	}
}

func TestDisabledStageExcluded(t *testing.T) {
	g, err := Build([]Declaration{
		inboundDecl("csv_in"),
		{Tag: "ts", Kind: KindPipe, Upstreams: []Ref{{KindInbound, "csv_in"}}, Disabled: true},
		outboundDecl("console", Ref{KindInbound, "csv_in"}),
	})
	require.NoError(t, err)
	assert.Len(t, g.Order, 2)
	_, ok := g.Node(Ref{KindPipe, "ts"})
	assert.False(t, ok)
}

func TestReferenceToDisabledStageFails(t *testing.T) {
	_, err := Build([]Declaration{
		{Tag: "csv_in", Kind: KindInbound, Disabled: true},
		pipeDecl("ts", Ref{KindInbound, "csv_in"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnresolvedRef)
}

func TestInboundWithUpstreamsRejected(t *testing.T) {
	_, err := Build([]Declaration{
		inboundDecl("a"),
		{Tag: "b", Kind: KindInbound, Upstreams: []Ref{{KindInbound, "a"}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTagScope)
}
