// Package topology resolves declared stage names into a validated directed
// acyclic graph. Construction is two-phase: collect every declared tag into
// a registry, then resolve each upstream reference against it and
// materialize explicit edges. Validation runs once before any stage starts;
// after that the graph is read-only.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DarkHighness/void/errors"
)

// Kind distinguishes the stage namespaces. Tags are unique within a
// namespace; the same text may name both an inbound and a pipe.
type Kind int

const (
	KindInbound Kind = iota
	KindPipe
	KindOutbound
)

// String returns the reference prefix for the kind.
func (k Kind) String() string {
	switch k {
	case KindInbound:
		return "inbound"
	case KindPipe:
		return "pipe"
	case KindOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Ref is a typed reference to a declared stage.
type Ref struct {
	Kind Kind
	Tag  string
}

// String renders the reference in `kind:tag` form.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Tag)
}

// ParseRef parses an upstream reference of the form `inbound:<tag>` or
// `pipe:<tag>`. Outbounds cannot be referenced as upstreams.
func ParseRef(s string) (Ref, error) {
	prefix, tag, found := strings.Cut(s, ":")
	if !found || tag == "" {
		return Ref{}, errors.WrapFatal(
			fmt.Errorf("%w: malformed reference %q", errors.ErrUnresolvedRef, s),
			"topology", "ParseRef", "parse stage reference")
	}
	switch prefix {
	case "inbound":
		return Ref{Kind: KindInbound, Tag: tag}, nil
	case "pipe":
		return Ref{Kind: KindPipe, Tag: tag}, nil
	default:
		return Ref{}, errors.WrapFatal(
			fmt.Errorf("%w: reference %q must use an inbound: or pipe: prefix", errors.ErrInvalidTagScope, s),
			"topology", "ParseRef", "parse stage reference")
	}
}

// Declaration describes one stage before graph resolution.
type Declaration struct {
	Tag       string
	Kind      Kind
	Upstreams []Ref
	Disabled  bool
}

// Node is a resolved stage with explicit edges.
type Node struct {
	Ref       Ref
	Upstreams []Ref // producers feeding this stage
	Consumers []Ref // stages reading this stage's output
}

// Graph is the validated stage graph.
type Graph struct {
	nodes map[Ref]*Node

	// Order lists every started stage in dependency order: a producer
	// always precedes its consumers. Deterministic for a given input.
	Order []Ref

	// Warnings lists non-fatal findings: orphaned inbounds/pipes whose
	// output nobody consumes.
	Warnings []string

	// Skipped lists outbounds excluded because no producer feeds them.
	Skipped []Ref
}

// Node returns the resolved node for a reference.
func (g *Graph) Node(ref Ref) (*Node, bool) {
	n, ok := g.nodes[ref]
	return n, ok
}

// Build resolves declarations into a validated graph. Disabled stages are
// excluded before validation, so a reference to a disabled stage fails as
// unresolved. Duplicate tags, unresolved references, and cycles are fatal.
func Build(decls []Declaration) (*Graph, error) {
	nodes := make(map[Ref]*Node)

	// Phase one: registry of declared tags.
	for _, d := range decls {
		if d.Disabled {
			continue
		}
		ref := Ref{Kind: d.Kind, Tag: d.Tag}
		if _, exists := nodes[ref]; exists {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %s declared twice", errors.ErrDuplicateTag, ref),
				"topology", "Build", "register stage tags")
		}
		nodes[ref] = &Node{Ref: ref}
	}

	// Phase two: resolve references into edges.
	for _, d := range decls {
		if d.Disabled {
			continue
		}
		ref := Ref{Kind: d.Kind, Tag: d.Tag}
		if d.Kind == KindInbound && len(d.Upstreams) > 0 {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: inbound %s cannot declare upstreams", errors.ErrInvalidTagScope, d.Tag),
				"topology", "Build", "resolve stage references")
		}
		for _, up := range d.Upstreams {
			producer, ok := nodes[up]
			if !ok {
				return nil, errors.WrapFatal(
					fmt.Errorf("%w: %s references undeclared %s", errors.ErrUnresolvedRef, ref, up),
					"topology", "Build", "resolve stage references")
			}
			nodes[ref].Upstreams = append(nodes[ref].Upstreams, up)
			producer.Consumers = append(producer.Consumers, ref)
		}
	}

	g := &Graph{nodes: nodes}

	// Orphan checks before ordering: outbounds without producers are
	// skipped, inbounds/pipes without consumers warn but still run.
	for _, n := range sortedNodes(nodes) {
		switch n.Ref.Kind {
		case KindOutbound:
			if len(n.Upstreams) == 0 {
				g.Skipped = append(g.Skipped, n.Ref)
				delete(nodes, n.Ref)
			}
		case KindInbound, KindPipe:
			if len(n.Consumers) == 0 {
				g.Warnings = append(g.Warnings,
					fmt.Sprintf("%s has no consumers; its output will be discarded", n.Ref))
			}
		}
	}
	// Drop edges that pointed at skipped outbounds.
	for _, n := range nodes {
		kept := n.Consumers[:0]
		for _, c := range n.Consumers {
			if _, ok := nodes[c]; ok {
				kept = append(kept, c)
			}
		}
		n.Consumers = kept
	}

	order, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}
	g.Order = order

	return g, nil
}

// topoSort produces a deterministic dependency ordering via Kahn's
// algorithm, breaking ties by reference name.
func topoSort(nodes map[Ref]*Node) ([]Ref, error) {
	indegree := make(map[Ref]int, len(nodes))
	for ref, n := range nodes {
		indegree[ref] = len(n.Upstreams)
	}

	var ready []Ref
	for ref, deg := range indegree {
		if deg == 0 {
			ready = append(ready, ref)
		}
	}
	sortRefs(ready)

	order := make([]Ref, 0, len(nodes))
	for len(ready) > 0 {
		ref := ready[0]
		ready = ready[1:]
		order = append(order, ref)

		var released []Ref
		for _, c := range nodes[ref].Consumers {
			indegree[c]--
			if indegree[c] == 0 {
				released = append(released, c)
			}
		}
		sortRefs(released)
		ready = append(ready, released...)
	}

	if len(order) != len(nodes) {
		var stuck []string
		for ref, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, ref.String())
			}
		}
		sort.Strings(stuck)
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: involving %s", errors.ErrTopologyCycle, strings.Join(stuck, ", ")),
			"topology", "Build", "order stages")
	}

	return order, nil
}

func sortedNodes(nodes map[Ref]*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.String() < out[j].Ref.String()
	})
	return out
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
}
