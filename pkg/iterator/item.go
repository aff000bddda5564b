package iterator

import (
	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Kind discriminates the variants an item stream can carry.
type Kind int

const (
	// KindNode is a graph node.
	KindNode Kind = iota
	// KindEdge is a graph edge.
	KindEdge
	// KindNodeWithScore is a node id paired with a relevance score, as
	// produced by retrieval or PPR stages.
	KindNodeWithScore
	// KindValue is an arbitrary scalar produced by a Map stage.
	KindValue
)

// Item is one element of a traversal stream, a tagged union over the
// variants the pipeline stages understand. Only the fields of the active
// variant are meaningful; score updates are defined only on the
// score-bearing variant.
type Item struct {
	Kind  Kind
	Node  graph.Node
	Edge  graph.Edge
	Score float64
	Value any
}

// ID returns the identifier of the node or edge variants, and the node id
// of the scored variant. The value variant has no id.
func (it Item) ID() storage.ID {
	switch it.Kind {
	case KindEdge:
		return it.Edge.ID
	case KindValue:
		return storage.ZeroID
	default:
		return it.Node.ID
	}
}

// NodeItem wraps a node.
func NodeItem(n graph.Node) Item {
	return Item{Kind: KindNode, Node: n}
}

// EdgeItem wraps an edge.
func EdgeItem(e graph.Edge) Item {
	return Item{Kind: KindEdge, Edge: e}
}

// ScoredItem wraps a node with a relevance score.
func ScoredItem(n graph.Node, score float64) Item {
	return Item{Kind: KindNodeWithScore, Node: n, Score: score}
}

// ValueItem wraps an arbitrary value.
func ValueItem(v any) Item {
	return Item{Kind: KindValue, Value: v}
}
