// Package iterator provides the lazy traversal adapters the query runtime
// composes into staged pipelines: source stages over stored nodes and
// edges, label-typed neighbor expansion, filtering, mapping, slicing, and
// terminal stages (count, first, collect).
//
// Every stage borrows the read transaction it was built over. Nothing is
// read until the pipeline is pulled, and a stage pulls its upstream one
// element at a time, so a First or Range terminal touches only as much of
// the store as it returns. An iterator must not outlive its transaction;
// escaping one is a program bug, not a recoverable failure.
package iterator

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Iterator is a pull-based stream of items. Next returns the next item, or
// ok=false once the stream is exhausted. After an error the stream is dead.
type Iterator interface {
	Next() (item Item, ok bool, err error)
}

// funcIter adapts a pull closure into an Iterator.
type funcIter func() (Item, bool, error)

func (f funcIter) Next() (Item, bool, error) { return f() }

// FromSlice streams a fixed item slice. Retrieval and PPR results enter a
// pipeline this way.
func FromSlice(items []Item) Iterator {
	i := 0
	return funcIter(func() (Item, bool, error) {
		if i >= len(items) {
			return Item{}, false, nil
		}
		it := items[i]
		i++
		return it, true, nil
	})
}

// Nodes streams node items for the given ids, resolving each against txn
// at pull time. Absent ids fail the stream with ErrNotFound.
func Nodes(txn *badger.Txn, store *graph.Store, ids []storage.ID) Iterator {
	i := 0
	return funcIter(func() (Item, bool, error) {
		if i >= len(ids) {
			return Item{}, false, nil
		}
		n, err := store.GetNodeTx(txn, ids[i])
		if err != nil {
			return Item{}, false, err
		}
		i++
		return NodeItem(n), true, nil
	})
}

// Scored streams NodeWithScore items for ranked (id, score) results,
// resolving nodes lazily against txn.
func Scored(txn *badger.Txn, store *graph.Store, ids []storage.ID, scores []float64) Iterator {
	i := 0
	return funcIter(func() (Item, bool, error) {
		if i >= len(ids) {
			return Item{}, false, nil
		}
		n, err := store.GetNodeTx(txn, ids[i])
		if err != nil {
			return Item{}, false, err
		}
		it := ScoredItem(n, scores[i])
		i++
		return it, true, nil
	})
}

// Filter yields only the items for which pred returns true.
func Filter(src Iterator, pred func(Item) bool) Iterator {
	return funcIter(func() (Item, bool, error) {
		for {
			it, ok, err := src.Next()
			if err != nil || !ok {
				return Item{}, false, err
			}
			if pred(it) {
				return it, true, nil
			}
		}
	})
}

// Map transforms each item.
func Map(src Iterator, fn func(Item) Item) Iterator {
	return funcIter(func() (Item, bool, error) {
		it, ok, err := src.Next()
		if err != nil || !ok {
			return Item{}, false, err
		}
		return fn(it), true, nil
	})
}

// Range yields items at 0-based positions [from, to). A to of -1 means
// unbounded. The upstream is not pulled past position to.
func Range(src Iterator, from, to int) Iterator {
	pos := 0
	return funcIter(func() (Item, bool, error) {
		for {
			if to >= 0 && pos >= to {
				return Item{}, false, nil
			}
			it, ok, err := src.Next()
			if err != nil || !ok {
				return Item{}, false, err
			}
			pos++
			if pos-1 < from {
				continue
			}
			return it, true, nil
		}
	})
}

// First pulls at most one item and reports whether one existed.
func First(src Iterator) (Item, bool, error) {
	return src.Next()
}

// Count drains the stream and returns its cardinality.
func Count(src Iterator) (int, error) {
	n := 0
	for {
		_, ok, err := src.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Collect drains the stream into a slice.
func Collect(src Iterator) ([]Item, error) {
	var out []Item
	for {
		it, ok, err := src.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, it)
	}
}
