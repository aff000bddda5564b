package iterator

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// expand is the shared machinery behind the four neighbor adapters. For
// each upstream node it runs one composite-key prefix scan over the chosen
// adjacency table and buffers that node's tuples; upstream items past the
// current node are not pulled until its buffer drains. Tuples arrive in
// storage order, ascending edge id within the label.
func expand(txn *badger.Txn, store *graph.Store, src Iterator, dir graph.Direction, label string, edges bool) Iterator {
	var (
		buf []graph.Neighbor
		pos int
	)
	return funcIter(func() (Item, bool, error) {
		for {
			if pos < len(buf) {
				nb := buf[pos]
				pos++
				if edges {
					e, err := store.GetEdgeTx(txn, nb.Edge)
					if err != nil {
						return Item{}, false, err
					}
					return EdgeItem(e), true, nil
				}
				n, err := store.GetNodeTx(txn, nb.Other)
				if err != nil {
					return Item{}, false, err
				}
				return NodeItem(n), true, nil
			}

			it, ok, err := src.Next()
			if err != nil || !ok {
				return Item{}, false, err
			}
			if it.Kind == KindEdge || it.Kind == KindValue {
				continue
			}
			buf = buf[:0]
			pos = 0
			err = store.ScanNeighbors(txn, it.Node.ID, dir, label, func(nb graph.Neighbor) (bool, error) {
				buf = append(buf, nb)
				return true, nil
			})
			if err != nil {
				return Item{}, false, err
			}
		}
	})
}

// Out expands each upstream node to the target nodes of its outgoing
// label-typed edges.
func Out(txn *badger.Txn, store *graph.Store, src Iterator, label string) Iterator {
	return expand(txn, store, src, graph.Out, label, false)
}

// In expands each upstream node to the source nodes of its incoming
// label-typed edges.
func In(txn *badger.Txn, store *graph.Store, src Iterator, label string) Iterator {
	return expand(txn, store, src, graph.In, label, false)
}

// OutEdge expands each upstream node to its outgoing label-typed edges.
func OutEdge(txn *badger.Txn, store *graph.Store, src Iterator, label string) Iterator {
	return expand(txn, store, src, graph.Out, label, true)
}

// InEdge expands each upstream node to its incoming label-typed edges.
func InEdge(txn *badger.Txn, store *graph.Store, src Iterator, label string) Iterator {
	return expand(txn, store, src, graph.In, label, true)
}

// AllNodes streams every node in the store in id order. Used by maintenance
// tooling and full-scan pipelines.
func AllNodes(txn *badger.Txn, store *graph.Store) Iterator {
	var (
		ids    []storage.ID
		loaded bool
		i      int
	)
	return funcIter(func() (Item, bool, error) {
		if !loaded {
			err := storage.ScanKeys(txn, []byte{storage.TableNodes}, func(key []byte) (bool, error) {
				id, err := storage.IDFromBytes(key[1:])
				if err != nil {
					return false, err
				}
				ids = append(ids, id)
				return true, nil
			})
			if err != nil {
				return Item{}, false, err
			}
			loaded = true
		}
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
