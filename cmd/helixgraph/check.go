package main

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/iterator"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// allNodeIDs collects every node id in the store, in key order.
func allNodeIDs(store *graph.Store) ([]storage.ID, error) {
	var ids []storage.ID
	err := store.Engine().View(func(txn *badger.Txn) error {
		items, err := iterator.Collect(iterator.AllNodes(txn, store))
		if err != nil {
			return err
		}
		ids = make([]storage.ID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID())
		}
		return nil
	})
	return ids, err
}

// checkStore walks the store and reports integrity violations: adjacency
// rows without a mirror or edge record, edge records with missing
// endpoints or adjacency rows, and documents whose posting frequencies do
// not sum to the recorded length.
func checkStore(store *graph.Store) ([]string, error) {
	var problems []string
	err := store.Engine().View(func(txn *badger.Txn) error {
		// Every edge record must have both endpoints and both adjacency rows.
		err := storage.ScanKeys(txn, []byte{storage.TableEdges}, func(key []byte) (bool, error) {
			id, err := storage.IDFromBytes(key[1:])
			if err != nil {
				return false, err
			}
			e, err := store.GetEdgeTx(txn, id)
			if err != nil {
				problems = append(problems, fmt.Sprintf("edge %s: unreadable record: %v", id, err))
				return true, nil
			}
			for _, ep := range []storage.ID{e.From, e.To} {
				ok, err := storage.HasKey(txn, storage.NodeKey(ep))
				if err != nil {
					return false, err
				}
				if !ok {
					problems = append(problems, fmt.Sprintf("edge %s: endpoint %s missing", id, ep))
				}
			}
			for _, row := range [][]byte{
				storage.AdjKey(storage.TableOutEdges, e.From, e.LabelHash, e.ID, e.To),
				storage.AdjKey(storage.TableInEdges, e.To, e.LabelHash, e.ID, e.From),
			} {
				ok, err := storage.HasKey(txn, row)
				if err != nil {
					return false, err
				}
				if !ok {
					problems = append(problems, fmt.Sprintf("edge %s: adjacency row missing", id))
				}
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		// Every adjacency row must reference a live edge record.
		for _, table := range []byte{storage.TableOutEdges, storage.TableInEdges} {
			err := storage.ScanKeys(txn, []byte{table}, func(key []byte) (bool, error) {
				edge, _, ok := storage.UnpackAdjKey(key)
				if !ok {
					problems = append(problems, "malformed adjacency key")
					return true, nil
				}
				exists, err := storage.HasKey(txn, storage.EdgeKey(edge))
				if err != nil {
					return false, err
				}
				if !exists {
					problems = append(problems, fmt.Sprintf("adjacency row for dropped edge %s", edge))
				}
				return true, nil
			})
			if err != nil {
				return err
			}
		}

		// Posting frequencies of each document must sum to its length.
		sums := make(map[storage.ID]uint64)
		err = storage.ScanPrefix(txn, []byte{storage.TableBM25Postings}, func(key, value []byte) (bool, error) {
			doc, ok := storage.UnpackPostingDoc(key)
			if !ok || len(value) != 4 {
				problems = append(problems, "malformed posting row")
				return true, nil
			}
			sums[doc] += uint64(binary.BigEndian.Uint32(value))
			return true, nil
		})
		if err != nil {
			return err
		}
		for doc, sum := range sums {
			raw, err := storage.GetValue(txn, storage.DocLenKey(doc))
			if err != nil {
				problems = append(problems, fmt.Sprintf("doc %s: postings but no length row", doc))
				continue
			}
			if dl := uint64(binary.BigEndian.Uint32(raw[:4])); dl != sum {
				problems = append(problems, fmt.Sprintf("doc %s: posting sum %d != length %d", doc, sum, dl))
			}
		}
		return nil
	})
	return problems, err
}
