// Package graph implements the labeled property graph store.
//
// Nodes and edges are property records keyed by 128-bit ids. Adjacency is
// materialized in two key-only tables (out_edges, in_edges) whose keys pack
// the full neighbor tuple, so "neighbors of n over label L" is a single
// prefix seek with no value reads. Edge type filtering happens by key
// construction, never by scanning edge records.
//
// Every mutation bumps a monotonic graph version and runs the registered
// change hooks inside the same write transaction, which is how the PPR
// cache learns about invalidating writes without polling.
package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Options configures a graph store.
type Options struct {
	// UniqueFields declares, per label, the property fields enforced as
	// unique across nodes of that label. Writes violating a declared field
	// fail with ErrDuplicateUnique.
	UniqueFields map[string][]string

	// SecondaryFields declares, per label, the property fields indexed
	// for equality lookup without a uniqueness constraint. Declared rows
	// are maintained in the same transaction as the node write and served
	// by NodesByField.
	SecondaryFields map[string][]string
}

// Store is the graph layer over the storage kernel.
//
// Example:
//
//	st := graph.NewStore(eng, graph.Options{})
//	alice, _ := st.AddNode("person", codec.Properties{"name": "alice"})
//	bob, _ := st.AddNode("person", codec.Properties{"name": "bob"})
//	st.AddEdge("knows", alice, bob, nil)
type Store struct {
	eng *storage.Engine

	// uniqueByHash and secondaryByHash map label hash to the declared
	// index fields, hashed once at construction so drop paths can resolve
	// fields from records.
	uniqueByHash    map[uint32][]string
	secondaryByHash map[uint32][]string

	hooks []ChangeHook
}

// NewStore builds a graph store over eng.
func NewStore(eng *storage.Engine, opts Options) *Store {
	hashFields := func(byLabel map[string][]string) map[uint32][]string {
		byHash := make(map[uint32][]string, len(byLabel))
		for label, fields := range byLabel {
			byHash[storage.LabelHash(label)] = fields
		}
		return byHash
	}
	return &Store{
		eng:             eng,
		uniqueByHash:    hashFields(opts.UniqueFields),
		secondaryByHash: hashFields(opts.SecondaryFields),
	}
}

// Engine exposes the underlying storage kernel for sibling layers that
// share the same transactions.
func (s *Store) Engine() *storage.Engine { return s.eng }

// OnChange registers a hook invoked inside every mutating transaction.
// Registration is not synchronized; wire all hooks before serving traffic.
func (s *Store) OnChange(h ChangeHook) { s.hooks = append(s.hooks, h) }

func (s *Store) fire(txn *badger.Txn, kind ChangeKind, ids ...storage.ID) error {
	for _, h := range s.hooks {
		if err := h(txn, kind, ids...); err != nil {
			return err
		}
	}
	return nil
}

// AddNode writes a new node and returns its id. Declared unique and
// secondary fields present in props are indexed in the same transaction;
// a unique violation fails the whole write.
func (s *Store) AddNode(label string, props codec.Properties) (storage.ID, error) {
	if label == "" {
		return storage.ZeroID, fmt.Errorf("%w: empty node label", storage.ErrInvalidArgument)
	}
	id := storage.NewID()
	blob, err := codec.Encode(label, props)
	if err != nil {
		return storage.ZeroID, err
	}
	lh := storage.LabelHash(label)

	err = s.eng.Update(func(txn *badger.Txn) error {
		if err := s.indexUnique(txn, lh, id, props); err != nil {
			return err
		}
		if err := s.indexSecondary(txn, lh, id, props); err != nil {
			return err
		}
		if err := storage.SetValue(txn, storage.NodeKey(id), blob); err != nil {
			return err
		}
		if err := bumpVersion(txn); err != nil {
			return err
		}
		return s.fire(txn, NodeAdded, id)
	})
	if err != nil {
		return storage.ZeroID, err
	}
	return id, nil
}

// UpdateNodeProps replaces the property map of an existing node, keeping
// its label. Unique index rows move with the changed values.
func (s *Store) UpdateNodeProps(id storage.ID, props codec.Properties) error {
	return s.eng.Update(func(txn *badger.Txn) error {
		old, err := getNodeTx(txn, id)
		if err != nil {
			return err
		}
		if err := s.unindexUnique(txn, old.LabelHash, old.Props); err != nil {
			return err
		}
		if err := s.unindexSecondary(txn, old.LabelHash, id, old.Props); err != nil {
			return err
		}
		if err := s.indexUnique(txn, old.LabelHash, id, props); err != nil {
			return err
		}
		if err := s.indexSecondary(txn, old.LabelHash, id, props); err != nil {
			return err
		}
		blob, err := encodeWithHash(old.LabelHash, props)
		if err != nil {
			return err
		}
		if err := storage.SetValue(txn, storage.NodeKey(id), blob); err != nil {
			return err
		}
		if err := bumpVersion(txn); err != nil {
			return err
		}
		return s.fire(txn, NodeUpdated, id)
	})
}

// AddEdge writes a new edge between existing nodes and returns its id.
// Both endpoints must exist; otherwise the write fails with
// ErrMissingEndpoint and nothing is kept.
func (s *Store) AddEdge(label string, from, to storage.ID, props codec.Properties) (storage.ID, error) {
	if label == "" {
		return storage.ZeroID, fmt.Errorf("%w: empty edge label", storage.ErrInvalidArgument)
	}
	id := storage.NewID()
	lh := storage.LabelHash(label)
	blob, err := encodeEdge(lh, from, to, props)
	if err != nil {
		return storage.ZeroID, err
	}

	err = s.eng.Update(func(txn *badger.Txn) error {
		for _, ep := range []storage.ID{from, to} {
			ok, err := storage.HasKey(txn, storage.NodeKey(ep))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", storage.ErrMissingEndpoint, ep)
			}
		}
		if err := storage.SetValue(txn, storage.EdgeKey(id), blob); err != nil {
			return err
		}
		if err := storage.SetValue(txn, storage.AdjKey(storage.TableOutEdges, from, lh, id, to), nil); err != nil {
			return err
		}
		if err := storage.SetValue(txn, storage.AdjKey(storage.TableInEdges, to, lh, id, from), nil); err != nil {
			return err
		}
		if err := bumpVersion(txn); err != nil {
			return err
		}
		return s.fire(txn, EdgeAdded, id, from, to)
	})
	if err != nil {
		return storage.ZeroID, err
	}
	return id, nil
}

// DropEdge removes an edge and its two adjacency rows.
func (s *Store) DropEdge(id storage.ID) error {
	return s.eng.Update(func(txn *badger.Txn) error {
		e, err := getEdgeTx(txn, id)
		if err != nil {
			return err
		}
		if err := s.deleteEdgeRows(txn, e); err != nil {
			return err
		}
		if err := bumpVersion(txn); err != nil {
			return err
		}
		return s.fire(txn, EdgeDropped, e.ID, e.From, e.To)
	})
}

// DropNode removes a node, every edge incident to it (in both directions),
// its unique index rows, and fires the change hooks for each removal so
// dependent layers can tombstone vectors and invalidate caches.
func (s *Store) DropNode(id storage.ID) error {
	return s.eng.Update(func(txn *badger.Txn) error {
		n, err := getNodeTx(txn, id)
		if err != nil {
			return err
		}

		// Collect incident edge ids first; deleting while iterating the
		// same prefix is undefined under badger.
		var incident []storage.ID
		for _, table := range []byte{storage.TableOutEdges, storage.TableInEdges} {
			err := storage.ScanKeys(txn, storage.AdjNodePrefix(table, id), func(key []byte) (bool, error) {
				edge, _, ok := storage.UnpackAdjKey(key)
				if !ok {
					return false, fmt.Errorf("%w: malformed adjacency key", storage.ErrStorageFault)
				}
				incident = append(incident, edge)
				return true, nil
			})
			if err != nil {
				return err
			}
		}
		for _, eid := range incident {
			e, err := getEdgeTx(txn, eid)
			if err != nil {
				// A self-loop appears under both prefixes and is gone
				// after the first pass.
				if isNotFound(err) {
					continue
				}
				return err
			}
			if err := s.deleteEdgeRows(txn, e); err != nil {
				return err
			}
			if err := s.fire(txn, EdgeDropped, e.ID, e.From, e.To); err != nil {
				return err
			}
		}

		if err := s.unindexUnique(txn, n.LabelHash, n.Props); err != nil {
			return err
		}
		if err := s.unindexSecondary(txn, n.LabelHash, id, n.Props); err != nil {
			return err
		}
		if err := storage.DeleteKey(txn, storage.NodeKey(id)); err != nil {
			return err
		}
		if err := bumpVersion(txn); err != nil {
			return err
		}
		return s.fire(txn, NodeDropped, id)
	})
}

func (s *Store) deleteEdgeRows(txn *badger.Txn, e Edge) error {
	if err := storage.DeleteKey(txn, storage.AdjKey(storage.TableOutEdges, e.From, e.LabelHash, e.ID, e.To)); err != nil {
		return err
	}
	if err := storage.DeleteKey(txn, storage.AdjKey(storage.TableInEdges, e.To, e.LabelHash, e.ID, e.From)); err != nil {
		return err
	}
	return storage.DeleteKey(txn, storage.EdgeKey(e.ID))
}

// GetNode reads one node. Returns ErrNotFound when absent.
func (s *Store) GetNode(id storage.ID) (Node, error) {
	var n Node
	err := s.eng.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNodeTx(txn, id)
		return err
	})
	return n, err
}

// GetEdge reads one edge. Returns ErrNotFound when absent.
func (s *Store) GetEdge(id storage.ID) (Edge, error) {
	var e Edge
	err := s.eng.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEdgeTx(txn, id)
		return err
	})
	return e, err
}

// GetNodeTx is the transaction-scoped form of GetNode for callers that
// batch reads under one snapshot.
func (s *Store) GetNodeTx(txn *badger.Txn, id storage.ID) (Node, error) {
	return getNodeTx(txn, id)
}

// GetEdgeTx is the transaction-scoped form of GetEdge.
func (s *Store) GetEdgeTx(txn *badger.Txn, id storage.ID) (Edge, error) {
	return getEdgeTx(txn, id)
}

// NodeLabelHash reads only the 4-byte label header of a node record.
func (s *Store) NodeLabelHash(txn *badger.Txn, id storage.ID) (uint32, error) {
	blob, err := storage.GetValue(txn, storage.NodeKey(id))
	if err != nil {
		return 0, err
	}
	return codec.ReadLabelHash(blob)
}

// Neighbors materializes the (edge, other) tuples reachable from id over
// edges labeled label, in the given direction. Results come back in
// storage order: ascending edge id within the label.
func (s *Store) Neighbors(id storage.ID, dir Direction, label string) ([]Neighbor, error) {
	var out []Neighbor
	err := s.eng.View(func(txn *badger.Txn) error {
		return s.ScanNeighbors(txn, id, dir, label, func(n Neighbor) (bool, error) {
			out = append(out, n)
			return true, nil
		})
	})
	return out, err
}

// ScanNeighbors streams the (edge, other) tuples of id over label within
// txn. fn returning false stops the scan.
func (s *Store) ScanNeighbors(txn *badger.Txn, id storage.ID, dir Direction, label string, fn func(Neighbor) (bool, error)) error {
	prefix := storage.AdjPrefix(dir.table(), id, storage.LabelHash(label))
	return storage.ScanKeys(txn, prefix, func(key []byte) (bool, error) {
		edge, other, ok := storage.UnpackAdjKey(key)
		if !ok {
			return false, fmt.Errorf("%w: malformed adjacency key", storage.ErrStorageFault)
		}
		return fn(Neighbor{Edge: edge, Other: other})
	})
}

// ScanAllNeighbors streams every adjacency tuple of id in one direction,
// regardless of label, passing the label hash alongside each tuple.
func (s *Store) ScanAllNeighbors(txn *badger.Txn, id storage.ID, dir Direction, fn func(labelHash uint32, n Neighbor) (bool, error)) error {
	prefix := storage.AdjNodePrefix(dir.table(), id)
	return storage.ScanKeys(txn, prefix, func(key []byte) (bool, error) {
		edge, other, ok := storage.UnpackAdjKey(key)
		if !ok {
			return false, fmt.Errorf("%w: malformed adjacency key", storage.ErrStorageFault)
		}
		lh, _ := storage.UnpackAdjLabelHash(key)
		return fn(lh, Neighbor{Edge: edge, Other: other})
	})
}

// Version returns the current graph version, a counter bumped by every
// mutating transaction. Zero means the store has never been written.
func (s *Store) Version() (uint64, error) {
	var v uint64
	err := s.eng.View(func(txn *badger.Txn) error {
		var err error
		v, err = versionTx(txn)
		return err
	})
	return v, err
}

// Stats counts nodes and edges with key-only scans.
func (s *Store) Stats() (nodes, edges uint64, err error) {
	err = s.eng.View(func(txn *badger.Txn) error {
		count := func(prefix []byte, out *uint64) error {
			return storage.ScanKeys(txn, prefix, func([]byte) (bool, error) {
				*out++
				return true, nil
			})
		}
		if err := count([]byte{storage.TableNodes}, &nodes); err != nil {
			return err
		}
		return count([]byte{storage.TableEdges}, &edges)
	})
	return nodes, edges, err
}

// NodesByField returns the ids of every node of the given label whose
// declared secondary field equals value, in ascending id order. An
// undeclared (label, field) pair matches nothing.
func (s *Store) NodesByField(label, field string, value any) ([]storage.ID, error) {
	vb, err := indexValueBytes(value)
	if err != nil {
		return nil, err
	}
	prefix := storage.SecondaryIdxPrefix(storage.LabelHash(label), field, vb)
	var out []storage.ID
	err = s.eng.View(func(txn *badger.Txn) error {
		return storage.ScanKeys(txn, prefix, func(key []byte) (bool, error) {
			if id, ok := storage.UnpackSecondaryIdxNode(prefix, key); ok {
				out = append(out, id)
			}
			return true, nil
		})
	})
	return out, err
}

func (s *Store) indexSecondary(txn *badger.Txn, labelHash uint32, id storage.ID, props codec.Properties) error {
	for _, field := range s.secondaryByHash[labelHash] {
		v, ok := props[field]
		if !ok {
			continue
		}
		vb, err := indexValueBytes(v)
		if err != nil {
			return fmt.Errorf("secondary field %q: %w", field, err)
		}
		if err := storage.SetValue(txn, storage.SecondaryIdxKey(labelHash, field, vb, id), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) unindexSecondary(txn *badger.Txn, labelHash uint32, id storage.ID, props codec.Properties) error {
	for _, field := range s.secondaryByHash[labelHash] {
		v, ok := props[field]
		if !ok {
			continue
		}
		vb, err := indexValueBytes(v)
		if err != nil {
			continue
		}
		if err := storage.DeleteKey(txn, storage.SecondaryIdxKey(labelHash, field, vb, id)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) indexUnique(txn *badger.Txn, labelHash uint32, id storage.ID, props codec.Properties) error {
	for _, field := range s.uniqueByHash[labelHash] {
		v, ok := props[field]
		if !ok {
			continue
		}
		vb, err := indexValueBytes(v)
		if err != nil {
			return fmt.Errorf("unique field %q: %w", field, err)
		}
		key := storage.UniqueIdxKey(labelHash, field, vb)
		existing, err := storage.GetValue(txn, key)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			owner, _ := storage.IDFromBytes(existing)
			if owner != id {
				return fmt.Errorf("%w: field %q", storage.ErrDuplicateUnique, field)
			}
			continue
		}
		if err := storage.SetValue(txn, key, id.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) unindexUnique(txn *badger.Txn, labelHash uint32, props codec.Properties) error {
	for _, field := range s.uniqueByHash[labelHash] {
		v, ok := props[field]
		if !ok {
			continue
		}
		vb, err := indexValueBytes(v)
		if err != nil {
			continue
		}
		if err := storage.DeleteKey(txn, storage.UniqueIdxKey(labelHash, field, vb)); err != nil {
			return err
		}
	}
	return nil
}

// indexValueBytes produces the canonical index form of a field value.
// Only scalar kinds participate in field indexes.
func indexValueBytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return []byte(val), nil
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(val))
		return b[:], nil
	case int:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(int64(val)))
		return b[:], nil
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
		return b[:], nil
	case bool:
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("%w: non-scalar unique value %T", storage.ErrInvalidArgument, v)
	}
}

func getNodeTx(txn *badger.Txn, id storage.ID) (Node, error) {
	blob, err := storage.GetValue(txn, storage.NodeKey(id))
	if err != nil {
		return Node{}, err
	}
	lh, props, err := codec.Decode(blob)
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, LabelHash: lh, Props: props}, nil
}

// Edge records carry a 32-byte endpoint header (from, to) ahead of the
// property payload so drop paths can locate both adjacency rows without
// any extra lookups.
func encodeEdge(labelHash uint32, from, to storage.ID, props codec.Properties) ([]byte, error) {
	buf := make([]byte, 0, 32+4+16)
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	body, err := encodeWithHash(labelHash, props)
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

func getEdgeTx(txn *badger.Txn, id storage.ID) (Edge, error) {
	blob, err := storage.GetValue(txn, storage.EdgeKey(id))
	if err != nil {
		return Edge{}, err
	}
	if len(blob) < 32+4 {
		return Edge{}, fmt.Errorf("%w: edge record too short", storage.ErrStorageFault)
	}
	var e Edge
	e.ID = id
	copy(e.From[:], blob[0:16])
	copy(e.To[:], blob[16:32])
	e.LabelHash, e.Props, err = codec.Decode(blob[32:])
	if err != nil {
		return Edge{}, err
	}
	return e, nil
}

// encodeWithHash is codec.Encode for callers that only hold the hash.
func encodeWithHash(labelHash uint32, props codec.Properties) ([]byte, error) {
	body, err := codec.EncodeBody(props)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, labelHash)
	return append(buf, body...), nil
}

func versionTx(txn *badger.Txn) (uint64, error) {
	raw, err := storage.GetValue(txn, storage.GraphMetaKey())
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: bad graph_meta record", storage.ErrStorageFault)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func bumpVersion(txn *badger.Txn) error {
	v, err := versionTx(txn)
	if err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v+1)
	return storage.SetValue(txn, storage.GraphMetaKey(), b[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
