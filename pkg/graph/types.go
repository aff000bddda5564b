package graph

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Direction selects which adjacency table a neighbor scan walks.
type Direction int

const (
	// Out walks edges where the anchor node is the source.
	Out Direction = iota
	// In walks edges where the anchor node is the target.
	In
)

func (d Direction) table() byte {
	if d == In {
		return storage.TableInEdges
	}
	return storage.TableOutEdges
}

// Node is the decoded form of a nodes-table record.
//
// Labels are stored as 32-bit hashes; the string form is not recoverable
// from the record. Callers that need the label string keep it themselves.
type Node struct {
	ID        storage.ID
	LabelHash uint32
	Props     codec.Properties
}

// Edge is the decoded form of an edges-table record.
type Edge struct {
	ID        storage.ID
	LabelHash uint32
	From      storage.ID
	To        storage.ID
	Props     codec.Properties
}

// Neighbor is one adjacency tuple produced by a neighbor scan.
type Neighbor struct {
	Edge  storage.ID
	Other storage.ID
}

// ChangeKind identifies the mutation that fired a change hook.
type ChangeKind int

const (
	NodeAdded ChangeKind = iota
	NodeUpdated
	NodeDropped
	EdgeAdded
	EdgeDropped
)

// ChangeHook observes committed-transaction mutations. Hooks run inside the
// write transaction, so any writes they perform commit atomically with the
// mutation itself. The ids slice holds the touched entities: the node id for
// node changes, and (edge, from, to) for edge changes.
type ChangeHook func(txn *badger.Txn, kind ChangeKind, ids ...storage.ID) error
