package graph

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	eng, err := storage.Open(storage.Options{InMemory: true, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return NewStore(eng, opts)
}

func TestAddAndGetNode(t *testing.T) {
	st := openTestStore(t, Options{})

	id, err := st.AddNode("person", codec.Properties{"name": "alice"})
	require.NoError(t, err)

	n, err := st.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, id, n.ID)
	assert.Equal(t, storage.LabelHash("person"), n.LabelHash)
	assert.Equal(t, "alice", n.Props["name"])

	_, err = st.GetNode(storage.NewID())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddNodeRejectsEmptyLabel(t *testing.T) {
	st := openTestStore(t, Options{})
	_, err := st.AddNode("", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestAdjacencySymmetry(t *testing.T) {
	st := openTestStore(t, Options{})

	u, err := st.AddNode("person", nil)
	require.NoError(t, err)
	v, err := st.AddNode("person", nil)
	require.NoError(t, err)

	e, err := st.AddEdge("knows", u, v, nil)
	require.NoError(t, err)

	out, err := st.Neighbors(u, Out, "knows")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Neighbor{Edge: e, Other: v}, out[0])

	in, err := st.Neighbors(v, In, "knows")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, Neighbor{Edge: e, Other: u}, in[0])

	// The reverse directions see nothing.
	rev, err := st.Neighbors(u, In, "knows")
	require.NoError(t, err)
	assert.Empty(t, rev)
}

func TestNeighborsFilteredByLabelKey(t *testing.T) {
	st := openTestStore(t, Options{})

	u, _ := st.AddNode("person", nil)
	v, _ := st.AddNode("person", nil)
	w, _ := st.AddNode("person", nil)

	_, err := st.AddEdge("knows", u, v, nil)
	require.NoError(t, err)
	_, err = st.AddEdge("blocks", u, w, nil)
	require.NoError(t, err)

	knows, err := st.Neighbors(u, Out, "knows")
	require.NoError(t, err)
	require.Len(t, knows, 1)
	assert.Equal(t, v, knows[0].Other)

	blocks, err := st.Neighbors(u, Out, "blocks")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, w, blocks[0].Other)

	none, err := st.Neighbors(u, Out, "likes")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNeighborsStorageOrder(t *testing.T) {
	st := openTestStore(t, Options{})

	u, _ := st.AddNode("hub", nil)
	var edges []storage.ID
	for i := 0; i < 5; i++ {
		v, _ := st.AddNode("leaf", nil)
		e, err := st.AddEdge("links", u, v, nil)
		require.NoError(t, err)
		edges = append(edges, e)
	}

	got, err := st.Neighbors(u, Out, "links")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Edge.Less(got[i].Edge), "tuples must come back in ascending edge id order")
	}
	// UUIDv7 allocation order matches insertion order here.
	for i, nb := range got {
		assert.Equal(t, edges[i], nb.Edge)
	}
}

func TestAddEdgeMissingEndpoint(t *testing.T) {
	st := openTestStore(t, Options{})
	u, _ := st.AddNode("person", nil)

	_, err := st.AddEdge("knows", u, storage.NewID(), nil)
	assert.ErrorIs(t, err, storage.ErrMissingEndpoint)

	_, err = st.AddEdge("knows", storage.NewID(), u, nil)
	assert.ErrorIs(t, err, storage.ErrMissingEndpoint)

	// The failed writes left no adjacency rows behind.
	out, err := st.Neighbors(u, Out, "knows")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDropEdgeRemovesAdjacency(t *testing.T) {
	st := openTestStore(t, Options{})

	u, _ := st.AddNode("person", nil)
	v, _ := st.AddNode("person", nil)
	e, err := st.AddEdge("knows", u, v, nil)
	require.NoError(t, err)

	require.NoError(t, st.DropEdge(e))

	_, err = st.GetEdge(e)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	out, err := st.Neighbors(u, Out, "knows")
	require.NoError(t, err)
	assert.Empty(t, out)
	in, err := st.Neighbors(v, In, "knows")
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestDropNodeCascades(t *testing.T) {
	st := openTestStore(t, Options{})

	u, _ := st.AddNode("person", nil)
	v, _ := st.AddNode("person", nil)
	w, _ := st.AddNode("person", nil)
	outEdge, err := st.AddEdge("knows", v, w, nil)
	require.NoError(t, err)
	inEdge, err := st.AddEdge("knows", u, v, nil)
	require.NoError(t, err)

	require.NoError(t, st.DropNode(v))

	_, err = st.GetNode(v)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetEdge(outEdge)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetEdge(inEdge)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The surviving endpoints lost their adjacency rows too.
	got, err := st.Neighbors(u, Out, "knows")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = st.Neighbors(w, In, "knows")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDropNodeWithSelfLoop(t *testing.T) {
	st := openTestStore(t, Options{})

	n, _ := st.AddNode("thing", nil)
	_, err := st.AddEdge("refers_to", n, n, nil)
	require.NoError(t, err)

	require.NoError(t, st.DropNode(n))
	nodes, edges, err := st.Stats()
	require.NoError(t, err)
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestUniqueIndexEnforced(t *testing.T) {
	st := openTestStore(t, Options{
		UniqueFields: map[string][]string{"person": {"email"}},
	})

	_, err := st.AddNode("person", codec.Properties{"email": "a@example.com"})
	require.NoError(t, err)

	_, err = st.AddNode("person", codec.Properties{"email": "a@example.com"})
	assert.ErrorIs(t, err, storage.ErrDuplicateUnique)

	// Distinct value passes; other labels are not constrained.
	_, err = st.AddNode("person", codec.Properties{"email": "b@example.com"})
	assert.NoError(t, err)
	_, err = st.AddNode("robot", codec.Properties{"email": "a@example.com"})
	assert.NoError(t, err)
}

func TestUniqueIndexFreedOnDrop(t *testing.T) {
	st := openTestStore(t, Options{
		UniqueFields: map[string][]string{"person": {"email"}},
	})

	id, err := st.AddNode("person", codec.Properties{"email": "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, st.DropNode(id))

	_, err = st.AddNode("person", codec.Properties{"email": "a@example.com"})
	assert.NoError(t, err, "dropping the owner must release the unique value")
}

func TestUpdateNodePropsMovesUniqueIndex(t *testing.T) {
	st := openTestStore(t, Options{
		UniqueFields: map[string][]string{"person": {"email"}},
	})

	id, err := st.AddNode("person", codec.Properties{"email": "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateNodeProps(id, codec.Properties{"email": "b@example.com"}))

	_, err = st.AddNode("person", codec.Properties{"email": "a@example.com"})
	assert.NoError(t, err, "old value must be released by the update")
	_, err = st.AddNode("person", codec.Properties{"email": "b@example.com"})
	assert.ErrorIs(t, err, storage.ErrDuplicateUnique)
}

func TestSecondaryIndexLookup(t *testing.T) {
	st := openTestStore(t, Options{
		SecondaryFields: map[string][]string{"person": {"team"}},
	})

	a, err := st.AddNode("person", codec.Properties{"team": "core"})
	require.NoError(t, err)
	b, err := st.AddNode("person", codec.Properties{"team": "core"})
	require.NoError(t, err)
	c, err := st.AddNode("person", codec.Properties{"team": "infra"})
	require.NoError(t, err)
	_, err = st.AddNode("robot", codec.Properties{"team": "core"})
	require.NoError(t, err)

	got, err := st.NodesByField("person", "team", "core")
	require.NoError(t, err)
	assert.Equal(t, []storage.ID{a, b}, got, "shared values return every owner in id order")

	got, err = st.NodesByField("person", "team", "infra")
	require.NoError(t, err)
	assert.Equal(t, []storage.ID{c}, got)

	got, err = st.NodesByField("person", "team", "ops")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = st.NodesByField("robot", "team", "core")
	require.NoError(t, err)
	assert.Empty(t, got, "undeclared labels are not indexed")
}

func TestSecondaryIndexFollowsUpdates(t *testing.T) {
	st := openTestStore(t, Options{
		SecondaryFields: map[string][]string{"person": {"team"}},
	})

	id, err := st.AddNode("person", codec.Properties{"team": "core"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateNodeProps(id, codec.Properties{"team": "infra"}))

	got, err := st.NodesByField("person", "team", "core")
	require.NoError(t, err)
	assert.Empty(t, got, "the old row must move with the value")

	got, err = st.NodesByField("person", "team", "infra")
	require.NoError(t, err)
	assert.Equal(t, []storage.ID{id}, got)
}

func TestSecondaryIndexFreedOnDrop(t *testing.T) {
	st := openTestStore(t, Options{
		SecondaryFields: map[string][]string{"person": {"team"}},
	})

	id, err := st.AddNode("person", codec.Properties{"team": "core"})
	require.NoError(t, err)
	require.NoError(t, st.DropNode(id))

	got, err := st.NodesByField("person", "team", "core")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSecondaryIndexValuePrefixDistinct(t *testing.T) {
	st := openTestStore(t, Options{
		SecondaryFields: map[string][]string{"person": {"team"}},
	})

	short, err := st.AddNode("person", codec.Properties{"team": "a"})
	require.NoError(t, err)
	_, err = st.AddNode("person", codec.Properties{"team": "ab"})
	require.NoError(t, err)

	got, err := st.NodesByField("person", "team", "a")
	require.NoError(t, err)
	assert.Equal(t, []storage.ID{short}, got, "a value must not match its extensions")
}

func TestGraphVersionBumpsPerMutation(t *testing.T) {
	st := openTestStore(t, Options{})

	v0, err := st.Version()
	require.NoError(t, err)
	assert.Zero(t, v0)

	a, _ := st.AddNode("n", nil)
	b, _ := st.AddNode("n", nil)
	e, err := st.AddEdge("links", a, b, nil)
	require.NoError(t, err)
	require.NoError(t, st.DropEdge(e))

	v, err := st.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
}

func TestChangeHooksFire(t *testing.T) {
	st := openTestStore(t, Options{})

	type event struct {
		kind ChangeKind
		ids  []storage.ID
	}
	var events []event
	st.OnChange(func(txn *badger.Txn, kind ChangeKind, ids ...storage.ID) error {
		events = append(events, event{kind, append([]storage.ID(nil), ids...)})
		return nil
	})

	a, _ := st.AddNode("n", nil)
	b, _ := st.AddNode("n", nil)
	e, err := st.AddEdge("links", a, b, nil)
	require.NoError(t, err)
	require.NoError(t, st.DropNode(a))

	require.Len(t, events, 5)
	assert.Equal(t, NodeAdded, events[0].kind)
	assert.Equal(t, NodeAdded, events[1].kind)
	assert.Equal(t, EdgeAdded, events[2].kind)
	assert.Equal(t, []storage.ID{e, a, b}, events[2].ids)
	assert.Equal(t, EdgeDropped, events[3].kind)
	assert.Equal(t, NodeDropped, events[4].kind)
	assert.Equal(t, []storage.ID{a}, events[4].ids)
}

func TestHookFailureAbortsWrite(t *testing.T) {
	st := openTestStore(t, Options{})
	st.OnChange(func(txn *badger.Txn, kind ChangeKind, ids ...storage.ID) error {
		return storage.ErrStorageFault
	})

	_, err := st.AddNode("n", nil)
	assert.ErrorIs(t, err, storage.ErrStorageFault)

	nodes, _, err2 := st.Stats()
	require.NoError(t, err2)
	assert.Zero(t, nodes, "hook failure must abort the whole transaction")
}

func TestEdgePropertiesRoundTrip(t *testing.T) {
	st := openTestStore(t, Options{})

	a, _ := st.AddNode("n", nil)
	b, _ := st.AddNode("n", nil)
	e, err := st.AddEdge("links", a, b, codec.Properties{"since": int64(2024)})
	require.NoError(t, err)

	got, err := st.GetEdge(e)
	require.NoError(t, err)
	assert.Equal(t, a, got.From)
	assert.Equal(t, b, got.To)
	assert.Equal(t, storage.LabelHash("links"), got.LabelHash)
	assert.Equal(t, int64(2024), got.Props["since"])
}
