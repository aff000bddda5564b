package iterator

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

func openTestGraph(t *testing.T) (*graph.Store, *storage.Engine) {
	t.Helper()
	eng, err := storage.Open(storage.Options{InMemory: true, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return graph.NewStore(eng, graph.Options{}), eng
}

func inView(t *testing.T, eng *storage.Engine, fn func(txn *badger.Txn)) {
	t.Helper()
	require.NoError(t, eng.View(func(txn *badger.Txn) error {
		fn(txn)
		return nil
	}))
}

func collectIDs(t *testing.T, it Iterator) []storage.ID {
	t.Helper()
	items, err := Collect(it)
	require.NoError(t, err)
	ids := make([]storage.ID, len(items))
	for i, item := range items {
		ids[i] = item.ID()
	}
	return ids
}

func TestFromSliceAndCollect(t *testing.T) {
	items := []Item{ValueItem(1), ValueItem(2), ValueItem(3)}
	got, err := Collect(FromSlice(items))
	require.NoError(t, err)
	assert.Equal(t, items, got)

	got, err = Collect(FromSlice(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFilterMapCompose(t *testing.T) {
	src := FromSlice([]Item{ValueItem(1), ValueItem(2), ValueItem(3), ValueItem(4)})
	even := Filter(src, func(it Item) bool { return it.Value.(int)%2 == 0 })
	doubled := Map(even, func(it Item) Item { return ValueItem(it.Value.(int) * 2) })

	got, err := Collect(doubled)
	require.NoError(t, err)
	assert.Equal(t, []Item{ValueItem(4), ValueItem(8)}, got)
}

func TestRangeSlices(t *testing.T) {
	mk := func() Iterator {
		return FromSlice([]Item{ValueItem(0), ValueItem(1), ValueItem(2), ValueItem(3), ValueItem(4)})
	}

	got, err := Collect(Range(mk(), 1, 3))
	require.NoError(t, err)
	assert.Equal(t, []Item{ValueItem(1), ValueItem(2)}, got)

	got, err = Collect(Range(mk(), 3, -1))
	require.NoError(t, err)
	assert.Equal(t, []Item{ValueItem(3), ValueItem(4)}, got)

	got, err = Collect(Range(mk(), 0, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRangeDoesNotOverPull(t *testing.T) {
	pulled := 0
	src := funcIter(func() (Item, bool, error) {
		pulled++
		return ValueItem(pulled), true, nil
	})

	_, err := Collect(Range(src, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, pulled, "an infinite upstream must only be pulled to the bound")
}

func TestFirstAndCount(t *testing.T) {
	src := FromSlice([]Item{ValueItem("a"), ValueItem("b")})
	it, ok, err := First(src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", it.Value)

	n, err := Count(FromSlice([]Item{ValueItem(1), ValueItem(2), ValueItem(3)}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, err = First(FromSlice(nil))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodesResolvesLazily(t *testing.T) {
	st, eng := openTestGraph(t)

	a, err := st.AddNode("person", codec.Properties{"name": "ada"})
	require.NoError(t, err)
	b, err := st.AddNode("person", codec.Properties{"name": "bob"})
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		got, err := Collect(Nodes(txn, st, []storage.ID{a, b}))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, KindNode, got[0].Kind)
		assert.Equal(t, "ada", got[0].Node.Props["name"])
		assert.Equal(t, "bob", got[1].Node.Props["name"])

		_, err = Collect(Nodes(txn, st, []storage.ID{storage.NewID()}))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestScoredCarriesScores(t *testing.T) {
	st, eng := openTestGraph(t)

	a, err := st.AddNode("claim", nil)
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		got, err := Collect(Scored(txn, st, []storage.ID{a}, []float64{0.42}))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, KindNodeWithScore, got[0].Kind)
		assert.Equal(t, a, got[0].ID())
		assert.Equal(t, 0.42, got[0].Score)
	})
}

func TestOutAndInExpansion(t *testing.T) {
	st, eng := openTestGraph(t)

	u, _ := st.AddNode("person", nil)
	v, _ := st.AddNode("person", nil)
	w, _ := st.AddNode("person", nil)
	_, err := st.AddEdge("knows", u, v, nil)
	require.NoError(t, err)
	_, err = st.AddEdge("knows", u, w, nil)
	require.NoError(t, err)
	_, err = st.AddEdge("blocks", u, w, nil)
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		src := Nodes(txn, st, []storage.ID{u})
		got := collectIDs(t, Out(txn, st, src, "knows"))
		assert.Equal(t, []storage.ID{v, w}, got, "expansion follows storage order")

		src = Nodes(txn, st, []storage.ID{w})
		got = collectIDs(t, In(txn, st, src, "blocks"))
		assert.Equal(t, []storage.ID{u}, got)

		src = Nodes(txn, st, []storage.ID{u})
		got = collectIDs(t, Out(txn, st, src, "likes"))
		assert.Empty(t, got)
	})
}

func TestTwoHopPipeline(t *testing.T) {
	st, eng := openTestGraph(t)

	a, _ := st.AddNode("person", nil)
	b, _ := st.AddNode("person", nil)
	c, _ := st.AddNode("person", nil)
	_, err := st.AddEdge("knows", a, b, nil)
	require.NoError(t, err)
	_, err = st.AddEdge("knows", b, c, nil)
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		src := Nodes(txn, st, []storage.ID{a})
		hop2 := Out(txn, st, Out(txn, st, src, "knows"), "knows")
		got := collectIDs(t, hop2)
		assert.Equal(t, []storage.ID{c}, got)
	})
}

func TestOutEdgeYieldsEdgeRecords(t *testing.T) {
	st, eng := openTestGraph(t)

	u, _ := st.AddNode("person", nil)
	v, _ := st.AddNode("person", nil)
	e, err := st.AddEdge("knows", u, v, codec.Properties{"since": int64(2020)})
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		got, err := Collect(OutEdge(txn, st, Nodes(txn, st, []storage.ID{u}), "knows"))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, KindEdge, got[0].Kind)
		assert.Equal(t, e, got[0].Edge.ID)
		assert.Equal(t, u, got[0].Edge.From)
		assert.Equal(t, v, got[0].Edge.To)
		assert.Equal(t, int64(2020), got[0].Edge.Props["since"])
	})
}

func TestExpandMultipleSources(t *testing.T) {
	st, eng := openTestGraph(t)

	u1, _ := st.AddNode("person", nil)
	u2, _ := st.AddNode("person", nil)
	v1, _ := st.AddNode("person", nil)
	v2, _ := st.AddNode("person", nil)
	_, err := st.AddEdge("knows", u1, v1, nil)
	require.NoError(t, err)
	_, err = st.AddEdge("knows", u2, v2, nil)
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		src := Nodes(txn, st, []storage.ID{u1, u2})
		got := collectIDs(t, Out(txn, st, src, "knows"))
		assert.Equal(t, []storage.ID{v1, v2}, got, "each source contributes its own expansion")
	})
}

func TestExpandFirstTouchesOneSource(t *testing.T) {
	st, eng := openTestGraph(t)

	u1, _ := st.AddNode("person", nil)
	u2 := storage.NewID() // never created: pulling it would fail
	v1, _ := st.AddNode("person", nil)
	_, err := st.AddEdge("knows", u1, v1, nil)
	require.NoError(t, err)

	inView(t, eng, func(txn *badger.Txn) {
		src := Nodes(txn, st, []storage.ID{u1, u2})
		it, ok, err := First(Out(txn, st, src, "knows"))
		require.NoError(t, err, "the missing second source must never be pulled")
		require.True(t, ok)
		assert.Equal(t, v1, it.ID())
	})
}

func TestAllNodesInIDOrder(t *testing.T) {
	st, eng := openTestGraph(t)

	var want []storage.ID
	for i := 0; i < 5; i++ {
		id, err := st.AddNode("n", nil)
		require.NoError(t, err)
		want = append(want, id)
	}

	inView(t, eng, func(txn *badger.Txn) {
		got := collectIDs(t, AllNodes(txn, st))
		assert.Equal(t, want, got, "UUIDv7 allocation order matches key order")
	})
}

func TestItemID(t *testing.T) {
	n := graph.Node{ID: storage.NewID()}
	e := graph.Edge{ID: storage.NewID()}

	assert.Equal(t, n.ID, NodeItem(n).ID())
	assert.Equal(t, e.ID, EdgeItem(e).ID())
	assert.Equal(t, n.ID, ScoredItem(n, 1.0).ID())
	assert.True(t, ValueItem(7).ID().IsZero())
}
