package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelHashDeterministic(t *testing.T) {
	assert.Equal(t, LabelHash("mentions"), LabelHash("mentions"))
	assert.NotEqual(t, LabelHash("mentions"), LabelHash("supports"))
}

func TestAdjKeyRoundTrip(t *testing.T) {
	node, edge, other := NewID(), NewID(), NewID()
	lh := LabelHash("knows")

	key := AdjKey(TableOutEdges, node, lh, edge, other)
	require.Len(t, key, 53)

	gotEdge, gotOther, ok := UnpackAdjKey(key)
	require.True(t, ok)
	assert.Equal(t, edge, gotEdge)
	assert.Equal(t, other, gotOther)

	gotLH, ok := UnpackAdjLabelHash(key)
	require.True(t, ok)
	assert.Equal(t, lh, gotLH)

	assert.True(t, bytes.HasPrefix(key, AdjPrefix(TableOutEdges, node, lh)))
	assert.True(t, bytes.HasPrefix(key, AdjNodePrefix(TableOutEdges, node)))
}

func TestUnpackAdjKeyRejectsBadLength(t *testing.T) {
	_, _, ok := UnpackAdjKey([]byte{0x03, 0x01})
	assert.False(t, ok)
}

func TestPostingKeyRoundTrip(t *testing.T) {
	doc := NewID()
	th := TermHash("retrieval")

	key := PostingKey(th, doc)
	assert.True(t, bytes.HasPrefix(key, PostingPrefix(th)))

	got, ok := UnpackPostingDoc(key)
	require.True(t, ok)
	assert.Equal(t, doc, got)
}

func TestPPRDepKeyRoundTrip(t *testing.T) {
	entity := NewID()
	cacheKey := "ppr:v1:entity:abc:3"

	key := PPRDepKey(entity, cacheKey)
	assert.True(t, bytes.HasPrefix(key, PPRDepPrefix(entity)))

	got, ok := UnpackPPRDepCacheKey(key)
	require.True(t, ok)
	assert.Equal(t, cacheKey, got)
}

func TestUniqueIdxKeySeparatesFieldsFromValues(t *testing.T) {
	lh := LabelHash("person")
	// Without a terminator ("ab", "c") and ("a", "bc") would collide.
	k1 := UniqueIdxKey(lh, "ab", []byte("c"))
	k2 := UniqueIdxKey(lh, "a", []byte("bc"))
	assert.NotEqual(t, k1, k2)
}

func TestSecondaryIdxKeyRoundTrip(t *testing.T) {
	lh := LabelHash("person")
	node := NewID()

	prefix := SecondaryIdxPrefix(lh, "team", []byte("core"))
	key := SecondaryIdxKey(lh, "team", []byte("core"), node)
	require.True(t, bytes.HasPrefix(key, prefix))

	got, ok := UnpackSecondaryIdxNode(prefix, key)
	require.True(t, ok)
	assert.Equal(t, node, got)

	// A longer value shares the prefix but must be rejected by unpack.
	longer := SecondaryIdxKey(lh, "team", []byte("core2"), node)
	require.True(t, bytes.HasPrefix(longer, prefix))
	_, ok = UnpackSecondaryIdxNode(prefix, longer)
	assert.False(t, ok)
}

func TestIDOrderingMatchesKeyOrder(t *testing.T) {
	a, err := ParseID("00000000-0000-7000-8000-000000000001")
	require.NoError(t, err)
	b, err := ParseID("00000000-0000-7000-8000-000000000002")
	require.NoError(t, err)

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
	assert.Equal(t, -1, bytes.Compare(NodeKey(a), NodeKey(b)))
}

func TestIDFromBytes(t *testing.T) {
	id := NewID()
	got, err := IDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = IDFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewIDIsMonotonicEnough(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.NotEqual(t, prev, next)
		assert.False(t, next.IsZero())
		prev = next
	}
}
