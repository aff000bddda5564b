package ppr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

func addClaim(t *testing.T, st *graph.Store, approval, lifecycle string, stale bool) storage.ID {
	t.Helper()
	id, err := st.AddNode("claim", codec.Properties{
		"approval_status":  approval,
		"lifecycle_status": lifecycle,
		"stale":            stale,
	})
	require.NoError(t, err)
	return id
}

func TestClaimFilterPolicy(t *testing.T) {
	_, st := openTestEngine(t)
	filter := ClaimFilter(st)

	assert.True(t, filter(addClaim(t, st, "auto", "active", false)))
	assert.True(t, filter(addClaim(t, st, "approved", "active", false)))
	assert.False(t, filter(addClaim(t, st, "pending", "active", false)))
	assert.False(t, filter(addClaim(t, st, "rejected", "active", false)))
	assert.False(t, filter(addClaim(t, st, "approved", "archived", false)))
	assert.False(t, filter(addClaim(t, st, "approved", "active", true)))
}

func TestClaimFilterNonClaimsPass(t *testing.T) {
	_, st := openTestEngine(t)
	filter := ClaimFilter(st)

	entity, err := st.AddNode("entity", nil)
	require.NoError(t, err)
	assert.True(t, filter(entity), "the policy only constrains claim nodes")
}

func TestClaimFilterMissingStatusFields(t *testing.T) {
	_, st := openTestEngine(t)
	filter := ClaimFilter(st)

	bare, err := st.AddNode("claim", nil)
	require.NoError(t, err)
	assert.False(t, filter(bare), "a claim without statuses is unreadable")
}

func TestClaimFilterUnknownNodeExcluded(t *testing.T) {
	_, st := openTestEngine(t)
	filter := ClaimFilter(st)
	assert.False(t, filter(storage.NewID()))
}

func TestClaimFilterMemoizes(t *testing.T) {
	_, st := openTestEngine(t)
	filter := ClaimFilter(st)

	id := addClaim(t, st, "approved", "active", false)
	require.True(t, filter(id))

	// The verdict is cached, so a later status flip is not observed until
	// a fresh filter is built.
	require.NoError(t, st.UpdateNodeProps(id, codec.Properties{
		"approval_status":  "rejected",
		"lifecycle_status": "active",
		"stale":            false,
	}))
	assert.True(t, filter(id))
	assert.False(t, ClaimFilter(st)(id))
}

func TestFilterUniverse(t *testing.T) {
	_, st := openTestEngine(t)

	good := addClaim(t, st, "auto", "active", false)
	bad := addClaim(t, st, "pending", "active", false)

	kept := FilterUniverse([]storage.ID{good, bad}, ClaimFilter(st))
	assert.Equal(t, []storage.ID{good}, kept)

	all := []storage.ID{good, bad}
	assert.Equal(t, all, FilterUniverse(all, nil))
}

func TestRunWithClaimFilter(t *testing.T) {
	e, st := openTestEngine(t)

	seed, err := st.AddNode("entity", nil)
	require.NoError(t, err)
	visible := addClaim(t, st, "approved", "active", false)
	hidden := addClaim(t, st, "pending", "active", false)
	addEdge(t, st, "supports", seed, visible)
	addEdge(t, st, "supports", seed, hidden)

	results, err := e.Run(context.Background(), Params{
		Seeds:      []storage.ID{seed},
		Universe:   []storage.ID{seed, visible, hidden},
		MaxDepth:   1,
		Damping:    0.85,
		Limit:      10,
		NodeFilter: ClaimFilter(st),
	})
	require.NoError(t, err)

	_, found := scoreOf(results, visible)
	assert.True(t, found)
	_, found = scoreOf(results, hidden)
	assert.False(t, found, "unapproved claims receive no mass")
}
