package ppr

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Claim policy: a claim node is readable when its approval status is auto
// or approved, its lifecycle is active, and it is not stale. Nodes that
// are not claims pass unconditionally.
const (
	fieldApprovalStatus  = "approval_status"
	fieldLifecycleStatus = "lifecycle_status"
	fieldStale           = "stale"
)

// claimFilterCacheSize bounds the per-filter verdict memo. Hot universes
// revisit the same nodes across PPR runs, so verdicts are worth keeping.
const claimFilterCacheSize = 8192

// ClaimFilter builds the standard claim-policy predicate over store.
// Verdicts are memoized in an LRU keyed by node id; build a fresh filter
// after mutating claim statuses.
func ClaimFilter(store *graph.Store) Filter {
	claimHash := storage.LabelHash("claim")
	memo, _ := lru.New[storage.ID, bool](claimFilterCacheSize)

	return func(id storage.ID) bool {
		if verdict, ok := memo.Get(id); ok {
			return verdict
		}
		verdict := evalClaim(store, claimHash, id)
		memo.Add(id, verdict)
		return verdict
	}
}

func evalClaim(store *graph.Store, claimHash uint32, id storage.ID) bool {
	n, err := store.GetNode(id)
	if err != nil {
		// Unreadable nodes are excluded rather than failing the run.
		return false
	}
	if n.LabelHash != claimHash {
		return true
	}

	approval, _ := n.Props[fieldApprovalStatus].(string)
	if approval != "auto" && approval != "approved" {
		return false
	}
	lifecycle, _ := n.Props[fieldLifecycleStatus].(string)
	if lifecycle != "active" {
		return false
	}
	if stale, ok := n.Props[fieldStale].(bool); ok && stale {
		return false
	}
	return true
}

// FilterUniverse applies a node filter to a universe up front, for
// callers that prefer shrinking the universe over per-expansion checks.
func FilterUniverse(universe []storage.ID, filter Filter) []storage.ID {
	if filter == nil {
		return universe
	}
	kept := make([]storage.ID, 0, len(universe))
	for _, id := range universe {
		if filter(id) {
			kept = append(kept, id)
		}
	}
	return kept
}
