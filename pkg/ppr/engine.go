// Package ppr implements personalized PageRank over the graph store, plus
// the result cache and its warmup job.
//
// The engine is a bounded-depth frontier propagation rather than a full
// power iteration: for the small depths used in practice (2-3) the
// approximation is within tolerance and avoids materializing a transition
// matrix, which would also not compose with per-edge-type weight
// overrides. Teleport is folded into the step recurrence, so each hop
// restarts (1 - damping) of the seed distribution at the seeds.
package ppr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/metrics"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// DefaultPartOfMaxHops caps how deep part_of containment edges propagate
// mass when Params leaves the bound unset. Past this frontier depth a
// part_of edge carries nothing.
const DefaultPartOfMaxHops = 2

// defaultEdgeWeight applies to edge labels absent from the weight table.
const defaultEdgeWeight = 0.5

// scoreThreshold discards numerically dead mass.
const scoreThreshold = 1e-10

// DefaultWeights is the exhaustive default weight per edge label.
// opposes is zero on purpose: contradiction edges must never propagate
// endorsement.
var DefaultWeights = map[string]float64{
	"belongs_to":      1.0,
	"participates_in": 1.0,
	"attached":        0.8,
	"authored_by":     0.9,
	"mentions":        0.6,
	"about":           0.5,
	"supports":        1.0,
	"opposes":         0.0,
	"claim_of":        1.0,
	"scoped_to":       0.7,
	"supersedes":      0.3,
	"derived_from":    0.2,
	"part_of":         0.8,
}

// Filter is a per-node predicate applied at expansion, for policies that
// cannot be expressed purely as a universe set.
type Filter func(id storage.ID) bool

// Params configures one PPR run.
type Params struct {
	// Seeds is the personalization set. Seeds outside Universe are
	// silently dropped; an empty surviving set yields an empty result.
	Seeds []storage.ID

	// Universe is the set of node ids the caller is permitted to see.
	// Mass never flows to or through nodes outside it.
	Universe []storage.ID

	// MaxDepth bounds the frontier propagation. Zero returns the seed
	// distribution itself.
	MaxDepth int

	// Damping is the continuation probability, in [0, 1].
	Damping float64

	// Limit truncates the ranked result.
	Limit int

	// WeightOverrides replaces default weights per edge label.
	WeightOverrides map[string]float64

	// Normalize rescales final scores into a probability distribution.
	Normalize bool

	// PartOfMaxHops caps how deep part_of containment edges propagate
	// mass. Zero selects DefaultPartOfMaxHops; to silence part_of
	// entirely, override its weight to zero instead.
	PartOfMaxHops int

	// NodeFilter, when set, rejects a node's mass at expansion.
	NodeFilter Filter
}

// DefaultParams returns the standard depth/damping/limit settings with
// normalization on.
func DefaultParams() Params {
	return Params{MaxDepth: 3, Damping: 0.85, Limit: 50, Normalize: true, PartOfMaxHops: DefaultPartOfMaxHops}
}

// Scored is one ranked result entry.
type Scored struct {
	ID    storage.ID
	Score float64
}

// Engine runs PPR against a graph store.
type Engine struct {
	store *graph.Store

	partOfHash uint32
}

// NewEngine builds a PPR engine over store.
func NewEngine(store *graph.Store) *Engine {
	return &Engine{
		store:      store,
		partOfHash: storage.LabelHash("part_of"),
	}
}

// neighbor is one weighted adjacency entry of an expanded node.
type neighbor struct {
	id     storage.ID
	weight float64
	partOf bool
}

// expansion caches a node's universe-constrained weighted neighborhood
// and its weighted degree, computed lazily the first time the node is
// expanded.
type expansion struct {
	neighbors []neighbor
	degW      float64
}

// Run executes one PPR computation. The whole run reads from a single
// storage snapshot; a mutation committed mid-run is not observed.
func (e *Engine) Run(ctx context.Context, p Params) ([]Scored, error) {
	if p.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: negative max_depth", storage.ErrInvalidArgument)
	}
	if p.Damping < 0 || p.Damping > 1 {
		return nil, fmt.Errorf("%w: damping %v outside [0,1]", storage.ErrInvalidArgument, p.Damping)
	}
	if p.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidArgument)
	}
	if p.PartOfMaxHops < 0 {
		return nil, fmt.Errorf("%w: negative part_of_max_hops", storage.ErrInvalidArgument)
	}
	partOfMaxHops := p.PartOfMaxHops
	if partOfMaxHops == 0 {
		partOfMaxHops = DefaultPartOfMaxHops
	}

	start := time.Now()
	defer func() {
		metrics.PPRLiveDuration.Observe(time.Since(start).Seconds())
	}()

	universe := make(map[storage.ID]struct{}, len(p.Universe))
	for _, id := range p.Universe {
		universe[id] = struct{}{}
	}

	seedScore := make(map[storage.ID]float64)
	for _, s := range p.Seeds {
		if _, ok := universe[s]; ok {
			seedScore[s] = 0
		}
	}
	if len(seedScore) == 0 {
		return []Scored{}, nil
	}
	init := 1.0 / float64(len(seedScore))
	for s := range seedScore {
		seedScore[s] = init
	}

	if p.MaxDepth == 0 {
		return e.finish(seedScore, p)
	}

	weightsByHash := resolveWeights(p.WeightOverrides)

	var final map[storage.ID]float64
	err := e.store.Engine().View(func(txn *badger.Txn) error {
		expansions := make(map[storage.ID]*expansion)
		expand := func(u storage.ID) (*expansion, error) {
			if ex, ok := expansions[u]; ok {
				return ex, nil
			}
			ex := &expansion{}
			for _, dir := range []graph.Direction{graph.Out, graph.In} {
				err := e.store.ScanAllNeighbors(txn, u, dir, func(lh uint32, n graph.Neighbor) (bool, error) {
					w, ok := weightsByHash[lh]
					if !ok {
						w = defaultEdgeWeight
					}
					if w <= 0 {
						return true, nil
					}
					if _, ok := universe[n.Other]; !ok {
						return true, nil
					}
					ex.neighbors = append(ex.neighbors, neighbor{
						id:     n.Other,
						weight: w,
						partOf: lh == e.partOfHash,
					})
					ex.degW += w
					return true, nil
				})
				if err != nil {
					return nil, err
				}
			}
			expansions[u] = ex
			return ex, nil
		}

		prev := seedScore
		acc := make(map[storage.ID]float64)

		for d := 1; d <= p.MaxDepth; d++ {
			if err := ctx.Err(); err != nil {
				return storage.ErrCancelled
			}

			next := make(map[storage.ID]float64, len(prev))
			for s, s0 := range seedScore {
				next[s] += s0 * (1 - p.Damping)
			}

			for u, mass := range prev {
				if mass < scoreThreshold {
					continue
				}
				ex, err := expand(u)
				if err != nil {
					return err
				}
				if ex.degW == 0 {
					continue
				}
				for _, nb := range ex.neighbors {
					if nb.partOf && d > partOfMaxHops {
						continue
					}
					if p.NodeFilter != nil && !p.NodeFilter(nb.id) {
						continue
					}
					next[nb.id] += mass * p.Damping * nb.weight / ex.degW
				}
			}

			for id, s := range next {
				acc[id] += s
			}
			prev = next
		}

		final = acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.finish(final, p)
}

// finish drops dead mass, optionally normalizes, and ranks.
func (e *Engine) finish(scores map[storage.ID]float64, p Params) ([]Scored, error) {
	ranked := make([]Scored, 0, len(scores))
	var total float64
	for id, s := range scores {
		if s < scoreThreshold {
			continue
		}
		ranked = append(ranked, Scored{ID: id, Score: s})
		total += s
	}
	if p.Normalize && total > 0 {
		for i := range ranked {
			ranked[i].Score /= total
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID.Less(ranked[j].ID)
	})
	if len(ranked) > p.Limit {
		ranked = ranked[:p.Limit]
	}
	return ranked, nil
}

// resolveWeights merges overrides onto the default table, keyed by label
// hash for direct comparison against adjacency keys.
func resolveWeights(overrides map[string]float64) map[uint32]float64 {
	out := make(map[uint32]float64, len(DefaultWeights)+len(overrides))
	for label, w := range DefaultWeights {
		out[storage.LabelHash(label)] = w
	}
	for label, w := range overrides {
		out[storage.LabelHash(label)] = w
	}
	return out
}
