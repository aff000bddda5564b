// Package vector implements the persistent HNSW index.
//
// The navigable small-world graph lives in memory and is mirrored into two
// storage tables on every write: vector_meta holds one record per vector
// (tombstone flag, level, label hash, normalized embedding, properties) and
// vector_hnsw holds one neighbor list per (layer, vector). Load rebuilds
// the in-memory graph from those tables at open.
//
// Deletion is a tombstone: the record stays in the graph for routing until
// offline compaction, but a tombstoned vector is never returned and never
// admitted to a search beam. Search accepts an optional predicate; with
// trickle enabled the predicate gates beam admission so the candidate set
// is not polluted by unreadable documents, otherwise it is applied only at
// final materialization.
package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Options contains HNSW construction and search parameters.
type Options struct {
	M              int     // max connections per node per layer
	EfConstruction int     // candidate list size during construction
	EfSearch       int     // candidate list size during search
	LevelMult      float64 // geometric level multiplier, 1/ln(M)
}

// DefaultOptions returns the standard HNSW parameters.
func DefaultOptions() Options {
	return Options{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		LevelMult:      1.0 / math.Log(16.0),
	}
}

type node struct {
	id        storage.ID
	labelHash uint32
	vec       []float32
	level     int
	neighbors [][]storage.ID
	deleted   bool
}

// Result is one search hit. Distance is cosine distance, ascending better.
type Result struct {
	ID       storage.ID
	Distance float64
}

// Filter is a candidate predicate. Return false to reject an id.
type Filter func(id storage.ID) bool

// Index is a persistent HNSW index over normalized float32 embeddings.
//
// Example:
//
//	idx, _ := vector.Load(eng, 768, vector.DefaultOptions())
//	idx.Add(id, "document", embedding, nil)
//	hits, _ := idx.Search(ctx, query, 10, vector.Query{Label: "document"})
type Index struct {
	opts Options
	dims int
	eng  *storage.Engine

	mu       sync.RWMutex
	nodes    map[storage.ID]*node
	entry    storage.ID
	maxLevel int
	rng      *rand.Rand
}

// Query carries the optional search constraints.
type Query struct {
	// Label restricts hits to vectors registered under this label.
	// Empty means no label constraint.
	Label string

	// Filter, when set, rejects candidate ids.
	Filter Filter

	// Trickle applies Filter during beam expansion instead of after it.
	Trickle bool

	// Ef overrides the index-level EfSearch for this query when > 0.
	Ef int
}

// New creates an empty index without touching storage. Tests use this for
// pure in-memory runs; production code goes through Load.
func New(eng *storage.Engine, dims int, opts Options) *Index {
	if opts.M == 0 {
		opts = DefaultOptions()
	}
	if opts.LevelMult == 0 {
		opts.LevelMult = 1.0 / math.Log(float64(opts.M))
	}
	return &Index{
		opts:  opts,
		dims:  dims,
		eng:   eng,
		nodes: make(map[storage.ID]*node),
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
}

// Len returns the number of live (non-tombstoned) vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, nd := range ix.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

// Dims returns the embedding dimensionality the index was opened with.
func (ix *Index) Dims() int { return ix.dims }

// Add inserts a vector under id. The embedding is normalized before
// linking so dot products are cosine similarities. props travel with the
// vector_meta record and come back from Meta.
func (ix *Index) Add(id storage.ID, label string, vec []float32, props codec.Properties) error {
	if len(vec) != ix.dims {
		return fmt.Errorf("%w: embedding has %d dims, index expects %d", storage.ErrInvalidArgument, len(vec), ix.dims)
	}
	normalized := normalize(vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.nodes[id]; ok && !existing.deleted {
		return fmt.Errorf("%w: vector %s already indexed", storage.ErrInvalidArgument, id)
	}

	level := ix.randomLevel()
	nd := &node{
		id:        id,
		labelHash: storage.LabelHash(label),
		vec:       normalized,
		level:     level,
		neighbors: make([][]storage.ID, level+1),
	}
	for i := range nd.neighbors {
		nd.neighbors[i] = make([]storage.ID, 0, ix.opts.M)
	}
	ix.nodes[id] = nd

	dirty := map[storage.ID]*node{id: nd}

	if len(ix.nodes) == 1 {
		ix.entry = id
		ix.maxLevel = level
		return ix.persist(nd, props, dirty)
	}

	ep := ix.entry
	epLevel := ix.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = ix.searchLayerSingle(normalized, ep, l)
	}

	for l := minInt(level, epLevel); l >= 0; l-- {
		candidates := ix.searchLayer(normalized, ep, ix.opts.EfConstruction, l, nil)
		neighbors := ix.selectNeighbors(normalized, candidates, ix.opts.M)
		nd.neighbors[l] = neighbors

		for _, nid := range neighbors {
			nb := ix.nodes[nid]
			if len(nb.neighbors) <= l {
				continue
			}
			if len(nb.neighbors[l]) < ix.opts.M {
				nb.neighbors[l] = append(nb.neighbors[l], id)
			} else {
				all := append(nb.neighbors[l], id)
				nb.neighbors[l] = ix.selectNeighbors(nb.vec, all, ix.opts.M)
			}
			dirty[nid] = nb
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > ix.maxLevel {
		ix.entry = id
		ix.maxLevel = level
	}

	return ix.persist(nd, props, dirty)
}

// Delete tombstones a vector. The graph links stay in place for routing;
// physical removal happens at offline compaction. Deleting an absent or
// already tombstoned id returns ErrNotFound.
func (ix *Index) Delete(id storage.ID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	nd, ok := ix.nodes[id]
	if !ok || nd.deleted {
		return storage.ErrNotFound
	}
	nd.deleted = true

	if ix.entry == id {
		ix.reselectEntry()
	}
	return ix.persistTombstone(nd)
}

// reselectEntry picks the live node with the highest level as the new
// entry point. Caller holds the write lock.
func (ix *Index) reselectEntry() {
	ix.entry = storage.ZeroID
	ix.maxLevel = 0
	best := -1
	for nid, n := range ix.nodes {
		if n.deleted {
			continue
		}
		if n.level > best || (n.level == best && nid.Less(ix.entry)) {
			best = n.level
			ix.entry = nid
			ix.maxLevel = n.level
		}
	}
}

// Search returns the k nearest live vectors to query by cosine distance,
// ascending. The query need not be normalized.
func (ix *Index) Search(ctx context.Context, query []float32, k int, q Query) ([]Result, error) {
	if len(query) != ix.dims {
		return nil, fmt.Errorf("%w: query has %d dims, index expects %d", storage.ErrInvalidArgument, len(query), ix.dims)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", storage.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.nodes) == 0 {
		return []Result{}, nil
	}

	var labelHash uint32
	hasLabel := q.Label != ""
	if hasLabel {
		labelHash = storage.LabelHash(q.Label)
	}

	// eligible gates admission to the layer-0 beam. Tombstones and label
	// mismatches always reject; the caller predicate rejects only when
	// trickle is on.
	eligible := func(id storage.ID) bool {
		nd := ix.nodes[id]
		if nd.deleted {
			return false
		}
		if hasLabel && nd.labelHash != labelHash {
			return false
		}
		if q.Trickle && q.Filter != nil && !q.Filter(id) {
			return false
		}
		return true
	}

	normalized := normalize(query)

	ep := ix.entry
	if ep.IsZero() || !eligible(ep) {
		var ok bool
		ep, ok = ix.nextValidEntry(eligible)
		if !ok {
			return []Result{}, nil
		}
	}

	for l := ix.nodes[ep].level; l > 0; l-- {
		ep = ix.searchLayerSingle(normalized, ep, l)
	}
	if !eligible(ep) {
		var ok bool
		ep, ok = ix.nextValidEntry(eligible)
		if !ok {
			return []Result{}, nil
		}
	}

	ef := ix.opts.EfSearch
	if q.Ef > 0 {
		ef = q.Ef
	}
	if ef < k {
		ef = k
	}
	candidates := ix.searchLayer(normalized, ep, ef, 0, eligible)

	results := make([]Result, 0, k)
	for _, cid := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, storage.ErrCancelled
		}
		if !q.Trickle && q.Filter != nil && !q.Filter(cid) {
			continue
		}
		nd := ix.nodes[cid]
		results = append(results, Result{ID: cid, Distance: 1.0 - dot(normalized, nd.vec)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID.Less(results[j].ID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// nextValidEntry finds the eligible node with the highest level, for when
// the stored entry point is tombstoned or fails the beam predicate.
func (ix *Index) nextValidEntry(eligible func(storage.ID) bool) (storage.ID, bool) {
	best := storage.ZeroID
	bestLevel := -1
	for nid, n := range ix.nodes {
		if !eligible(nid) {
			continue
		}
		if n.level > bestLevel || (n.level == bestLevel && nid.Less(best)) {
			best = nid
			bestLevel = n.level
		}
	}
	return best, bestLevel >= 0
}

// searchLayerSingle is the greedy descent used above layer 0: follow the
// single closest neighbor until no improvement. Tombstoned nodes are not
// taken as descent targets.
func (ix *Index) searchLayerSingle(query []float32, entryID storage.ID, level int) storage.ID {
	current := entryID
	currentDist := 1.0 - dot(query, ix.nodes[current].vec)

	for {
		changed := false
		nd := ix.nodes[current]
		if level >= len(nd.neighbors) {
			break
		}
		for _, nid := range nd.neighbors[level] {
			nb := ix.nodes[nid]
			if nb == nil || nb.deleted {
				continue
			}
			d := 1.0 - dot(query, nb.vec)
			if d < currentDist {
				current = nid
				currentDist = d
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

// searchLayer is the beam search. eligible, when non-nil, gates admission
// of expanded neighbors; the construction path passes nil and sees the
// whole graph, tombstones included, so links stay navigable.
func (ix *Index) searchLayer(query []float32, entryID storage.ID, ef, level int, eligible func(storage.ID) bool) []storage.ID {
	visited := map[storage.ID]bool{entryID: true}

	candidates := &distHeap{}
	heap.Init(candidates)
	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - dot(query, ix.nodes[entryID].vec)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		nd := ix.nodes[closest.id]
		if level >= len(nd.neighbors) {
			continue
		}
		for _, nid := range nd.neighbors[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			nb := ix.nodes[nid]
			if nb == nil {
				continue
			}
			if eligible != nil && !eligible(nid) {
				continue
			}
			d := 1.0 - dot(query, nb.vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, distItem{id: nid, dist: d})
				heap.Push(results, distItem{id: nid, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]storage.ID, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

func (ix *Index) selectNeighbors(query []float32, candidates []storage.ID, m int) []storage.ID {
	if len(candidates) <= m {
		out := make([]storage.ID, len(candidates))
		copy(out, candidates)
		return out
	}
	type distNode struct {
		id   storage.ID
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: 1.0 - dot(query, ix.nodes[cid].vec)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	out := make([]storage.ID, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].id
	}
	return out
}

func (ix *Index) randomLevel() int {
	r := ix.rng.Float64()
	for r == 0 {
		r = ix.rng.Float64()
	}
	return int(-math.Log(r) * ix.opts.LevelMult)
}

func dot(a, b []float32) float64 {
	return float64(vek32.Dot(a, b))
}

func normalize(v []float32) []float32 {
	n := vek32.Norm(v)
	if n == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	return vek32.DivNumber(v, n)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
