// Package retrieval exposes the three search operators over the vector
// and fulltext indexes: SearchV, SearchBM25, and SearchHybrid.
//
// Hybrid search fuses the two candidate lists with Reciprocal Rank Fusion
// rather than normalizing raw scores against each other. Each list votes
// for a document with 1/(k + rank + 1) over 0-based ranks, k = 60 per
// Cormack et al.; the vote gap between adjacent ranks is small but a
// better rank always counts for more.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/helixgraph/pkg/fulltext"
	"github.com/orneryd/helixgraph/pkg/metrics"
	"github.com/orneryd/helixgraph/pkg/storage"
	"github.com/orneryd/helixgraph/pkg/vector"
)

// rrfK smooths rank differences in the fusion formula.
const rrfK = 60

// Prefilter is a candidate-set predicate (vault, space, staleness). It is
// pushed down to both indexes so unreadable documents never occupy
// candidate slots.
type Prefilter func(id storage.ID) bool

// Hit is one retrieval result. Score semantics depend on the operator:
// cosine similarity for SearchV, BM25 for SearchBM25, fused RRF mass for
// SearchHybrid.
type Hit struct {
	ID    storage.ID
	Score float64
}

// Retriever bundles the two indexes behind the search operators.
type Retriever struct {
	vec *vector.Index
	ft  *fulltext.Index
}

// NewRetriever builds a retriever over the given indexes.
func NewRetriever(vec *vector.Index, ft *fulltext.Index) *Retriever {
	return &Retriever{vec: vec, ft: ft}
}

// SearchV runs ANN search over the vector index. When prefilter is set
// the index is invoked in trickle mode so the beam itself honors the
// predicate. Scores are cosine similarities, descending.
func (r *Retriever) SearchV(ctx context.Context, queryVec []float32, k int, label string, prefilter Prefilter) ([]Hit, error) {
	results, err := r.vec.Search(ctx, queryVec, k, vector.Query{
		Label:   label,
		Filter:  vectorFilter(prefilter),
		Trickle: prefilter != nil,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, res := range results {
		hits[i] = Hit{ID: res.ID, Score: 1.0 - res.Distance}
	}
	return hits, nil
}

// SearchBM25 runs keyword search over the fulltext index.
func (r *Retriever) SearchBM25(ctx context.Context, queryText string, k int, label string, prefilter Prefilter) ([]Hit, error) {
	results, err := r.ft.Search(ctx, queryText, label, k, fulltextFilter(prefilter))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, res := range results {
		hits[i] = Hit{ID: res.ID, Score: res.Score}
	}
	return hits, nil
}

// SearchHybrid overfetches from both indexes, fuses with RRF, and returns
// the top k by fused score.
func (r *Retriever) SearchHybrid(ctx context.Context, queryVec []float32, queryText string, k int, label string, prefilter Prefilter) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", storage.ErrInvalidArgument)
	}
	start := time.Now()
	defer func() {
		metrics.HybridSearchDuration.Observe(time.Since(start).Seconds())
	}()

	overfetch := 2 * k

	vecHits, err := r.SearchV(ctx, queryVec, overfetch, label, prefilter)
	if err != nil {
		return nil, err
	}
	textHits, err := r.SearchBM25(ctx, queryText, overfetch, label, prefilter)
	if err != nil {
		return nil, err
	}

	fused := fuseRRF(vecHits, textHits)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// fuseRRF merges ranked lists by reciprocal rank. Duplicate ids
// accumulate votes from every list they appear in; the id set is
// deduplicated at the first occurrence.
func fuseRRF(lists ...[]Hit) []Hit {
	scores := make(map[storage.ID]float64)
	order := make([]storage.ID, 0)

	for _, list := range lists {
		for rank, hit := range list {
			if _, seen := scores[hit.ID]; !seen {
				order = append(order, hit.ID)
			}
			scores[hit.ID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	fused := make([]Hit, 0, len(order))
	for _, id := range order {
		fused = append(fused, Hit{ID: id, Score: scores[id]})
	}
	sortHits(fused)
	return fused
}

func vectorFilter(p Prefilter) vector.Filter {
	if p == nil {
		return nil
	}
	return vector.Filter(p)
}

func fulltextFilter(p Prefilter) fulltext.Filter {
	if p == nil {
		return nil
	}
	return fulltext.Filter(p)
}
