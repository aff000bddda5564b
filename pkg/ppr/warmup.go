package ppr

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/metrics"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Warmup candidate scoring: mention_count decayed with a 7-day half-life,
// so an entity mentioned often but long ago ranks below one mentioned
// recently.
const warmupHalfLifeDays = 7.0

// WarmupOptions configures one warmup run.
type WarmupOptions struct {
	// Vault and EntityType name the cache keyspace being warmed.
	Vault      string
	EntityType string

	// TopN bounds how many candidates are computed.
	TopN int

	// Window excludes entities not touched within it. Zero means 30 days.
	Window time.Duration

	// Budget bounds the whole run's wall time. Zero means no budget.
	Budget time.Duration

	// Parallelism bounds concurrent PPR runs. Zero means 4.
	Parallelism int

	// Params is the base PPR parameter set, universe included.
	Params Params

	// UniverseFn, when set, resolves the universe per vault for the
	// refresh pass. Defaults to Params.Universe.
	UniverseFn func(vault string) ([]storage.ID, error)
}

// WarmupResult reports what a run accomplished.
type WarmupResult struct {
	Created   int
	Refreshed int
	Skipped   int
	Errors    int
}

// warmupCandidate is one scored entity considered for precomputation.
type warmupCandidate struct {
	id    storage.ID
	score float64
}

// Warmup precomputes cache entries for the hottest entities: candidates
// are ranked by recency-decayed mention count, then computed under the
// time budget. Entities whose entry is already fresh are skipped.
func (c *Cache) Warmup(ctx context.Context, opts WarmupOptions) (WarmupResult, error) {
	if opts.TopN == 0 {
		opts.TopN = 100
	}
	if opts.Window == 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = 4
	}
	if opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Budget)
		defer cancel()
	}

	candidates, err := c.selectCandidates(opts)
	if err != nil {
		return WarmupResult{}, err
	}

	var (
		mu  sync.Mutex
		res WarmupResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)

	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}
			key := Key(opts.Vault, opts.EntityType, cand.id, opts.Params.MaxDepth)
			entry, found, err := c.read(key)
			if err == nil && found && !entry.Stale && !c.expired(entry, c.opts.Clock()) {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}

			_, err = c.Query(gctx, opts.Vault, opts.EntityType, cand.id, opts.Params)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors++
				return nil
			}
			metrics.PPRWarmupComputed.Inc()
			if found {
				res.Refreshed++
			} else {
				res.Created++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// RefreshStale recomputes entries whose stale flag is set or whose TTL
// has lapsed, bounded by the same budget semantics as Warmup.
func (c *Cache) RefreshStale(ctx context.Context, opts WarmupOptions) (WarmupResult, error) {
	if opts.Parallelism == 0 {
		opts.Parallelism = 4
	}
	if opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Budget)
		defer cancel()
	}

	type target struct {
		vault      string
		entityType string
		entity     storage.ID
		depth      int
	}
	var targets []target
	now := c.opts.Clock()
	err := c.eng.View(func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, []byte{storage.TablePPRCache}, func(key, value []byte) (bool, error) {
			entry, err := decodeEntry(value)
			if err != nil {
				return false, err
			}
			if !entry.Stale && !c.expired(entry, now) {
				return true, nil
			}
			vault, entityType, entity, depth, ok := parseKey(string(key[1:]))
			if !ok {
				return true, nil
			}
			targets = append(targets, target{vault, entityType, entity, depth})
			return true, nil
		})
	})
	if err != nil {
		return WarmupResult{}, err
	}

	var (
		mu  sync.Mutex
		res WarmupResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}
			p := opts.Params
			p.MaxDepth = t.depth
			if opts.UniverseFn != nil {
				universe, err := opts.UniverseFn(t.vault)
				if err != nil {
					mu.Lock()
					res.Errors++
					mu.Unlock()
					return nil
				}
				p.Universe = universe
			}
			_, err := c.Query(gctx, t.vault, t.entityType, t.entity, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors++
				return nil
			}
			metrics.PPRWarmupComputed.Inc()
			res.Refreshed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// selectCandidates ranks nodes by mention_count decayed over age. The
// mention_count and last_accessed fields come from node properties; nodes
// without them never qualify.
func (c *Cache) selectCandidates(opts WarmupOptions) ([]warmupCandidate, error) {
	now := c.opts.Clock()
	var candidates []warmupCandidate

	err := c.eng.View(func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, []byte{storage.TableNodes}, func(key, value []byte) (bool, error) {
			id, err := storage.IDFromBytes(key[1:])
			if err != nil {
				return false, err
			}
			_, props, err := codec.Decode(value)
			if err != nil {
				return false, err
			}
			mentions, ok := props["mention_count"].(int64)
			if !ok || mentions <= 0 {
				return true, nil
			}
			touched, ok := props["last_accessed"].(time.Time)
			if !ok {
				return true, nil
			}
			age := now.Sub(touched)
			if age < 0 {
				age = 0
			}
			if age > opts.Window {
				return true, nil
			}
			ageDays := age.Hours() / 24
			score := float64(mentions) * math.Pow(0.5, ageDays/warmupHalfLifeDays)
			candidates = append(candidates, warmupCandidate{id: id, score: score})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id.Less(candidates[j].id)
	})
	if len(candidates) > opts.TopN {
		candidates = candidates[:opts.TopN]
	}
	return candidates, nil
}

// parseKey splits "ppr:{vault}:{type}:{entity}:{depth}" back into parts.
func parseKey(key string) (vault, entityType string, entity storage.ID, depth int, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "ppr" {
		return "", "", storage.ZeroID, 0, false
	}
	id, err := storage.ParseID(parts[3])
	if err != nil {
		return "", "", storage.ZeroID, 0, false
	}
	d, err := strconv.Atoi(parts[4])
	if err != nil {
		return "", "", storage.ZeroID, 0, false
	}
	return parts[1], parts[2], id, d, true
}
