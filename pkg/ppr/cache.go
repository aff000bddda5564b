package ppr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/metrics"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// StaleReason records why a cache entry was invalidated.
type StaleReason uint8

const (
	StaleNone StaleReason = iota
	StaleEntityUpdated
	StaleEdgeAdded
	StaleEdgeRemoved
	StaleExpired
)

func (r StaleReason) String() string {
	switch r {
	case StaleEntityUpdated:
		return "entity_updated"
	case StaleEdgeAdded:
		return "edge_added"
	case StaleEdgeRemoved:
		return "edge_removed"
	case StaleExpired:
		return "expired"
	default:
		return "none"
	}
}

// Entry is one cached PPR result with its bookkeeping metadata.
type Entry struct {
	Results      []Scored
	GraphVersion uint64
	WrittenAt    time.Time
	LastAccess   time.Time
	Stale        bool
	Reason       StaleReason
	StaleSince   time.Time
}

// CacheOptions configures the PPR cache.
type CacheOptions struct {
	// Enabled gates the cache path entirely; disabled caches always
	// compute live.
	Enabled bool

	// TTL tiers, selected by how recently an entry was accessed.
	TTLRecent time.Duration
	TTLWarm   time.Duration
	TTLCold   time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultCacheOptions returns the 24/72/168 hour tiering.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		Enabled:   true,
		TTLRecent: 24 * time.Hour,
		TTLWarm:   72 * time.Hour,
		TTLCold:   168 * time.Hour,
	}
}

// Cache layers result reuse over the PPR engine. Entries live in the
// ppr_cache table; the ppr_deps table maps each entity to the cache keys
// whose results mention it, which is what makes invalidation targeted
// instead of a flush.
type Cache struct {
	engine *Engine
	eng    *storage.Engine
	opts   CacheOptions
}

// NewCache builds a cache over engine.
func NewCache(engine *Engine, opts CacheOptions) *Cache {
	if opts.TTLRecent == 0 {
		def := DefaultCacheOptions()
		def.Enabled = opts.Enabled
		opts = def
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{engine: engine, eng: engine.store.Engine(), opts: opts}
}

// Bind subscribes the cache to store mutations so entries covering a
// touched entity go stale inside the same write transaction.
func (c *Cache) Bind(store *graph.Store) {
	store.OnChange(func(txn *badger.Txn, kind graph.ChangeKind, ids ...storage.ID) error {
		var reason StaleReason
		switch kind {
		case graph.NodeUpdated, graph.NodeDropped:
			reason = StaleEntityUpdated
		case graph.EdgeAdded:
			reason = StaleEdgeAdded
		case graph.EdgeDropped:
			reason = StaleEdgeRemoved
		default:
			return nil
		}
		// For edge changes ids is (edge, from, to); the endpoints are the
		// entities cached results depend on.
		entities := ids
		if kind == graph.EdgeAdded || kind == graph.EdgeDropped {
			entities = ids[1:]
		}
		for _, id := range entities {
			if err := c.invalidateTx(txn, id, reason); err != nil {
				return err
			}
		}
		return nil
	})
}

// Key builds the canonical cache key for a single-entity PPR query.
func Key(vault, entityType string, entity storage.ID, depth int) string {
	return fmt.Sprintf("ppr:%s:%s:%s:%d", vault, entityType, entity, depth)
}

// Query answers a single-seed PPR query through the cache: fresh entries
// are returned as-is, stale or expired ones fall through to a live run
// whose result is written back best effort.
func (c *Cache) Query(ctx context.Context, vault, entityType string, entity storage.ID, p Params) ([]Scored, error) {
	p.Seeds = []storage.ID{entity}
	if !c.opts.Enabled {
		return c.engine.Run(ctx, p)
	}

	key := Key(vault, entityType, entity, p.MaxDepth)
	now := c.opts.Clock()

	lookupStart := time.Now()
	entry, found, err := c.read(key)
	metrics.PPRCacheLookupDuration.Observe(time.Since(lookupStart).Seconds())
	if err != nil {
		return nil, err
	}

	if found && !entry.Stale && !c.expired(entry, now) {
		metrics.PPRCacheHits.Inc()
		entry.LastAccess = now
		c.writeBack(key, entry, nil)
		return entry.Results, nil
	}

	switch {
	case !found:
		metrics.PPRCacheMisses.Inc()
	case entry.Stale:
		metrics.PPRCacheStaleHits.Inc()
	default:
		// Present but beyond its TTL tier.
		metrics.PPRCacheMisses.Inc()
	}

	results, err := c.engine.Run(ctx, p)
	if err != nil {
		return nil, err
	}

	version, err := c.engine.store.Version()
	if err != nil {
		return nil, err
	}
	fresh := Entry{
		Results:      results,
		GraphVersion: version,
		WrittenAt:    now,
		LastAccess:   now,
	}
	c.writeBack(key, fresh, dependencies(entity, results))
	return results, nil
}

// MarkStale flags a single entry.
func (c *Cache) MarkStale(key string, reason StaleReason) error {
	return c.eng.Update(func(txn *badger.Txn) error {
		return markStaleTx(txn, key, reason, c.opts.Clock())
	})
}

// InvalidateForEntity flags every entry whose result set involves the
// entity, via the dependency index.
func (c *Cache) InvalidateForEntity(id storage.ID, reason StaleReason) error {
	return c.eng.Update(func(txn *badger.Txn) error {
		return c.invalidateTx(txn, id, reason)
	})
}

func (c *Cache) invalidateTx(txn *badger.Txn, id storage.ID, reason StaleReason) error {
	var keys []string
	err := storage.ScanKeys(txn, storage.PPRDepPrefix(id), func(key []byte) (bool, error) {
		cacheKey, ok := storage.UnpackPPRDepCacheKey(key)
		if !ok {
			return false, fmt.Errorf("%w: malformed dependency key", storage.ErrStorageFault)
		}
		keys = append(keys, cacheKey)
		return true, nil
	})
	if err != nil {
		return err
	}
	now := c.opts.Clock()
	for _, key := range keys {
		if err := markStaleTx(txn, key, reason, now); err != nil {
			return err
		}
	}
	return nil
}

func markStaleTx(txn *badger.Txn, key string, reason StaleReason, now time.Time) error {
	raw, err := storage.GetValue(txn, storage.PPRCacheKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return err
	}
	if entry.Stale {
		return nil
	}
	entry.Stale = true
	entry.Reason = reason
	entry.StaleSince = now
	return storage.SetValue(txn, storage.PPRCacheKey(key), encodeEntry(entry))
}

// expired applies the tiered TTL: recently accessed entries get the short
// tier so hot results stay current, rarely touched ones keep the long
// tier and avoid recompute churn.
func (c *Cache) expired(e Entry, now time.Time) bool {
	sinceAccess := now.Sub(e.LastAccess)
	var ttl time.Duration
	switch {
	case sinceAccess <= c.opts.TTLRecent:
		ttl = c.opts.TTLRecent
	case sinceAccess <= c.opts.TTLWarm:
		ttl = c.opts.TTLWarm
	default:
		ttl = c.opts.TTLCold
	}
	return now.Sub(e.WrittenAt) > ttl
}

func (c *Cache) read(key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := c.eng.View(func(txn *badger.Txn) error {
		raw, err := storage.GetValue(txn, storage.PPRCacheKey(key))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		entry, err = decodeEntry(raw)
		found = err == nil
		return err
	})
	return entry, found, err
}

// writeBack persists an entry and its dependency rows. Failures are
// swallowed: the cache is an accelerator, and the caller already holds a
// correct live result.
func (c *Cache) writeBack(key string, entry Entry, deps []storage.ID) {
	_ = c.eng.Update(func(txn *badger.Txn) error {
		if err := storage.SetValue(txn, storage.PPRCacheKey(key), encodeEntry(entry)); err != nil {
			return err
		}
		for _, dep := range deps {
			if err := storage.SetValue(txn, storage.PPRDepKey(dep, key), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// dependencies lists the entities an entry's validity rests on: the seed
// and every ranked node.
func dependencies(entity storage.ID, results []Scored) []storage.ID {
	deps := make([]storage.ID, 0, len(results)+1)
	deps = append(deps, entity)
	for _, r := range results {
		if r.ID != entity {
			deps = append(deps, r.ID)
		}
	}
	return deps
}

// Entry wire format: all integers big-endian, times in unix milliseconds.
//
//	count(uvarint) then per result id(16) score(f64)
//	graph_version(8) written_at(8) last_access(8)
//	flags(1: bit0 stale) reason(1) stale_since(8)
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 2+len(e.Results)*24+34)
	buf = binary.AppendUvarint(buf, uint64(len(e.Results)))
	for _, r := range e.Results {
		buf = append(buf, r.ID[:]...)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.Score))
	}
	buf = binary.BigEndian.AppendUint64(buf, e.GraphVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.WrittenAt.UnixMilli()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.LastAccess.UnixMilli()))
	var flags byte
	if e.Stale {
		flags |= 0x01
	}
	buf = append(buf, flags, byte(e.Reason))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.StaleSince.UnixMilli()))
	return buf
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return e, fmt.Errorf("%w: malformed cache entry", storage.ErrStorageFault)
	}
	raw = raw[n:]
	if uint64(len(raw)) < count*24+34 {
		return e, fmt.Errorf("%w: truncated cache entry", storage.ErrStorageFault)
	}
	e.Results = make([]Scored, count)
	for i := uint64(0); i < count; i++ {
		copy(e.Results[i].ID[:], raw[:16])
		e.Results[i].Score = math.Float64frombits(binary.BigEndian.Uint64(raw[16:24]))
		raw = raw[24:]
	}
	e.GraphVersion = binary.BigEndian.Uint64(raw[:8])
	e.WrittenAt = time.UnixMilli(int64(binary.BigEndian.Uint64(raw[8:16]))).UTC()
	e.LastAccess = time.UnixMilli(int64(binary.BigEndian.Uint64(raw[16:24]))).UTC()
	e.Stale = raw[24]&0x01 != 0
	e.Reason = StaleReason(raw[25])
	e.StaleSince = time.UnixMilli(int64(binary.BigEndian.Uint64(raw[26:34]))).UTC()
	return e, nil
}
