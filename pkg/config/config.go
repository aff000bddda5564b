// Package config loads engine configuration from a YAML file with
// environment-variable overrides.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, then
// HELIX_-prefixed environment variables. HELIX_DATA_DIR and HELIX_PORT are
// the runtime-visible pass-throughs consumed by the hosting service; the
// remaining variables mirror the YAML structure
// (HELIX_HNSW_EF_SEARCH, HELIX_PPR_CACHE_ENABLED, ...).
//
// Example:
//
//	cfg, err := config.Load("helixgraph.yaml")
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
//	eng, err := storage.Open(storage.Options{Dir: cfg.DBDir, MaxSize: cfg.DBMaxSize})
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// DBDir is the root path for the store.
	DBDir string `yaml:"db_dir" envconfig:"DATA_DIR"`

	// DBMaxSize sets the size of each value-log file of the store in bytes
	// (storage.Options.MaxSize); it does not cap the total size of the
	// store. Zero uses the store default.
	DBMaxSize int64 `yaml:"db_max_size" envconfig:"DB_MAX_SIZE"`

	// Port is the listen port of the hosting service. The engine itself
	// never binds it.
	Port int `yaml:"port" envconfig:"PORT"`

	HNSW     HNSWConfig     `yaml:"hnsw"`
	BM25     BM25Config     `yaml:"bm25"`
	PPR      PPRConfig      `yaml:"ppr"`
	PPRCache PPRCacheConfig `yaml:"ppr_cache" envconfig:"PPR_CACHE"`
}

// HNSWConfig tunes the vector index.
type HNSWConfig struct {
	M              int `yaml:"m" envconfig:"M"`
	EfConstruction int `yaml:"ef_construction" envconfig:"EF_CONSTRUCTION"`
	EfSearch       int `yaml:"ef_search" envconfig:"EF_SEARCH"`
}

// BM25Config tunes fulltext scoring.
type BM25Config struct {
	K1 float64 `yaml:"k1" envconfig:"K1"`
	B  float64 `yaml:"b" envconfig:"B"`
}

// PPRConfig tunes the PPR engine.
type PPRConfig struct {
	// PartOfMaxHops caps containment-edge propagation depth.
	PartOfMaxHops int `yaml:"part_of_max_hops" envconfig:"PART_OF_MAX_HOPS"`

	// NormalizeDefault selects whether results form a probability
	// distribution unless the caller says otherwise.
	NormalizeDefault bool `yaml:"normalize_default" envconfig:"NORMALIZE_DEFAULT"`
}

// PPRCacheConfig tunes the PPR result cache.
type PPRCacheConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`

	TTLRecentHours int `yaml:"ttl_recent_hours" envconfig:"TTL_RECENT_HOURS"`
	TTLWarmHours   int `yaml:"ttl_warm_hours" envconfig:"TTL_WARM_HOURS"`
	TTLColdHours   int `yaml:"ttl_cold_hours" envconfig:"TTL_COLD_HOURS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBDir: "./data",
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       100,
		},
		BM25: BM25Config{K1: 1.2, B: 0.75},
		PPR: PPRConfig{
			PartOfMaxHops:    2,
			NormalizeDefault: true,
		},
		PPRCache: PPRCacheConfig{
			Enabled:        true,
			TTLRecentHours: 24,
			TTLWarmHours:   72,
			TTLColdHours:   168,
		},
	}
}

// Load reads path (when non-empty and present), applies HELIX_ environment
// overrides, and validates the result. A missing file is not an error;
// defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process("HELIX", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DBDir == "" {
		return fmt.Errorf("config: db_dir must not be empty")
	}
	if c.HNSW.M <= 0 || c.HNSW.EfConstruction <= 0 || c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("config: hnsw parameters must be positive")
	}
	if c.BM25.K1 <= 0 || c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("config: bm25 parameters out of range")
	}
	if c.PPR.PartOfMaxHops < 0 {
		return fmt.Errorf("config: ppr.part_of_max_hops must not be negative")
	}
	if c.PPRCache.TTLRecentHours <= 0 || c.PPRCache.TTLWarmHours <= 0 || c.PPRCache.TTLColdHours <= 0 {
		return fmt.Errorf("config: ppr_cache ttl tiers must be positive")
	}
	return nil
}

// CacheTTLs returns the tiered TTLs as durations.
func (c PPRCacheConfig) CacheTTLs() (recent, warm, cold time.Duration) {
	return time.Duration(c.TTLRecentHours) * time.Hour,
		time.Duration(c.TTLWarmHours) * time.Hour,
		time.Duration(c.TTLColdHours) * time.Hour
}
