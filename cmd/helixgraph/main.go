// Package main provides the helixgraph maintenance CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/helixgraph/pkg/config"
	"github.com/orneryd/helixgraph/pkg/graph"
	"github.com/orneryd/helixgraph/pkg/ppr"
	"github.com/orneryd/helixgraph/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "helixgraph",
		Short: "helixgraph - graph and vector database engine maintenance",
		Long: `helixgraph is the maintenance CLI for the helixgraph engine:
a labeled property graph with HNSW vector search, BM25 fulltext,
hybrid retrieval, and a cached personalized-PageRank operator.

The serving surface lives in the hosting service; this tool covers
offline maintenance of a data directory.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "helixgraph.yaml", "Config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("helixgraph v%s (%s)\n", version, commit)
		},
	})

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node, edge, and version counts for a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfgPath, func(cfg config.Config, store *graph.Store) error {
				nodes, edges, err := store.Stats()
				if err != nil {
					return err
				}
				ver, err := store.Version()
				if err != nil {
					return err
				}
				fmt.Printf("data dir:      %s\n", cfg.DBDir)
				fmt.Printf("nodes:         %d\n", nodes)
				fmt.Printf("edges:         %d\n", edges)
				fmt.Printf("graph version: %d\n", ver)
				return nil
			})
		},
	}
	rootCmd.AddCommand(statsCmd)

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Run value-log garbage collection, purging tombstoned data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ratio, _ := cmd.Flags().GetFloat64("discard-ratio")
			return withStore(cfgPath, func(cfg config.Config, store *graph.Store) error {
				start := time.Now()
				if err := store.Engine().RunValueLogGC(ratio); err != nil {
					return err
				}
				fmt.Printf("compacted %s in %s\n", cfg.DBDir, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	compactCmd.Flags().Float64("discard-ratio", 0.5, "Minimum discardable fraction per value-log file")
	rootCmd.AddCommand(compactCmd)

	warmupCmd := &cobra.Command{
		Use:   "warmup",
		Short: "Precompute PPR cache entries for the hottest entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, _ := cmd.Flags().GetString("vault")
			entityType, _ := cmd.Flags().GetString("entity-type")
			topN, _ := cmd.Flags().GetInt("top-n")
			budget, _ := cmd.Flags().GetDuration("budget")
			refresh, _ := cmd.Flags().GetBool("refresh-stale")

			return withStore(cfgPath, func(cfg config.Config, store *graph.Store) error {
				engine := ppr.NewEngine(store)
				recent, warm, cold := cfg.PPRCache.CacheTTLs()
				cache := ppr.NewCache(engine, ppr.CacheOptions{
					Enabled:   cfg.PPRCache.Enabled,
					TTLRecent: recent,
					TTLWarm:   warm,
					TTLCold:   cold,
				})

				universe, err := allNodeIDs(store)
				if err != nil {
					return err
				}
				params := ppr.DefaultParams()
				params.Normalize = cfg.PPR.NormalizeDefault
				params.PartOfMaxHops = cfg.PPR.PartOfMaxHops
				params.Universe = universe

				opts := ppr.WarmupOptions{
					Vault:      vault,
					EntityType: entityType,
					TopN:       topN,
					Budget:     budget,
					Params:     params,
				}

				ctx := signalContext()
				res, err := cache.Warmup(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Printf("warmup: created=%d refreshed=%d skipped=%d errors=%d\n",
					res.Created, res.Refreshed, res.Skipped, res.Errors)

				if refresh {
					res, err = cache.RefreshStale(ctx, opts)
					if err != nil {
						return err
					}
					fmt.Printf("refresh: refreshed=%d skipped=%d errors=%d\n",
						res.Refreshed, res.Skipped, res.Errors)
				}
				return nil
			})
		},
	}
	warmupCmd.Flags().String("vault", "default", "Vault keyspace to warm")
	warmupCmd.Flags().String("entity-type", "entity", "Entity type keyspace to warm")
	warmupCmd.Flags().Int("top-n", 100, "How many candidates to precompute")
	warmupCmd.Flags().Duration("budget", 5*time.Minute, "Wall-time budget for the run")
	warmupCmd.Flags().Bool("refresh-stale", true, "Also recompute stale and expired entries")
	rootCmd.AddCommand(warmupCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify adjacency symmetry and record integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfgPath, func(cfg config.Config, store *graph.Store) error {
				problems, err := checkStore(store)
				if err != nil {
					return err
				}
				if len(problems) == 0 {
					fmt.Println("ok")
					return nil
				}
				for _, p := range problems {
					fmt.Printf("problem: %s\n", p)
				}
				return fmt.Errorf("%d problems found", len(problems))
			})
		},
	}
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withStore opens the configured data directory, runs fn, and closes the
// engine afterwards.
func withStore(cfgPath string, fn func(config.Config, *graph.Store) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	eng, err := storage.Open(storage.Options{
		Dir:     cfg.DBDir,
		MaxSize: cfg.DBMaxSize,
		Quiet:   true,
	})
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(cfg, graph.NewStore(eng, graph.Options{}))
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
