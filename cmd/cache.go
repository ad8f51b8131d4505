package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-warehouse/internal/cache"
	"github.com/telhawk-systems/telhawk-warehouse/internal/config"
	"github.com/telhawk-systems/telhawk-warehouse/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the ingestion cache",
	Long: `Inspect payloads held in the ingestion cache. Only the redis backend outlives
the serve process; the memory backend always reads as empty here.`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached payloads, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and bound",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Remove and print the oldest cached payloads",
	Args:  cobra.NoArgs,
	RunE:  runCacheDrain,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheDrainCmd)

	cacheListCmd.Flags().Int("limit", 50, "maximum number of payloads to list, 0 for all")
	cacheDrainCmd.Flags().Int("max", 100, "maximum number of payloads to remove")
}

type cacheEntry struct {
	Index  int    `json:"index" yaml:"index"`
	Size   int    `json:"size" yaml:"size"`
	Digest string `json:"digest" yaml:"digest"`
}

type cacheStats struct {
	Backend  string `json:"backend" yaml:"backend"`
	Entries  int    `json:"entries" yaml:"entries"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := newStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()
	warnMemoryBackend(cmd)

	entries := []cacheEntry{}
	for payload, err := range store.All(cmd.Context()) {
		if err != nil {
			return err
		}
		entries = append(entries, cacheEntry{
			Index:  len(entries),
			Size:   len(payload),
			Digest: cache.Digest(payload),
		})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	if len(entries) == 0 {
		output.Info(cmd.ErrOrStderr(), "Cache is empty")
	}
	return printEntries(cmd, entries)
}

func runCacheDrain(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("max")

	store, err := newStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	payloads, err := store.Drain(cmd.Context(), count)
	if err != nil {
		return err
	}

	entries := make([]cacheEntry, 0, len(payloads))
	for i, payload := range payloads {
		entries = append(entries, cacheEntry{Index: i, Size: len(payload), Digest: cache.Digest(payload)})
	}
	if err := printEntries(cmd, entries); err != nil {
		return err
	}
	output.Success(cmd.ErrOrStderr(), "Drained %d payloads", len(entries))
	return nil
}

func warnMemoryBackend(cmd *cobra.Command) {
	if cfg.Cache.Backend == config.CacheBackendMemory {
		output.Warn(cmd.ErrOrStderr(), "cache.backend is memory; payloads held by a running serve process are not visible here")
	}
}

func printEntries(cmd *cobra.Command, entries []cacheEntry) error {
	table := output.NewTable([]string{"INDEX", "SIZE", "DIGEST"})
	for _, e := range entries {
		table.AddRow([]string{strconv.Itoa(e.Index), strconv.Itoa(e.Size), e.Digest})
	}
	return output.Print(cmd.OutOrStdout(), outputFormat, entries, table)
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	store, err := newStore(cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()
	warnMemoryBackend(cmd)

	stats, err := collectStats(cmd, cfg.Cache, store)
	if err != nil {
		return err
	}

	table := output.NewTable([]string{"BACKEND", "ENTRIES", "CAPACITY"})
	table.AddRow([]string{stats.Backend, strconv.Itoa(stats.Entries), strconv.Itoa(stats.Capacity)})
	return output.Print(cmd.OutOrStdout(), outputFormat, stats, table)
}

func collectStats(cmd *cobra.Command, cc config.CacheConfig, store cache.Store) (cacheStats, error) {
	n, err := store.Len(cmd.Context())
	if err != nil {
		return cacheStats{}, err
	}
	return cacheStats{Backend: cc.Backend, Entries: n, Capacity: store.Capacity()}, nil
}
