package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/objectfs/datacache/internal/config"
	"github.com/objectfs/datacache/pkg/types"
)

type validateCmd struct {
	Quiet bool `short:"q" help:"Only report errors"`
}

func (cmd *validateCmd) Run(opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cmd.Quiet {
		return nil
	}

	dc, err := cfg.DataCache.Resolve()
	if err != nil {
		return err
	}
	qc, err := cfg.QueryCache.Resolve()
	if err != nil {
		return err
	}

	source := opts.ConfigFile
	if source == "" {
		source = "defaults"
	}
	opts.printf("configuration OK (%s)\n", source)

	w := tablewriter.NewWriter(opts.writer())
	w.Header("setting", "value")
	for _, row := range settingsRows(cfg, dc, qc) {
		if err := w.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	return w.Render()
}

func settingsRows(cfg *config.Configuration, dc config.DataCacheConfig, qc config.QueryCacheConfig) [][]string {
	rows := [][]string{
		{"data_cache.enabled", strconv.FormatBool(cfg.DataCache.Enabled())},
	}
	if cfg.DataCache.Enabled() {
		rows = append(rows,
			[]string{"data_cache.name", dc.Name},
			[]string{"data_cache.cache_size", sizeString(dc.CacheSize)},
			[]string{"data_cache.soft_reference_size", sizeString(dc.SoftReferenceSize)},
			[]string{"data_cache.eviction_policy", dc.EvictionPolicy},
			[]string{"data_cache.timeout", timeoutString(dc.Timeout.Milliseconds(), dc.Timeout == types.NoTimeout)},
			[]string{"data_cache.eviction_schedule", orNone(dc.EvictionSchedule)},
			[]string{"data_cache.cache_mode", dc.CacheMode},
			[]string{"data_cache.partitioned", strconv.FormatBool(cfg.DataCache.Partitioned())},
			[]string{"data_cache.durable", orNone(dc.Durable.Backend)},
		)
	}
	rows = append(rows, []string{"query_cache.enabled", strconv.FormatBool(cfg.QueryCache.Enabled())})
	if cfg.QueryCache.Enabled() {
		rows = append(rows,
			[]string{"query_cache.cache_size", sizeString(qc.CacheSize)},
			[]string{"query_cache.evict_policy", qc.EvictPolicy},
			[]string{"query_cache.eviction_schedule", orNone(qc.EvictionSchedule)},
		)
	}
	rows = append(rows,
		[]string{"remote.provider", orNone(cfg.Remote.Provider)},
		[]string{"scheduler.interval", cfg.Scheduler.Interval.String()},
		[]string{"monitoring.enabled", strconv.FormatBool(cfg.Monitoring.Enabled)},
	)
	return rows
}

func sizeString(n int) string {
	if n < 0 {
		return "unbounded"
	}
	return humanize.Comma(int64(n))
}

func timeoutString(ms int64, none bool) string {
	if none {
		return "none"
	}
	return fmt.Sprintf("%dms", ms)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
