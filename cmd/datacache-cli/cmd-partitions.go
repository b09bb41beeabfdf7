package main

import (
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/objectfs/datacache/internal/cache"
	"github.com/objectfs/datacache/internal/config"
	"github.com/objectfs/datacache/internal/datacache"
)

type partitionsCmd struct {
	Types bool `help:"Also print the type to partition mapping"`
}

type partitionRow struct {
	name      string
	kind      string
	cacheSize int
}

func (cmd *partitionsCmd) Run(opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.DataCache.Enabled() {
		opts.printf("data cache disabled\n")
		return nil
	}

	rows, err := partitionTable(cfg.DataCache)
	if err != nil {
		return err
	}

	w := tablewriter.NewWriter(opts.writer())
	w.Header("partition", "type", "cache size")
	for _, r := range rows {
		if err := w.Append(r.name, r.kind, sizeString(r.cacheSize)); err != nil {
			return err
		}
	}
	if err := w.Render(); err != nil {
		return err
	}

	if !cmd.Types {
		return nil
	}
	dc, _ := cfg.DataCache.Resolve()
	names := make([]string, 0, len(dc.TypePartitions))
	for typeName := range dc.TypePartitions {
		names = append(names, typeName)
	}
	sort.Strings(names)

	tw := tablewriter.NewWriter(opts.writer())
	tw.Header("type", "partition")
	for _, typeName := range names {
		if err := tw.Append(typeName, dc.TypePartitions[typeName]); err != nil {
			return err
		}
	}
	return tw.Render()
}

// partitionTable lists the root cache followed by its partitions in
// configuration order. Sizes of zero inherit the root size.
func partitionTable(d config.DataCacheConfig) ([]partitionRow, error) {
	dc, err := d.Resolve()
	if err != nil {
		return nil, err
	}
	name := dc.Name
	if name == "" {
		name = datacache.DefaultName
	}
	rootKind := datacache.PartitionLRU
	if dc.EvictionPolicy == "random" {
		rootKind = datacache.PartitionConcurrent
	}
	rows := []partitionRow{{name: name, kind: string(rootKind), cacheSize: dc.CacheSize}}
	if !d.Partitioned() {
		return rows, nil
	}

	defs, err := config.ParsePartitions(dc.Partitions)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		kind := def.Type
		if kind == "" {
			kind = dc.PartitionType
		}
		if kind == "" {
			kind = string(datacache.PartitionLRU)
		}
		size := def.CacheSize
		if size == 0 {
			size = dc.CacheSize
		}
		rows = append(rows, partitionRow{name: def.Name, kind: strings.ToLower(kind), cacheSize: size})
	}
	if err := checkPartitions(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// checkPartitions builds the table in memory so names are rejected exactly
// as the cache would reject them.
func checkPartitions(rows []partitionRow) error {
	cfg := datacache.DefaultConfig()
	cfg.Name = rows[0].name
	cfg.Durable = cache.DurableConfig{}
	specs := make([]datacache.PartitionSpec, 0, len(rows)-1)
	for _, r := range rows[1:] {
		specs = append(specs, datacache.PartitionSpec{Name: r.name, Type: datacache.PartitionType(r.kind), CacheSize: 1})
	}
	pc, err := datacache.NewPartitionedCache(cfg, specs)
	if err != nil {
		return err
	}
	return pc.Close()
}
