package costmodel

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/orneryd/dicengine/pkg/kernel"
)

// Sample is one benchmark measurement.
type Sample struct {
	SubsetBatch      int
	DeformationBatch int64
	Config           kernel.Configuration
	Elapsed          time.Duration
}

// Table maps subset batch → deformation batch → configuration → elapsed
// time. Recording keeps the fastest measurement.
type Table struct {
	entries map[int]map[int64]map[kernel.Configuration]time.Duration
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[int]map[int64]map[kernel.Configuration]time.Duration)}
}

// Record adds s, keeping the minimum elapsed per cell.
func (t *Table) Record(s Sample) {
	byDef, ok := t.entries[s.SubsetBatch]
	if !ok {
		byDef = make(map[int64]map[kernel.Configuration]time.Duration)
		t.entries[s.SubsetBatch] = byDef
	}
	byCfg, ok := byDef[s.DeformationBatch]
	if !ok {
		byCfg = make(map[kernel.Configuration]time.Duration)
		byDef[s.DeformationBatch] = byCfg
	}
	if old, ok := byCfg[s.Config]; !ok || s.Elapsed < old {
		byCfg[s.Config] = s.Elapsed
	}
}

// Len returns the number of cells.
func (t *Table) Len() int {
	n := 0
	for _, byDef := range t.entries {
		for _, byCfg := range byDef {
			n += len(byCfg)
		}
	}
	return n
}

// Samples returns every cell in a stable order.
func (t *Table) Samples() []Sample {
	var out []Sample
	for sb, byDef := range t.entries {
		for db, byCfg := range byDef {
			for cfg, el := range byCfg {
				out = append(out, Sample{SubsetBatch: sb, DeformationBatch: db, Config: cfg, Elapsed: el})
			}
		}
	}
	slices.SortFunc(out, func(a, b Sample) int {
		if a.SubsetBatch != b.SubsetBatch {
			return a.SubsetBatch - b.SubsetBatch
		}
		if a.DeformationBatch != b.DeformationBatch {
			if a.DeformationBatch < b.DeformationBatch {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Config.Key(), b.Config.Key())
	})
	return out
}

// deformationBatches returns the sorted distinct deformation batch sizes.
func (t *Table) deformationBatches() []int64 {
	seen := map[int64]struct{}{}
	for _, byDef := range t.entries {
		for db := range byDef {
			seen[db] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for db := range seen {
		out = append(out, db)
	}
	slices.Sort(out)
	return out
}

// nearest returns the batch size closest to n; ties go to the smaller one.
func nearest(sorted []int64, n int64) int64 {
	best := sorted[0]
	for _, v := range sorted[1:] {
		if absDiff(v, n) < absDiff(best, n) {
			best = v
		}
	}
	return best
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Best resolves the wildcard axes of requested from the measurements at the
// deformation batch nearest to deformationCount. Totals are summed across
// subset batches; only configurations measured in the most subset batches
// compete, so a partially measured configuration cannot win by omission.
// Equal totals break on Key order. ok is false when nothing matches.
func (t *Table) Best(requested kernel.Configuration, deformationCount int64) (kernel.Configuration, bool) {
	batches := t.deformationBatches()
	if len(batches) == 0 {
		return kernel.Configuration{}, false
	}
	db := nearest(batches, deformationCount)

	totals := map[kernel.Configuration]time.Duration{}
	coverage := map[kernel.Configuration]int{}
	for _, byDef := range t.entries {
		for cfg, el := range byDef[db] {
			if !cfg.Matches(requested) {
				continue
			}
			if excluded, _ := kernel.Excluded(cfg); excluded {
				continue
			}
			totals[cfg] += el
			coverage[cfg]++
		}
	}
	if len(totals) == 0 {
		return kernel.Configuration{}, false
	}
	most := 0
	for _, c := range coverage {
		most = max(most, c)
	}

	var best kernel.Configuration
	bestTotal := time.Duration(math.MaxInt64)
	found := false
	for cfg, total := range totals {
		if coverage[cfg] < most {
			continue
		}
		if !found || total < bestTotal || (total == bestTotal && cfg.Key() < best.Key()) {
			best, bestTotal, found = cfg, total, true
		}
	}
	return best, found
}
