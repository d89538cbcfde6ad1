package procmaps

import "sort"

// AggregatedMap groups mapped regions by backing path: path -> start -> size.
type AggregatedMap map[string]map[uint64]uint64

// Aggregate builds an AggregatedMap from ranges. Anonymous ranges are
// skipped. When two ranges share path and start address, the later one wins.
func Aggregate(ranges []Range) AggregatedMap {
	organized := make(AggregatedMap)
	for i := range ranges {
		rng := &ranges[i]
		if rng.Anonymous() {
			continue
		}
		set, ok := organized[rng.Filename]
		if !ok {
			set = make(map[uint64]uint64)
			organized[rng.Filename] = set
		}
		set[rng.Start] = rng.Size()
	}
	return organized
}

// Paths returns the backing paths in lexical order.
func (m AggregatedMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Starts returns the start addresses mapped from path in ascending order.
func (m AggregatedMap) Starts(path string) []uint64 {
	set := m[path]
	starts := make([]uint64, 0, len(set))
	for s := range set {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// TotalSize sums the sizes of all regions mapped from path.
func (m AggregatedMap) TotalSize(path string) uint64 {
	var total uint64
	for _, size := range m[path] {
		total += size
	}
	return total
}
