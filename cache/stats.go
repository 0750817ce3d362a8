package cache

// Stats is a snapshot of a Cache's hit/miss/eviction counters.
type Stats struct {
	Len           int
	Capacity      int
	TotalCapacity int
	Hits          uint64
	Misses        uint64
	HitRate       float64
	Evictions     uint64
}
