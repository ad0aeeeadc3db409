// Package metrics exposes volume internals to prometheus.
package metrics

const namespace = "quillfs"

// VolumeMetrics aggregates the metrics of one mounted volume.
type VolumeMetrics struct {
	*AllocatorMetrics
	*JournalMetrics
}

// NewVolumeMetrics builds and registers all volume metrics.
func NewVolumeMetrics() *VolumeMetrics {
	allocator := newAllocatorMetrics()
	allocator.register()

	journal := newJournalMetrics()
	journal.register()

	return &VolumeMetrics{
		AllocatorMetrics: allocator,
		JournalMetrics:   journal,
	}
}
