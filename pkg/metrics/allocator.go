package metrics

import "github.com/prometheus/client_golang/prometheus"

const allocatorSubsystem = "allocator"

// AllocatorMetrics reports the allocator's byte pools.
type AllocatorMetrics struct {
	allocatedBytes     prometheus.Gauge
	uncommittedBytes   prometheus.Gauge
	reservedBytes      prometheus.Gauge
	pendingDeallocated prometheus.Gauge
}

func newAllocatorMetrics() *AllocatorMetrics {
	return &AllocatorMetrics{
		allocatedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: allocatorSubsystem,
			Name:      "allocated_bytes",
			Help:      "Bytes of device space held by committed allocations.",
		}),
		uncommittedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: allocatorSubsystem,
			Name:      "uncommitted_bytes",
			Help:      "Bytes of device space staged in open transactions.",
		}),
		reservedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: allocatorSubsystem,
			Name:      "reserved_bytes",
			Help:      "Bytes of device space promised to reservations.",
		}),
		pendingDeallocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: allocatorSubsystem,
			Name:      "pending_deallocated_bytes",
			Help:      "Bytes freed but unusable until the next device flush.",
		}),
	}
}

func (m *AllocatorMetrics) register() {
	prometheus.MustRegister(
		m.allocatedBytes,
		m.uncommittedBytes,
		m.reservedBytes,
		m.pendingDeallocated,
	)
}

// SetAllocatedBytes updates the allocated bytes metric.
func (m *AllocatorMetrics) SetAllocatedBytes(v int64) {
	m.allocatedBytes.Set(float64(v))
}

// SetUncommittedBytes updates the uncommitted bytes metric.
func (m *AllocatorMetrics) SetUncommittedBytes(v uint64) {
	m.uncommittedBytes.Set(float64(v))
}

// SetReservedBytes updates the reserved bytes metric.
func (m *AllocatorMetrics) SetReservedBytes(v uint64) {
	m.reservedBytes.Set(float64(v))
}

// SetPendingDeallocatedBytes updates the pending deallocated bytes metric.
func (m *AllocatorMetrics) SetPendingDeallocatedBytes(v uint64) {
	m.pendingDeallocated.Set(float64(v))
}
