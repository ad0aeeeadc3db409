package metrics

import "github.com/prometheus/client_golang/prometheus"

const journalSubsystem = "journal"

// JournalMetrics reports write-ahead log activity.
type JournalMetrics struct {
	commits   prometheus.Counter
	flushes   prometheus.Counter
	freeBytes prometheus.Gauge
	logOffset prometheus.Gauge
}

func newJournalMetrics() *JournalMetrics {
	return &JournalMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: journalSubsystem,
			Name:      "commits_total",
			Help:      "Transactions committed to the journal.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: journalSubsystem,
			Name:      "flushes_total",
			Help:      "Volume flushes performed.",
		}),
		freeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: journalSubsystem,
			Name:      "free_bytes",
			Help:      "Bytes left in the journal region before a reset.",
		}),
		logOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: journalSubsystem,
			Name:      "log_offset",
			Help:      "Current journal stream offset.",
		}),
	}
}

func (m *JournalMetrics) register() {
	prometheus.MustRegister(m.commits, m.flushes, m.freeBytes, m.logOffset)
}

// IncCommits counts one committed transaction.
func (m *JournalMetrics) IncCommits() {
	m.commits.Inc()
}

// IncFlushes counts one volume flush.
func (m *JournalMetrics) IncFlushes() {
	m.flushes.Inc()
}

// SetFreeBytes updates the journal free bytes metric.
func (m *JournalMetrics) SetFreeBytes(v uint64) {
	m.freeBytes.Set(float64(v))
}

// SetLogOffset updates the journal offset metric.
func (m *JournalMetrics) SetLogOffset(v uint64) {
	m.logOffset.Set(float64(v))
}
