package syncpad

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HostCollector exposes the host's sequencing counters together with
// the vitals of its pebble store.
type HostCollector struct {
	host *Host

	applies     *prometheus.Desc
	corrections *prometheus.Desc
	longpolls   *prometheus.Desc
	applyNanos  *prometheus.Desc
	docs        *prometheus.Desc

	compactionCount *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewHostCollector(host *Host) *HostCollector {
	return &HostCollector{
		host: host,

		applies: prometheus.NewDesc(
			"syncpad_applies_total",
			"Total number of committed deltas",
			nil, nil,
		),
		corrections: prometheus.NewDesc(
			"syncpad_corrections_total",
			"Total number of commits that needed a rebase correction",
			nil, nil,
		),
		longpolls: prometheus.NewDesc(
			"syncpad_longpolls",
			"Number of change polls currently parked",
			nil, nil,
		),
		applyNanos: prometheus.NewDesc(
			"syncpad_apply_nanos_avg",
			"Running average of delta commit latency in nanoseconds",
			nil, nil,
		),
		docs: prometheus.NewDesc(
			"syncpad_docs",
			"Number of docs loaded in memory",
			nil, nil,
		),

		compactionCount: prometheus.NewDesc(
			"pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"pebble_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (hc *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hc.applies
	ch <- hc.corrections
	ch <- hc.longpolls
	ch <- hc.applyNanos
	ch <- hc.docs

	ch <- hc.compactionCount
	ch <- hc.memtableSize
	ch <- hc.memtableCount
	ch <- hc.walSize
	ch <- hc.walBytesWritten
}

func (hc *HostCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		hc.applies,
		prometheus.CounterValue,
		float64(hc.host.applies.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.corrections,
		prometheus.CounterValue,
		float64(hc.host.corrections.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.longpolls,
		prometheus.GaugeValue,
		float64(hc.host.longpolls.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.applyNanos,
		prometheus.GaugeValue,
		hc.host.applyNanos.Val(),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.docs,
		prometheus.GaugeValue,
		float64(hc.host.docs.Size()),
	)

	metrics := hc.host.db.Metrics()
	ch <- prometheus.MustNewConstMetric(
		hc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		hc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
}
