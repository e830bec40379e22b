package ormap

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreCollector exports the health of a shared persistent store plus
// per-namespace replica gauges. Register it once per database.
type StoreCollector struct {
	db   *pebble.DB
	maps map[string]*Map

	livePairs *prometheus.Desc

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

// NewStoreCollector builds a collector over db; maps is keyed by the
// namespace each replica uses inside the store.
func NewStoreCollector(db *pebble.DB, maps map[string]*Map) *StoreCollector {
	return &StoreCollector{
		db:   db,
		maps: maps,

		livePairs: prometheus.NewDesc(
			"ormap_live_pairs",
			"Current number of live pairs per replica namespace",
			[]string{"namespace"}, nil,
		),

		compactionCount: prometheus.NewDesc(
			"ormap_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"ormap_store_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"ormap_store_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"ormap_store_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"ormap_store_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"ormap_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"ormap_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.livePairs
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.memtableSize
	ch <- sc.memtableCount
	ch <- sc.walFiles
	ch <- sc.walSize
	ch <- sc.walBytesWritten
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	for ns, m := range sc.maps {
		ch <- prometheus.MustNewConstMetric(
			sc.livePairs,
			prometheus.GaugeValue,
			float64(m.Len()),
			ns,
		)
	}

	metrics := sc.db.Metrics()
	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
}
