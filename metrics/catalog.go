package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaban/plughost/session"
)

var (
	catalogScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "catalog_scans_total",
			Help:      "Count of catalog directory scans.",
		},
		[]string{"dir"},
	)
	catalogScanFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "catalog_scan_failures_total",
			Help:      "Count of descriptor files a scan could not index.",
		},
		[]string{"dir"},
	)
	catalogScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "catalog_scan_duration_seconds",
			Help:      "Time spent scanning a catalog directory.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"dir"},
	)
	catalogPlugins = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "catalog_plugins",
			Help:      "Number of plugins indexed by the last scan.",
		},
		[]string{"dir"},
	)
	catalogLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "catalog_loads_total",
			Help:      "Count of descriptor loads by outcome.",
		},
		[]string{"dir", "outcome"},
	)
	catalogCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "catalog_cache_lookups_total",
			Help:      "Count of validated-descriptor cache lookups by result.",
		},
		[]string{"dir", "result"},
	)
	catalogChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "catalog_changes_total",
			Help:      "Count of plugins added, removed or changed between scans.",
		},
		[]string{"dir", "change"},
	)
)

func catalogCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		catalogScans, catalogScanFailures, catalogScanDuration, catalogPlugins,
		catalogLoads, catalogCache, catalogChanges,
	}
}

// CatalogRecorder implements session.MetricsHook for one catalog directory.
type CatalogRecorder struct {
	session.NopHook

	scans, failures prometheus.Counter
	scanDuration    prometheus.Observer
	plugins         prometheus.Gauge
	loadOK, loadErr prometheus.Counter
	hits, misses    prometheus.Counter
	added, removed  prometheus.Counter
	changed         prometheus.Counter
}

var _ session.MetricsHook = (*CatalogRecorder)(nil)

// NewCatalogRecorder creates a recorder labelled with the catalog directory.
func NewCatalogRecorder(dir string) *CatalogRecorder {
	return &CatalogRecorder{
		scans:        catalogScans.WithLabelValues(dir),
		failures:     catalogScanFailures.WithLabelValues(dir),
		scanDuration: catalogScanDuration.WithLabelValues(dir),
		plugins:      catalogPlugins.WithLabelValues(dir),
		loadOK:       catalogLoads.WithLabelValues(dir, "succeeded"),
		loadErr:      catalogLoads.WithLabelValues(dir, "failed"),
		hits:         catalogCache.WithLabelValues(dir, "hit"),
		misses:       catalogCache.WithLabelValues(dir, "miss"),
		added:        catalogChanges.WithLabelValues(dir, "added"),
		removed:      catalogChanges.WithLabelValues(dir, "removed"),
		changed:      catalogChanges.WithLabelValues(dir, "changed"),
	}
}

func (r *CatalogRecorder) OnScanDone(_ string, d time.Duration, count, failed int) {
	r.scans.Inc()
	r.failures.Add(float64(failed))
	r.scanDuration.Observe(d.Seconds())
	r.plugins.Set(float64(count))
}

func (r *CatalogRecorder) OnLoadDone(_ string, _ time.Duration, success bool) {
	if success {
		r.loadOK.Inc()
		return
	}
	r.loadErr.Inc()
}

func (r *CatalogRecorder) OnCacheHit(string)  { r.hits.Inc() }
func (r *CatalogRecorder) OnCacheMiss(string) { r.misses.Inc() }

func (r *CatalogRecorder) OnRefreshDiff(added, removed, changed int, _ time.Duration) {
	r.added.Add(float64(added))
	r.removed.Add(float64(removed))
	r.changed.Add(float64(changed))
}
