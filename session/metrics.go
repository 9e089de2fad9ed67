package session

import "time"

// MetricsHook lets callers observe scans, loads and cache behavior. It is
// called synchronously; implementations must be safe for concurrent use.
type MetricsHook interface {
	// Directory scan lifecycle
	OnScanStart(scanID string)
	OnScanDone(scanID string, duration time.Duration, count int, failed int)

	// Descriptor load lifecycle for a single URI
	OnLoadStart(uri string)
	OnLoadDone(uri string, duration time.Duration, success bool)

	// Cache signals for validated descriptors
	OnCacheHit(uri string)
	OnCacheMiss(uri string)

	// Refresh diff summary
	OnRefreshDiff(added, removed, changed int, duration time.Duration)
}

// NopHook implements MetricsHook with no-ops. Embed it to override only
// some methods.
type NopHook struct{}

func (NopHook) OnScanStart(string) {}
func (NopHook) OnScanDone(string, time.Duration, int, int) {}
func (NopHook) OnLoadStart(string) {}
func (NopHook) OnLoadDone(string, time.Duration, bool) {}
func (NopHook) OnCacheHit(string) {}
func (NopHook) OnCacheMiss(string) {}
func (NopHook) OnRefreshDiff(int, int, int, time.Duration) {}
