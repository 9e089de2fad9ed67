package worker

import "time"

// Metrics observes work items. Schedule-side and commit-side methods are
// called from the render goroutine and must not block.
type Metrics interface {
	OnScheduled()
	OnRejected()
	OnWorkDone(elapsed time.Duration, err error)
	OnResponseDropped()
	OnCommitted()
}

// NopMetrics ignores every event.
type NopMetrics struct{}

func (NopMetrics) OnScheduled()                    {}
func (NopMetrics) OnRejected()                     {}
func (NopMetrics) OnWorkDone(time.Duration, error) {}
func (NopMetrics) OnResponseDropped()              {}
func (NopMetrics) OnCommitted()                    {}
