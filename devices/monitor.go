package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Monitor polls MIDI ports and reports hotplug events. Polling slows down
// while nothing changes and returns to the base interval on any change.
type Monitor struct {
	lister Lister
	log    logr.Logger

	mu        sync.RWMutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}

	// Adaptive polling
	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	lastChangeTime  time.Time
	noChangeCount   int

	// Device state tracking
	checkMu sync.Mutex
	known   MIDIDevices

	// Performance tracking
	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64

	onMidiDeviceAdded   func(device MIDIDevice)
	onMidiDeviceRemoved func(deviceUID string)
}

// NewMonitor creates a monitor polling l every 50ms, slowing to 200ms.
func NewMonitor(l Lister, log logr.Logger) *Monitor {
	return &Monitor{
		lister:          l,
		log:             log,
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
		lastChangeTime:  time.Now(),
	}
}

// SetCallbacks configures device event callbacks. They run on the polling
// goroutine.
func (m *Monitor) SetCallbacks(onAdded func(MIDIDevice), onRemoved func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMidiDeviceAdded = onAdded
	m.onMidiDeviceRemoved = onRemoved
}

// Start records the current ports and begins polling until ctx is done or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if m.IsRunning() {
		return fmt.Errorf("device monitor is already running")
	}
	initial, err := List(m.lister)
	if err != nil {
		return fmt.Errorf("failed to get initial devices: %w", err)
	}
	m.checkMu.Lock()
	m.known = initial
	m.checkMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return fmt.Errorf("device monitor is already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.isRunning = true
	go m.monitorLoop(ctx, m.done)
	return nil
}

// Stop halts device monitoring and waits for the polling goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	done := m.done
	m.mu.Unlock()
	<-done
}

// IsRunning returns whether device monitoring is active
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// GetPollingInterval returns the current polling interval
func (m *Monitor) GetPollingInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentInterval
}

// SetPollingInterval sets the base polling interval (minimum 10ms).
func (m *Monitor) SetPollingInterval(interval time.Duration) error {
	if interval < 10*time.Millisecond {
		return fmt.Errorf("polling interval cannot be less than 10ms")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseInterval = interval
	m.currentInterval = interval
	if m.maxInterval < interval {
		m.maxInterval = interval
	}
	return nil
}

// Devices returns the ports seen by the last check.
func (m *Monitor) Devices() MIDIDevices {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	return append(MIDIDevices(nil), m.known...)
}

// GetPerformanceStats returns device monitoring performance statistics
func (m *Monitor) GetPerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageCheckTime, m.maxCheckTime, m.checkCount
}

// ForceDeviceCheck runs one check immediately.
func (m *Monitor) ForceDeviceCheck() {
	m.checkDevices()
}

func (m *Monitor) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	currentInterval := m.GetPollingInterval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkDevices()
			if next := m.GetPollingInterval(); next != currentInterval {
				ticker.Reset(next)
				currentInterval = next
			}
		}
	}
}

func (m *Monitor) checkDevices() {
	m.checkMu.Lock()
	start := time.Now()
	current, err := List(m.lister)
	m.updatePerformanceStats(time.Since(start))
	if err != nil {
		m.checkMu.Unlock()
		m.log.Error(err, "MIDI device check failed")
		return
	}
	added, removed := diff(m.known, current)
	m.known = current
	m.checkMu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		m.adaptiveSlowdown()
		return
	}
	m.adaptiveSpeedup()

	m.mu.RLock()
	onAdded, onRemoved := m.onMidiDeviceAdded, m.onMidiDeviceRemoved
	m.mu.RUnlock()
	for _, uid := range removed {
		m.log.V(1).Info("MIDI device removed", "uid", uid)
		if onRemoved != nil {
			onRemoved(uid)
		}
	}
	for _, d := range added {
		m.log.V(1).Info("MIDI device added", "uid", d.UID, "input", d.IsInput, "output", d.IsOutput)
		if onAdded != nil {
			onAdded(d)
		}
	}
}

func diff(before, after MIDIDevices) (added MIDIDevices, removed []string) {
	seen := make(map[string]bool, len(before))
	for _, d := range before {
		seen[d.UID] = true
	}
	now := make(map[string]bool, len(after))
	for _, d := range after {
		now[d.UID] = true
		if !seen[d.UID] {
			added = append(added, d)
		}
	}
	for _, d := range before {
		if !now[d.UID] {
			removed = append(removed, d.UID)
		}
	}
	return added, removed
}

// updatePerformanceStats tracks device check performance
func (m *Monitor) updatePerformanceStats(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkCount++
	if m.checkCount == 1 {
		m.averageCheckTime = elapsed
	} else {
		// EMA with alpha = 0.1
		m.averageCheckTime = time.Duration(float64(m.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}
	if elapsed > m.maxCheckTime {
		m.maxCheckTime = elapsed
	}
}

// adaptiveSlowdown gradually increases polling interval when no changes detected
func (m *Monitor) adaptiveSlowdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noChangeCount++
	if m.noChangeCount > 10 {
		m.currentInterval = min(time.Duration(float64(m.currentInterval)*1.1), m.maxInterval)
	}
}

// adaptiveSpeedup resets to fast polling when changes are detected
func (m *Monitor) adaptiveSpeedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noChangeCount = 0
	m.lastChangeTime = time.Now()
	m.currentInterval = m.baseInterval
}
