package plughost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/shaban/plughost/engine"
	"github.com/shaban/plughost/internal/logging"
)

// OperationType names a control-surface operation.
type OperationType string

const (
	OpOpenEditor   OperationType = "open_editor"
	OpCloseEditor  OperationType = "close_editor"
	OpWriteControl OperationType = "write_control"
	OpWriteEvent   OperationType = "write_event"
)

// DispatcherOperation is one request for the control-surface goroutine.
type DispatcherOperation struct {
	Type     OperationType
	Port     uint32
	Protocol uint32
	Value    float32
	Data     []byte
	Response chan DispatcherResult
}

// DispatcherResult is the outcome of a DispatcherOperation.
type DispatcherResult struct {
	Success bool
	Error   error
}

// Dispatcher is the control-surface goroutine. It runs the surface's idle
// cycle on a ticker and serialises editor operations between cycles, so the
// ControlSurface is only ever touched from one goroutine.
type Dispatcher struct {
	surface      *engine.ControlSurface
	title        string
	windows      WindowFactory
	interval     time.Duration
	log          logr.Logger
	errorHandler ErrorHandler
	operations   chan DispatcherOperation

	mu        sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// dispatch goroutine only
	window Window

	// Performance tracking
	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
}

// NewDispatcher creates a dispatcher for surface. Call Start to launch it.
func NewDispatcher(surface *engine.ControlSurface, title string, windows WindowFactory,
	interval time.Duration, log logr.Logger, errorHandler ErrorHandler) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		surface:              surface,
		title:                title,
		windows:              windows,
		interval:             interval,
		log:                  log,
		errorHandler:         errorHandler,
		operations:           make(chan DispatcherOperation, 16),
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
		maxOperationDuration: 300 * time.Millisecond,
	}
}

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}
	if d.ctx.Err() != nil {
		return ErrHostClosed
	}
	d.isRunning = true
	go d.dispatchLoop()
	return nil
}

// Stop cancels the dispatch goroutine and waits for it to close the editor
// and exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	running := d.isRunning
	d.isRunning = false
	d.mu.Unlock()

	d.cancel()
	if running {
		<-d.done
	}
}

// IsRunning returns whether the dispatch goroutine is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetPerformanceStats returns the duration of the last operation and the
// threshold above which slow operations are reported.
func (d *Dispatcher) GetPerformanceStats() (lastDuration, maxDuration time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxOperationDuration
}

// Submit queues op and waits for its result.
func (d *Dispatcher) Submit(ctx context.Context, op DispatcherOperation) error {
	op.Response = make(chan DispatcherResult, 1)
	select {
	case d.operations <- op:
	case <-d.ctx.Done():
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-op.Response:
		return res.Error
	case <-d.done:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatchLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.closeEditor()
			d.log.V(logging.VERBOSE).Info("Control surface task stopped")
			return
		case <-ticker.C:
			d.idle()
		case op := <-d.operations:
			start := time.Now()
			result := d.executeOperation(op)
			duration := time.Since(start)

			d.mu.Lock()
			d.lastOperationDuration = duration
			d.mu.Unlock()
			if duration > d.maxOperationDuration {
				d.errorHandler.HandleError(
					fmt.Errorf("%s took %v, target is under %v", op.Type, duration, d.maxOperationDuration))
			}
			op.Response <- result
		}
	}
}

func (d *Dispatcher) executeOperation(op DispatcherOperation) DispatcherResult {
	var err error
	switch op.Type {
	case OpOpenEditor:
		err = d.openEditor()
	case OpCloseEditor:
		d.closeEditor()
	case OpWriteControl:
		d.surface.WriteControl(op.Port, op.Value)
	case OpWriteEvent:
		d.surface.Write(op.Port, op.Protocol, op.Data)
	default:
		err = fmt.Errorf("unknown operation type: %s", op.Type)
	}
	return DispatcherResult{Success: err == nil, Error: err}
}

func (d *Dispatcher) idle() {
	if !d.surface.IsOpen() {
		return
	}
	d.surface.Idle()
	d.log.V(logging.DEBUG).Info("Idle cycle")
	if w, h, ok := d.surface.NeedResize(); ok && d.window != nil {
		d.window.SetSize(w, h)
	}
	if !d.surface.IsOpen() {
		d.closeWindow()
	}
}

func (d *Dispatcher) openEditor() error {
	if d.surface.IsOpen() {
		return nil
	}
	if !d.surface.HasEditor() {
		return ErrNoEditor
	}
	var parent uintptr
	if d.windows != nil {
		w, h := d.surface.Size()
		win, err := d.windows.NewWindow(d.title, w, h)
		if err != nil {
			return fmt.Errorf("%w: failed to create window: %w", ErrNoEditor, err)
		}
		d.window = win
		parent = win.Handle()
	}
	if !d.surface.Open(parent) {
		d.closeWindow()
		return ErrNoEditor
	}
	if w, h, ok := d.surface.NeedResize(); ok && d.window != nil {
		d.window.SetSize(w, h)
	}
	if !d.surface.IsOpen() {
		d.closeWindow()
	}
	return nil
}

func (d *Dispatcher) closeEditor() {
	d.surface.Close()
	d.closeWindow()
}

func (d *Dispatcher) closeWindow() {
	if d.window == nil {
		return
	}
	if err := d.window.Close(); err != nil {
		d.errorHandler.HandleError(fmt.Errorf("failed to close editor window: %w", err))
	}
	d.window = nil
}
