package plughost

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
)

var (
	// ErrChannelMismatch is returned when the plugin's audio ports or the
	// caller's buffers do not match the host channel count.
	ErrChannelMismatch = errors.New("channel count mismatch")
	// ErrHostClosed is returned by operations on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrNoEditor is returned by OpenEditor when the plugin UI cannot be opened.
	ErrNoEditor = errors.New("plugin editor unavailable")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid host config")
)

// ErrorHandler receives non-fatal host errors such as a failed editor open
// or state restore.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through a logr.Logger.
type DefaultErrorHandler struct {
	Log logr.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	log := h.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log.Error(err, "Host error")
}

// LoggingErrorHandler wraps another handler and reports errors to a callback
// first.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler.
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error. Useful in tests.
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler by panicking.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("host error: %v", err))
}
