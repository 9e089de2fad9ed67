// Package logging builds the logr.Logger used across the host.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V.
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

// Options controls logger construction.
type Options struct {
	Development bool
	Verbosity   int
}

// New creates a zap-backed logger. Higher verbosity enables more V levels.
func New(opts Options) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Verbosity))
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(z), nil
}

// NewTestLogger creates a development logger at TRACE verbosity.
func NewTestLogger() logr.Logger {
	log, err := New(Options{Development: true, Verbosity: TRACE})
	if err != nil {
		return logr.Discard()
	}
	return log
}
