package plughost

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/shaban/plughost/engine"
	"github.com/shaban/plughost/internal/env"
	"github.com/shaban/plughost/plugins"
)

// Defaults applied by Config.Validate to zero fields.
const (
	DefaultSampleRate   = 48000
	DefaultChannels     = 2
	DefaultMaxBlock     = 8192
	DefaultIdleInterval = 40 * time.Millisecond
)

// Environment variables read by ConfigFromEnv.
const (
	EnvSampleRate      = "PLUGHOST_SAMPLE_RATE"
	EnvChannels        = "PLUGHOST_CHANNELS"
	EnvMaxBlock        = "PLUGHOST_MAX_BLOCK"
	EnvUpdateRatio     = "PLUGHOST_UPDATE_RATIO"
	EnvIdleInterval    = "PLUGHOST_IDLE_INTERVAL"
	EnvEventBufferSize = "PLUGHOST_EVENT_BUFFER_SIZE"
	EnvFreewheel       = "PLUGHOST_FREEWHEEL"
	EnvShowGUI         = "PLUGHOST_SHOW_GUI"
	EnvRequireGUI      = "PLUGHOST_REQUIRE_GUI"
)

// Config holds the parameters of a Host.
type Config struct {
	SampleRate       float64       // 8000..384000, default 48000
	Channels         int           // 1..32, default 2
	MaxBlock         int           // largest block handed to the plugin, default 8192
	UpdateRatio      int           // render cycles per idle cycle, default 60
	IdleInterval     time.Duration // control-surface cadence, default 40ms
	EventBufferSize  int           // default 8192
	WorkerBufferSize int
	Freewheel        bool
	ShowGUI          bool // open the editor on Open
	RequireGUI       bool // refuse plugins without an editor

	Logger       logr.Logger
	ErrorHandler ErrorHandler          // defaults to DefaultErrorHandler
	Registerer   prometheus.Registerer // nil disables metrics
	StateStore   *StateStore
	Windows      WindowFactory
	Opener       plugins.Opener // defaults to plugins.OpenShared
}

// Validate fills zero fields with defaults and range-checks the rest.
func (c *Config) Validate() error {
	var errs error
	switch {
	case c.SampleRate <= 0:
		c.SampleRate = DefaultSampleRate
	case c.SampleRate < 8000:
		errs = multierr.Append(errs, fmt.Errorf("SampleRate must be at least 8000 Hz, got %.0f", c.SampleRate))
	case c.SampleRate > 384000:
		errs = multierr.Append(errs, fmt.Errorf("SampleRate cannot exceed 384000 Hz, got %.0f", c.SampleRate))
	}
	switch {
	case c.Channels <= 0:
		c.Channels = DefaultChannels
	case c.Channels > 32:
		errs = multierr.Append(errs, fmt.Errorf("Channels cannot exceed 32, got %d", c.Channels))
	}
	if c.MaxBlock <= 0 {
		c.MaxBlock = DefaultMaxBlock
	}
	if c.UpdateRatio <= 0 {
		c.UpdateRatio = engine.DefaultUpdateRatio
	}
	switch {
	case c.IdleInterval == 0:
		c.IdleInterval = DefaultIdleInterval
	case c.IdleInterval < 0:
		errs = multierr.Append(errs, fmt.Errorf("IdleInterval must be positive, got %v", c.IdleInterval))
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = plugins.DefaultEventBufferSize
	}
	if c.WorkerBufferSize <= 0 {
		c.WorkerBufferSize = engine.DefaultWorkerBufferSize
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = &DefaultErrorHandler{Log: c.Logger}
	}
	if c.Opener == nil {
		c.Opener = plugins.OpenerFunc(plugins.OpenShared)
	}
	if errs != nil {
		return errors.Join(ErrInvalidConfig, errs)
	}
	return nil
}

// ConfigFromEnv returns a Config whose scalar fields are read from the
// PLUGHOST_* environment variables. Unset or unparsable variables keep
// their defaults.
func ConfigFromEnv(logger logr.Logger) Config {
	return Config{
		SampleRate:      env.GetEnvFloat(EnvSampleRate, DefaultSampleRate, logger),
		Channels:        env.GetEnvInt(EnvChannels, DefaultChannels, logger),
		MaxBlock:        env.GetEnvInt(EnvMaxBlock, DefaultMaxBlock, logger),
		UpdateRatio:     env.GetEnvInt(EnvUpdateRatio, engine.DefaultUpdateRatio, logger),
		IdleInterval:    env.GetEnvDuration(EnvIdleInterval, DefaultIdleInterval, logger),
		EventBufferSize: env.GetEnvInt(EnvEventBufferSize, plugins.DefaultEventBufferSize, logger),
		Freewheel:       env.GetEnvBool(EnvFreewheel, false, logger),
		ShowGUI:         env.GetEnvBool(EnvShowGUI, false, logger),
		RequireGUI:      env.GetEnvBool(EnvRequireGUI, false, logger),
		Logger:          logger,
	}
}
