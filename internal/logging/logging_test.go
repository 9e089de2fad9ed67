package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerbosityEnablesLevels(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		enabled    int
		suppressed int
	}{
		{"production default", Options{}, DEFAULT, VERBOSE},
		{"production verbose", Options{Verbosity: VERBOSE}, VERBOSE, DEBUG},
		{"development debug", Options{Development: true, Verbosity: DEBUG}, DEBUG, TRACE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.opts)
			require.NoError(t, err)
			assert.True(t, log.V(tt.enabled).Enabled())
			assert.False(t, log.V(tt.suppressed).Enabled())
		})
	}
}

func TestTestLoggerIsTrace(t *testing.T) {
	log := NewTestLogger()
	assert.True(t, log.V(TRACE).Enabled())
}
