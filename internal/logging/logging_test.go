package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_VerbosityGatesLevels(t *testing.T) {
	log, err := NewLogger(DEBUG)
	require.NoError(t, err)

	assert.True(t, log.V(VERBOSE).Enabled())
	assert.True(t, log.V(DEBUG).Enabled())
	assert.False(t, log.V(TRACE).Enabled())
}

func TestNewLogger_Quiet(t *testing.T) {
	log, err := NewLogger(0)
	require.NoError(t, err)

	assert.True(t, log.Enabled())
	assert.False(t, log.V(VERBOSE).Enabled())
}
