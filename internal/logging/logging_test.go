package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(Config{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	// Unknown levels fall back to info rather than failing
	logger, err := NewLogger(Config{
		Level:  "not-a-level",
		Format: "json",
		Output: "stdout",
	})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefaultLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestWithFields(t *testing.T) {
	logger, err := NewDefaultLogger()
	require.NoError(t, err)

	// Derived loggers should be new instances
	jobLogger := logger.WithJobID("job-1")
	assert.NotNil(t, jobLogger)
	assert.NotSame(t, logger, jobLogger)

	sessionLogger := logger.WithSessionID("sess-1")
	assert.NotNil(t, sessionLogger)

	workerLogger := logger.WithWorkerID("worker-1")
	assert.NotNil(t, workerLogger)
}
