package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDBGuard/pkg/config"
)

func TestNewLevels(t *testing.T) {
	logger, closer, err := New(config.LogConfig{Level: "warn"}, false)
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger, _, err = New(config.LogConfig{Level: "info"}, true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, _, err = New(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godbguard.log")
	logger, closer, err := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, false)
	require.NoError(t, err)

	Component(logger, "scheduler").Info("Scheduler started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Scheduler started")
	assert.Contains(t, string(data), "component=scheduler")
}
