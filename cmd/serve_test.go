package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFilePath(t *testing.T) {
	testEnv(t)

	pf := pidFile()
	assert.Equal(t, "logsink-serve.pid", filepath.Base(pf.Path))
	assert.Equal(t, viper.GetString("state_dir"), filepath.Dir(pf.Path))
}

func TestServeLogPath(t *testing.T) {
	testEnv(t)

	assert.Equal(t, "logsink-serve.log", filepath.Base(serveLogPath()))
}

func TestServeStatus_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStatus_StalePIDFile(t *testing.T) {
	testEnv(t)

	// A PID that cannot belong to a live process
	pf := pidFile()
	require.NoError(t, pf.WritePID(99999999))

	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStop_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStop_StalePIDFile(t *testing.T) {
	testEnv(t)

	pf := pidFile()
	require.NoError(t, pf.WritePID(99999999))

	err := serveStopRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	// Stale PID file is cleaned up
	_, statErr := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestServeStart_AlreadyRunning(t *testing.T) {
	testEnv(t)

	// Write our own PID so IsRunning reports a live process
	pf := pidFile()
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = pf.Remove() })

	err := serveStartRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
