package pidfile

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")

	require.NoError(t, Acquire(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, Release(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_StaleePIDIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	require.NoError(t, Acquire(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquire_LivePIDRefuses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX null-signal liveness check")
	}
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := Acquire(path)
	require.Error(t, err)
	var already *ErrAlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, os.Getpid(), already.PID)
}

func TestRelease_LeavesOtherLivePIDUntouched(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX null-signal liveness check")
	}
	if os.Getpid() == 1 {
		t.Skip("cannot distinguish pid 1 from the current process")
	}
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	require.NoError(t, Release(path))
	_, err := os.Stat(path)
	assert.NoError(t, err, "release must not remove a pid file recording a different live process")
}
