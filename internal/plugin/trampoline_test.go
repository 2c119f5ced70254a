package plugin

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func skipOnNonUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plug-in trampoline relies on POSIX shebang scripts and SIGSTOP/SIGCONT")
	}
}

func TestTrampoline_Send(t *testing.T) {
	skipOnNonUnix(t)
	appsDir := t.TempDir()
	writeScript(t, filepath.Join(appsDir, "RandomCounter", "send"),
		`cat > /dev/null; echo '[["/tmp/a.txt","/tmp/b.txt"],["/tmp/c.txt"]]'`)

	tr := New(appsDir)
	cases, err := tr.Send(context.Background(), "RandomCounter", "/tmp/selection")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"/tmp/a.txt", "/tmp/b.txt"}, {"/tmp/c.txt"}}, cases)
}

func TestTrampoline_Process(t *testing.T) {
	skipOnNonUnix(t)
	appsDir := t.TempDir()
	writeScript(t, filepath.Join(appsDir, "RandomCounter", "process"),
		`cat > /dev/null; echo '{"outputs":["/tmp/out1.txt"]}'`)

	tr := New(appsDir)
	outputs, err := tr.Process(context.Background(), "RandomCounter", []string{"/tmp/in1.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/out1.txt"}, outputs)
}

func TestTrampoline_MissingEntryIsPluginContractError(t *testing.T) {
	appsDir := t.TempDir()
	tr := New(appsDir)
	_, err := tr.Process(context.Background(), "NoSuchApp", []string{"/tmp/in1.txt"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ClassPluginContract))
}

func TestWorker_PauseResumeTerminate(t *testing.T) {
	skipOnNonUnix(t)
	appsDir := t.TempDir()
	writeScript(t, filepath.Join(appsDir, "Sleeper", "process"),
		`cat > /dev/null; sleep 5; echo '{"outputs":[]}'`)

	tr := New(appsDir)
	w, err := tr.StartProcess(context.Background(), "Sleeper", nil)
	require.NoError(t, err)

	require.NoError(t, w.Pause())
	require.NoError(t, w.Resume())
	require.NoError(t, w.Terminate())

	done := make(chan struct{})
	go func() {
		_, _ = w.Wait("Sleeper")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Terminate")
	}
}
