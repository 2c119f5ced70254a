// Package pidfile implements the agent's single-instance lock (spec §5): a
// pid file at a well-known path records the running process id; at startup
// the recorded pid is checked for liveness and the program refuses to
// start if another instance is still alive.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

// ErrAlreadyRunning means a live process already holds the pid file at path.
type ErrAlreadyRunning struct {
	Path string
	PID  int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("pid file %s: process %d is already running", e.Path, e.PID)
}

// Acquire checks path for a live holder and, if none exists, atomically
// writes the current process id there. Callers must call Release when
// they exit.
func Acquire(path string) error {
	if pid, ok := readLivePID(path); ok {
		return &ErrAlreadyRunning{Path: path, PID: pid}
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return apperr.New(apperr.ClassConfig, "open pending pid file", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write([]byte(strconv.Itoa(os.Getpid()))); err != nil {
		return apperr.New(apperr.ClassConfig, "write pid file", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return apperr.New(apperr.ClassConfig, "commit pid file", err)
	}
	return nil
}

// Release removes path if it still records the current process id. A
// pid file left by a different, still-live process is left untouched.
func Release(path string) error {
	pid, ok := readLivePID(path)
	if !ok || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.New(apperr.ClassConfig, "remove pid file", err)
	}
	return nil
}

// readLivePID reads path and reports whether it names a process that is
// still alive. A missing file, an unparsable file, or a recorded pid whose
// process has exited all report false, clearing the way for Acquire to
// take the lock.
func readLivePID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

// processAlive sends the null signal, the POSIX idiom for an existence
// check that doesn't otherwise disturb the target.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
