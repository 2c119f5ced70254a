// Package capability determines, at startup and on live reload, which
// applications the local host is both permitted and able to run.
package capability

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gridagent/agent/internal/gridagent/apperr"
	"github.com/gridagent/agent/internal/platform/logger"
)

const machineNameColumn = "Machine name"

// PermissionTable maps a hostname to the set of applications that host may
// run, parsed from Software_Per_Machine.csv (spec §6).
type PermissionTable map[string]map[string]bool

// LoadPermissionTable parses a CSV with a header row, a required
// "Machine name" column, and one column per application where a cell value
// of "1" grants permission.
func LoadPermissionTable(path string) (PermissionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "open Software_Per_Machine.csv", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "read Software_Per_Machine.csv header", err)
	}

	machineCol := -1
	apps := make([]string, 0, len(header))
	for i, h := range header {
		if h == machineNameColumn {
			machineCol = i
			continue
		}
		apps = append(apps, h)
	}
	if machineCol < 0 {
		return nil, apperr.New(apperr.ClassConfig,
			fmt.Sprintf("Software_Per_Machine.csv missing required column %q", machineNameColumn), nil)
	}

	table := make(PermissionTable)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.New(apperr.ClassConfig, "read Software_Per_Machine.csv row", err)
		}
		if machineCol >= len(row) {
			continue
		}
		machine := strings.TrimSpace(row[machineCol])
		if machine == "" {
			continue
		}
		permitted := make(map[string]bool)
		for i, app := range apps {
			col := i
			if col >= machineCol {
				col++
			}
			if col < len(row) && strings.TrimSpace(row[col]) == "1" {
				permitted[app] = true
			}
		}
		table[machine] = permitted
	}
	return table, nil
}

// Local records which applications expose a locally importable plug-in
// entry point (send, process, receive), refreshed live via fsnotify on the
// Applications directory. It does not consult a PermissionTable; callers
// combine its lists with a host's permissions through Intersect.
type Local struct {
	mu   sync.RWMutex
	log  *logger.Logger
	apps map[string]appPlugins

	appsDir string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

type appPlugins struct {
	send    bool
	process bool
	receive bool
}

// NewLocal scans appsDir (Settings/Applications) for per-application
// send/process/receive executables.
func NewLocal(appsDir string, log *logger.Logger) *Local {
	l := &Local{appsDir: appsDir, log: log, apps: make(map[string]appPlugins)}
	l.rescan()
	return l
}

func (l *Local) rescan() {
	entries, err := os.ReadDir(l.appsDir)
	if err != nil {
		l.mu.Lock()
		l.apps = make(map[string]appPlugins)
		l.mu.Unlock()
		return
	}

	apps := make(map[string]appPlugins, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(l.appsDir, e.Name())
		apps[e.Name()] = appPlugins{
			send:    executablePresent(filepath.Join(dir, "send")),
			process: executablePresent(filepath.Join(dir, "process")),
			receive: executablePresent(filepath.Join(dir, "receive")),
		}
	}

	l.mu.Lock()
	l.apps = apps
	l.mu.Unlock()
}

func executablePresent(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Watch starts an fsnotify watch on the Applications directory, re-scanning
// on any change. Absent fsnotify support the registry simply keeps its
// startup snapshot — live reload is a supplemental feature, not required for
// correctness.
func (l *Local) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		if l.log != nil {
			l.log.Warn("capability: fsnotify unavailable, live reload disabled", "error", err)
		}
		return nil
	}
	if err := w.Add(l.appsDir); err != nil {
		w.Close()
		if l.log != nil {
			l.log.Warn("capability: cannot watch applications directory", "error", err)
		}
		return nil
	}

	l.watcher = w
	l.stopCh = make(chan struct{})
	go l.watchLoop(w.Events, w.Errors)
	return nil
}

func (l *Local) watchLoop(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-l.stopCh:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			l.rescan()
		case err, ok := <-errs:
			if !ok {
				return
			}
			if l.log != nil {
				l.log.Warn("capability: fsnotify error", "error", err)
			}
		}
	}
}

// Close stops the live-reload watcher, if running.
func (l *Local) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopCh)
	return l.watcher.Close()
}

// ProcessableApplications returns the applications with a local `process`
// entry point.
func (l *Local) ProcessableApplications() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for app, p := range l.apps {
		if p.process {
			out = append(out, app)
		}
	}
	sort.Strings(out)
	return out
}

// ReceivableApplications returns the applications with a local `receive`
// entry point.
func (l *Local) ReceivableApplications() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for app, p := range l.apps {
		if p.receive {
			out = append(out, app)
		}
	}
	sort.Strings(out)
	return out
}

// SendableApplications returns the applications with a local `send` entry
// point.
func (l *Local) SendableApplications() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for app, p := range l.apps {
		if p.send {
			out = append(out, app)
		}
	}
	sort.Strings(out)
	return out
}

// Intersect returns the set of applications present in both a and
// permitted. An empty result disables the processing daemon for this host
// (spec §4.C).
func Intersect(a []string, permitted map[string]bool) []string {
	var out []string
	for _, app := range a {
		if permitted[app] {
			out = append(out, app)
		}
	}
	sort.Strings(out)
	return out
}
