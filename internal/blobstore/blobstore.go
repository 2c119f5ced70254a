// Package blobstore is the typed client for the shared filesystem tree that
// holds input/output archives. Every write lands with a rename-into-place so
// a concurrent reader never observes a half-written archive; every read
// tolerates a missing file by returning a typed error the caller classifies
// per the taxonomy in spec §7 rather than propagating a bare os.PathError.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

// ErrRootUnreachable means the blob store's root directory itself could not
// be statted — distinct from a single missing archive, this is fatal to the
// calling daemon (spec §4.F step 5, §4.G.1 step 1, §7.6).
var ErrRootUnreachable = errors.New("blobstore: root unreachable")

// ErrArchiveNotFound means the root is reachable but the specific archive is
// not (spec §4.F step 4, §4.G.1 step 1).
type ErrArchiveNotFound struct {
	RelPath string
}

func (e *ErrArchiveNotFound) Error() string {
	return fmt.Sprintf("blobstore: archive not found: %s", e.RelPath)
}

// Store wraps a root directory on a shared filesystem.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Root reports the root directory this store was opened against.
func (s *Store) Root() string { return s.root }

// CheckReachable reports whether the store's root directory can currently be
// statted, per the "root reachable vs. unreachable" distinction callers must
// make before classifying a missing-file error.
func (s *Store) CheckReachable() error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("%w: %v", ErrRootUnreachable, err)
	}
	return nil
}

// CasesDir returns "Cases/<user>/<host>" relative to the store root.
func CasesDir(user, host string) string {
	return filepath.Join("Cases", user, host)
}

// ResultsDir returns "Results/<user>/<host>" relative to the store root.
func ResultsDir(user, host string) string {
	return filepath.Join("Results", user, host)
}

// Exists reports whether relPath exists under the store root. The returned
// error is non-nil only for I/O failures distinct from "not found".
func (s *Store) Exists(relPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.root, relPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Open opens relPath for reading, translating a missing file into
// ErrArchiveNotFound so callers can route it through the case-terminal error
// path without inspecting os.PathError themselves.
func (s *Store) Open(relPath string) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrArchiveNotFound{RelPath: relPath}
		}
		return nil, apperr.New(apperr.ClassTransientIO, "open archive", err)
	}
	return f, nil
}

// Put copies src (a local scratch file) into relPath under the store root,
// creating parent directories as needed, using an atomic rename-into-place
// so a concurrent reader never observes a partially-written archive.
func (s *Store) Put(ctx context.Context, relPath string, src io.Reader) error {
	dst := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.New(apperr.ClassTransientIO, "create blob store directory", err)
	}

	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "open pending file", err)
	}
	defer pf.Cleanup()

	if _, err := io.Copy(pf, src); err != nil {
		return apperr.New(apperr.ClassTransientIO, "write archive", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return apperr.New(apperr.ClassTransientIO, "commit archive", err)
	}
	return nil
}

// Remove deletes relPath from the store. Removing an already-absent file is
// not an error — a commit that already ran partway (e.g. a prior crash
// between archive deletion and catalog update) must be retry-safe.
func (s *Store) Remove(relPath string) error {
	err := os.Remove(filepath.Join(s.root, relPath))
	if err != nil && !os.IsNotExist(err) {
		return apperr.New(apperr.ClassTransientIO, "remove archive", err)
	}
	return nil
}
