package blobstore

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

// init registers a deflate compressor/decompressor so archive/zip uses klauspost/compress's
// faster deflate implementation instead of the standard library's, without
// changing the on-disk container format (still a standard zip file, matching
// the original's zipfile.ZipFile(..., ZIP_DEFLATED)).
func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// ErrIndexParse means an archive entry's "<index>_<name>" prefix could not be
// parsed back into an integer (spec §4.B failure modes).
type ErrIndexParse struct {
	EntryName string
}

func (e *ErrIndexParse) Error() string {
	return fmt.Sprintf("blobstore: could not parse ordering index from entry %q", e.EntryName)
}

// ErrUnreadableEntry wraps a failure to read one archive entry's content.
type ErrUnreadableEntry struct {
	EntryName string
	Err       error
}

func (e *ErrUnreadableEntry) Error() string {
	return fmt.Sprintf("blobstore: unreadable entry %q: %v", e.EntryName, e.Err)
}

func (e *ErrUnreadableEntry) Unwrap() error { return e.Err }

// Pack writes an archive to w containing each path in inputs (a file or a
// directory, possibly with empty subdirectories) as a top-level entry
// prefixed "<index>_" so Unpack can recover the original order. Returns the
// first error met while reading an input or writing the archive.
func Pack(w io.Writer, inputs []string) error {
	zw := zip.NewWriter(w)
	for i, in := range inputs {
		base := filepath.Base(filepath.Clean(in))
		prefix := strconv.Itoa(i) + "_" + base

		info, err := os.Stat(in)
		if err != nil {
			zw.Close()
			return apperr.New(apperr.ClassTransientIO, "stat pack input "+in, err)
		}

		if !info.IsDir() {
			if err := packFile(zw, in, prefix); err != nil {
				zw.Close()
				return err
			}
			continue
		}

		if err := packDir(zw, in, prefix); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func packFile(zw *zip.Writer, path, entryName string) error {
	src, err := os.Open(path)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "open pack input "+path, err)
	}
	defer src.Close()

	fw, err := zw.Create(entryName)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "create entry "+entryName, err)
	}
	if _, err := io.Copy(fw, src); err != nil {
		return apperr.New(apperr.ClassTransientIO, "write entry "+entryName, err)
	}
	return nil
}

func packDir(zw *zip.Writer, root, entryPrefix string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return apperr.New(apperr.ClassTransientIO, "walk pack input "+path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := entryPrefix
		if rel != "." {
			name = entryPrefix + "/" + filepath.ToSlash(rel)
		}
		if d.IsDir() {
			// Explicit trailing-slash entry so empty directories survive
			// the round trip.
			_, err := zw.Create(name + "/")
			return err
		}
		return packFile(zw, path, name)
	})
}

// entryOrder pairs a parsed ordering index with the slash-joined remainder
// of an archive entry's name (its original relative path).
type entryOrder struct {
	index int
	name  string
	isDir bool
	file  *zip.File
}

// Unpack reads the archive at archivePath, writes its payload under destDir
// with the "<index>_" prefix stripped, and returns the resulting top-level
// paths sorted by the recovered index — the original input order.
func Unpack(archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, apperr.New(apperr.ClassTransientIO, "open archive for unpack", err)
	}
	defer zr.Close()

	entries := make([]entryOrder, 0, len(zr.File))
	topLevel := map[int]string{}
	for _, f := range zr.File {
		idx, rest, isDir, err := splitEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entryOrder{index: idx, name: rest, isDir: isDir, file: f})
		if _, seen := topLevel[idx]; !seen {
			topLevel[idx] = topSegment(rest)
		}
	}

	for _, e := range entries {
		destPath := filepath.Join(destDir, strings.TrimSuffix(e.name, "/"))
		if e.isDir {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return nil, apperr.New(apperr.ClassTransientIO, "create unpack directory", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, apperr.New(apperr.ClassTransientIO, "create unpack parent directory", err)
		}
		if err := unpackEntry(e.file, destPath); err != nil {
			return nil, err
		}
	}

	indices := make([]int, 0, len(topLevel))
	for idx := range topLevel {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		out = append(out, filepath.Join(destDir, topLevel[idx]))
	}
	return out, nil
}

// topSegment returns the first path component of an entry's relative name —
// the directory/file basename that was originally passed to Pack.
func topSegment(name string) string {
	trimmed := strings.TrimSuffix(name, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

func unpackEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return &ErrUnreadableEntry{EntryName: f.Name, Err: err}
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "create unpacked file "+destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return &ErrUnreadableEntry{EntryName: f.Name, Err: err}
	}
	return nil
}

// splitEntryName parses "<index>_<rest>" out of a raw zip entry name,
// reporting whether it denotes a directory (trailing slash).
func splitEntryName(raw string) (index int, rest string, isDir bool, err error) {
	isDir = strings.HasSuffix(raw, "/")
	underscore := strings.IndexByte(raw, '_')
	if underscore < 0 {
		return 0, "", false, &ErrIndexParse{EntryName: raw}
	}
	idx, convErr := strconv.Atoi(raw[:underscore])
	if convErr != nil {
		return 0, "", false, &ErrIndexParse{EntryName: raw}
	}
	return idx, raw[underscore+1:], isDir, nil
}
