package receiving

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridagent/agent/internal/blobstore"
	"github.com/gridagent/agent/internal/catalog"
	"github.com/gridagent/agent/internal/events"
	"github.com/gridagent/agent/internal/plugin"
)

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func TestDaemon_ReceiveHappyPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shebang scripts")
	}

	root := t.TempDir()
	store := blobstore.New(root)
	cat := catalog.NewMemoryCatalog()
	ctx := context.Background()

	outFile := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(outFile, []byte("result"), 0o644))

	var archiveBuf bytes.Buffer
	require.NoError(t, blobstore.Pack(&archiveBuf, []string{outFile}))
	relPath := filepath.Join(blobstore.ResultsDir("A_user", "A_host"), "case-1")
	require.NoError(t, store.Put(ctx, relPath, bytes.NewReader(archiveBuf.Bytes())))

	id, err := cat.InsertCase(ctx, &catalog.Case{
		UserGroup:   "group1",
		Instance:    "inst1",
		Application: "RandomCounter",
		Status:      catalog.StatusProcessed,
		Path:        relPath,
		Origin:      catalog.Origin{User: "A_user", Machine: "A_host", SubmittedAt: time.Now()},
	})
	require.NoError(t, err)

	appsDir := t.TempDir()
	writeExecutable(t, filepath.Join(appsDir, "RandomCounter", "receive"), "cat > /dev/null\n")
	tr := plugin.New(appsDir)
	bus := events.NewLocalBus(8, nil)

	d := New(DefaultConfig(), Identity{UserGroup: "group1", Instance: "inst1", User: "A_user", Machine: "A_host"}, cat, store, tr, bus, nil,
		func() []string { return []string{"RandomCounter"} })

	fatal := d.receive(ctx, mustGetCase(t, cat, ctx, id))
	assert.False(t, fatal)

	cases, err := cat.ScanAll(ctx, catalog.Scope{UserGroup: "group1", Instance: "inst1"})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, catalog.StatusReceived, cases[0].Status)
	assert.Equal(t, "", cases[0].Path)

	exists, err := store.Exists(relPath)
	require.NoError(t, err)
	assert.False(t, exists, "result archive must be deleted after receipt")
}

func TestDaemon_MissingArchiveMarksTerminal(t *testing.T) {
	root := t.TempDir()
	store := blobstore.New(root)
	cat := catalog.NewMemoryCatalog()
	ctx := context.Background()

	id, err := cat.InsertCase(ctx, &catalog.Case{
		UserGroup:   "group1",
		Instance:    "inst1",
		Application: "RandomCounter",
		Status:      catalog.StatusProcessed,
		Path:        "Results/A_user/A_host/gone",
		Origin:      catalog.Origin{User: "A_user", Machine: "A_host", SubmittedAt: time.Now()},
	})
	require.NoError(t, err)

	tr := plugin.New(t.TempDir())
	bus := events.NewLocalBus(8, nil)
	d := New(DefaultConfig(), Identity{UserGroup: "group1", Instance: "inst1", User: "A_user", Machine: "A_host"}, cat, store, tr, bus, nil,
		func() []string { return []string{"RandomCounter"} })

	fatal := d.receive(ctx, mustGetCase(t, cat, ctx, id))
	assert.False(t, fatal)

	cases, err := cat.ScanAll(ctx, catalog.Scope{UserGroup: "group1", Instance: "inst1"})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.True(t, cases[0].Status.IsTerminal())
	assert.Equal(t, catalog.NewErrorStatus("file output not found"), cases[0].Status)
}

func TestDaemon_UnreachableRootIsFatal(t *testing.T) {
	store := blobstore.New(filepath.Join(t.TempDir(), "does-not-exist"))
	cat := catalog.NewMemoryCatalog()
	ctx := context.Background()

	id, err := cat.InsertCase(ctx, &catalog.Case{
		UserGroup:   "group1",
		Instance:    "inst1",
		Application: "RandomCounter",
		Status:      catalog.StatusProcessed,
		Path:        "Results/A_user/A_host/gone",
		Origin:      catalog.Origin{User: "A_user", Machine: "A_host", SubmittedAt: time.Now()},
	})
	require.NoError(t, err)

	tr := plugin.New(t.TempDir())
	bus := events.NewLocalBus(8, nil)
	d := New(DefaultConfig(), Identity{UserGroup: "group1", Instance: "inst1", User: "A_user", Machine: "A_host"}, cat, store, tr, bus, nil,
		func() []string { return []string{"RandomCounter"} })

	fatal := d.receive(ctx, mustGetCase(t, cat, ctx, id))
	assert.True(t, fatal)
}

func mustGetCase(t *testing.T, cat *catalog.MemoryCatalog, ctx context.Context, id string) *catalog.Case {
	t.Helper()
	cases, err := cat.ScanAll(ctx, catalog.Scope{UserGroup: "group1", Instance: "inst1"})
	require.NoError(t, err)
	for i := range cases {
		if cases[i].ID == id {
			return &cases[i]
		}
	}
	t.Fatalf("case %s not found", id)
	return nil
}
