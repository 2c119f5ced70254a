package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPermissionTable(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "Software_Per_Machine.csv")
	content := "Machine name,RandomCounter,ImageResizer\n" +
		"host1,1,0\n" +
		"host2,0,1\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0o644))

	table, err := LoadPermissionTable(csvPath)
	require.NoError(t, err)

	assert.True(t, table["host1"]["RandomCounter"])
	assert.False(t, table["host1"]["ImageResizer"])
	assert.True(t, table["host2"]["ImageResizer"])
}

func TestLoadPermissionTable_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "Software_Per_Machine.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("Hostname,App\nhost1,1\n"), 0o644))

	_, err := LoadPermissionTable(csvPath)
	require.Error(t, err)
}

func makeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestLocal_ScansSendProcessReceive(t *testing.T) {
	appsDir := t.TempDir()
	makeExecutable(t, filepath.Join(appsDir, "RandomCounter", "process"))
	makeExecutable(t, filepath.Join(appsDir, "RandomCounter", "send"))
	makeExecutable(t, filepath.Join(appsDir, "ImageResizer", "receive"))

	l := NewLocal(appsDir, nil)

	assert.ElementsMatch(t, []string{"RandomCounter"}, l.ProcessableApplications())
	assert.ElementsMatch(t, []string{"RandomCounter"}, l.SendableApplications())
	assert.ElementsMatch(t, []string{"ImageResizer"}, l.ReceivableApplications())
}

func TestIntersect(t *testing.T) {
	local := []string{"RandomCounter", "ImageResizer", "Unpermitted"}
	permitted := map[string]bool{"RandomCounter": true, "ImageResizer": true}

	got := Intersect(local, permitted)
	assert.Equal(t, []string{"ImageResizer", "RandomCounter"}, got)
}

func TestIntersect_EmptyDisablesProcessing(t *testing.T) {
	got := Intersect([]string{"RandomCounter"}, map[string]bool{})
	assert.Empty(t, got)
}
