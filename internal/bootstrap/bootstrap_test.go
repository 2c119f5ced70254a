package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoad_HappyPath(t *testing.T) {
	workDir := t.TempDir()
	blobRoot := t.TempDir()

	writeFile(t, filepath.Join(workDir, "server.txt"), blobRoot+"\n")
	writeFile(t, filepath.Join(blobRoot, "Settings", "settings.txt"), ""+
		"mongodb server: mongo-1.internal:27017\n"+
		"user group: group1\n"+
		"password: hunter2\n"+
		"instance: inst1\n"+
		"future key: ignored\n")
	writeFile(t, filepath.Join(blobRoot, "Settings", "Software_Per_Machine.csv"),
		"Machine name,RandomCounter\nA_host,1\n")

	cfg, err := Load(workDir)
	require.NoError(t, err)
	assert.Equal(t, blobRoot, cfg.BlobStoreRoot)
	assert.Equal(t, "mongo-1.internal:27017", cfg.MongoServer)
	assert.Equal(t, "group1", cfg.UserGroup)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, "inst1", cfg.Instance)
	assert.True(t, cfg.PermissionTable["A_host"]["RandomCounter"])
	assert.Equal(t, filepath.Join(blobRoot, "Settings"), cfg.SettingsDir())
}

func TestLoad_MissingServerTxt(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoad_UnreachableBlobStoreRoot(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "server.txt"), "/no/such/path\n")

	_, err := Load(workDir)
	require.Error(t, err)
}

func TestLoad_SettingsTxtMissingRequiredKey(t *testing.T) {
	workDir := t.TempDir()
	blobRoot := t.TempDir()

	writeFile(t, filepath.Join(workDir, "server.txt"), blobRoot)
	writeFile(t, filepath.Join(blobRoot, "Settings", "settings.txt"),
		"mongodb server: mongo-1.internal:27017\n")

	_, err := Load(workDir)
	require.Error(t, err)
}
