// Package bootstrap loads the three files spec.md §6 requires before an
// agent can start: server.txt (locates the blob store), settings.txt
// (catalog credentials and naming), and Software_Per_Machine.csv (which
// this host is permitted to run). All failures here are ClassConfig —
// fatal to the agent, per spec §7.1.
package bootstrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridagent/agent/internal/capability"
	"github.com/gridagent/agent/internal/gridagent/apperr"
)

const settingsRelDir = "Settings"

var requiredSettingsKeys = []string{"mongodb server", "user group", "password", "instance"}

// Config is the fully-resolved bootstrap configuration an agent needs to
// construct its catalog client, blob store, and capability registry.
type Config struct {
	BlobStoreRoot   string
	MongoServer     string
	UserGroup       string
	Password        string
	Instance        string
	PermissionTable capability.PermissionTable
}

// SettingsDir returns the directory under the blob store root holding
// settings.txt, Software_Per_Machine.csv, and Applications/.
func (c *Config) SettingsDir() string {
	return filepath.Join(c.BlobStoreRoot, settingsRelDir)
}

// ApplicationsDir returns the directory holding per-application plug-ins.
func (c *Config) ApplicationsDir() string {
	return filepath.Join(c.SettingsDir(), "Applications")
}

// Load reads server.txt from workingDir, then settings.txt and
// Software_Per_Machine.csv from the blob store it names.
func Load(workingDir string) (*Config, error) {
	root, err := readServerTxt(filepath.Join(workingDir, "server.txt"))
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, apperr.New(apperr.ClassConfig, fmt.Sprintf("blob store root %q unreachable", root), err)
	}

	settingsDir := filepath.Join(root, settingsRelDir)
	settings, err := readSettingsTxt(filepath.Join(settingsDir, "settings.txt"))
	if err != nil {
		return nil, err
	}

	table, err := capability.LoadPermissionTable(filepath.Join(settingsDir, "Software_Per_Machine.csv"))
	if err != nil {
		return nil, err
	}

	return &Config{
		BlobStoreRoot:   root,
		MongoServer:     settings["mongodb server"],
		UserGroup:       settings["user group"],
		Password:        settings["password"],
		Instance:        settings["instance"],
		PermissionTable: table,
	}, nil
}

func readServerTxt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.New(apperr.ClassConfig, "read server.txt", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if line == "" {
		return "", apperr.New(apperr.ClassConfig, "server.txt is empty", nil)
	}
	return line, nil
}

// readSettingsTxt parses a colon-separated "key: value" file, one pair per
// line, tolerating extra whitespace around either side of the colon.
// Unknown keys are kept but ignored by Load (spec §6: "additional keys are
// ignored").
func readSettingsTxt(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "read settings.txt", err)
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		out[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.New(apperr.ClassConfig, "scan settings.txt", err)
	}

	var missing []string
	for _, k := range requiredSettingsKeys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.New(apperr.ClassConfig,
			fmt.Sprintf("settings.txt missing required key(s): %s", strings.Join(missing, ", ")), nil)
	}
	return out, nil
}
