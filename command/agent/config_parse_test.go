package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseConfigFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "octopus.hcl", `
port = 8010
address = "127.0.0.1"
log_level = "DEBUG"
run_as = "render"
pools_backend = "file"

db {
  path = "/var/octopus/state.db"
  clean_data = true
}

file_backend {
  workers_path = "/etc/octopus/workers"
  pools_path = "/etc/octopus/pools"
}

rn_timeout = "90s"
command_timeout = "2h"
assign_interval = "500ms"
archive_grace = "48h"
`)

	c, err := ParseConfigFile(path)
	require.NoError(t, err)

	require.Equal(t, 8010, c.Port)
	require.Equal(t, "127.0.0.1", c.Address)
	require.Equal(t, "DEBUG", c.LogLevel)
	require.Equal(t, "render", c.RunAs)
	require.Equal(t, "file", c.PoolsBackend)

	require.NotNil(t, c.DB)
	require.Equal(t, "/var/octopus/state.db", c.DB.Path)
	require.True(t, c.DB.CleanData)

	require.NotNil(t, c.FileBackend)
	require.Equal(t, "/etc/octopus/workers", c.FileBackend.WorkersPath)
	require.Equal(t, "/etc/octopus/pools", c.FileBackend.PoolsPath)

	// Duration strings convert to time.Durations.
	require.Equal(t, 90*time.Second, c.RNTimeout)
	require.Equal(t, 2*time.Hour, c.CommandTimeout)
	require.Equal(t, 500*time.Millisecond, c.AssignInterval)
	require.Equal(t, 48*time.Hour, c.ArchiveGrace)

	// Unset durations stay zero so defaults survive the merge.
	require.Zero(t, c.FlushInterval)
	require.Zero(t, c.KillGrace)
}

func TestParseConfigFile_BadDuration(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "octopus.hcl", `rn_timeout = "sometimes"`)
	_, err := ParseConfigFile(path)
	require.ErrorContains(t, err, "rn_timeout can't parse time duration")
}

func TestParseConfigFile_BadHCL(t *testing.T) {
	t.Parallel()

	// An unclosed block is a parse error.
	path := writeConfigFile(t, t.TempDir(), "octopus.hcl", `db {`)
	_, err := ParseConfigFile(path)
	require.ErrorContains(t, err, "failed to decode HCL file")
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "octopus.hcl", `port = 8010`)
	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8010, c.Port)
}

func TestLoadConfig_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, "00-base.hcl", `
port = 8010
db {
  path = "base.db"
}
`)
	writeConfigFile(t, dir, "10-override.hcl", `
port = 9000
log_level = "DEBUG"
`)
	// Non-hcl files are ignored.
	writeConfigFile(t, dir, "notes.txt", `port = 1`)

	c, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 9000, c.Port)
	require.Equal(t, "DEBUG", c.LogLevel)
	require.NotNil(t, c.DB)
	require.Equal(t, "base.db", c.DB.Path)
}

func TestLoadConfig_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}
