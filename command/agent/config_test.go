package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "ephemeral port",
			mutate: func(c *Config) { c.Port = 0 },
		},
		{
			name:     "negative port",
			mutate:   func(c *Config) { c.Port = -1 },
			contains: "out of range",
		},
		{
			name:     "port too high",
			mutate:   func(c *Config) { c.Port = 70000 },
			contains: "out of range",
		},
		{
			name:     "unknown pools backend",
			mutate:   func(c *Config) { c.PoolsBackend = "ldap" },
			contains: "unknown pools backend",
		},
		{
			name:     "file backend without workers path",
			mutate:   func(c *Config) { c.PoolsBackend = "file" },
			contains: "workers_path",
		},
		{
			name: "ws backend without url",
			mutate: func(c *Config) {
				c.PoolsBackend = "ws"
			},
			contains: "ws_backend_url",
		},
		{
			name:     "missing db path",
			mutate:   func(c *Config) { c.DB = nil },
			contains: "db.path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			err := c.Validate()
			if tc.contains == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tc.contains)
			}
		})
	}
}

func TestConfig_Merge(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	merged := base.Merge(&Config{
		Port:         9000,
		LogLevel:     "DEBUG",
		PoolsBackend: "ws",
		WSBackendURL: "http://fleet.local/",
		DB:           &DBConfig{CleanData: true},
		RNTimeout:    2 * time.Minute,
	})

	require.Equal(t, 9000, merged.Port)
	require.Equal(t, "DEBUG", merged.LogLevel)
	require.Equal(t, "ws", merged.PoolsBackend)
	require.Equal(t, "http://fleet.local/", merged.WSBackendURL)
	require.Equal(t, 2*time.Minute, merged.RNTimeout)

	// A db block without a path inherits the base path.
	require.True(t, merged.DB.CleanData)
	require.Equal(t, base.DB.Path, merged.DB.Path)

	// Zero fields in the overlay keep the base values.
	require.Equal(t, base.Address, merged.Address)
	require.Equal(t, base.AssignInterval, merged.AssignInterval)
	require.Equal(t, base.KillGrace, merged.KillGrace)

	// Neither input is mutated.
	require.Equal(t, 8004, base.Port)
	require.False(t, base.DB.CleanData)
}

func TestConfig_DispatcherConfig(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	c.AssignInterval = 2 * time.Second
	c.FlushInterval = 5 * time.Second
	c.RNTimeout = 90 * time.Second
	c.KillGrace = time.Minute
	c.ArchiveGrace = 48 * time.Hour
	c.CommandTimeout = time.Hour

	dc := c.DispatcherConfig()
	require.Equal(t, 2*time.Second, dc.AssignInterval)
	require.Equal(t, 5*time.Second, dc.FlushInterval)
	require.Equal(t, 90*time.Second, dc.RNTimeout)
	require.Equal(t, time.Minute, dc.KillGrace)
	require.Equal(t, 48*time.Hour, dc.ArchiveGrace)
	require.Equal(t, time.Hour, dc.DefaultCommandTimeout)
	require.Positive(t, dc.WorkerCallTimeout)
}
