package state

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openrendermanagement/octopus/octopus"
	"github.com/openrendermanagement/octopus/octopus/structs"
)

func writeFleetFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFilePoolsBackend_Load(t *testing.T) {
	t.Parallel()

	workers := writeFleetFile(t, "workers", `
# the fleet
vfxpc01 vfxpc01.local 8000 8 2.4 16384

vfxpc02 vfxpc02.local 8000 16 3.1 32768
`)
	pools := writeFleetFile(t, "pools", `
# pool membership
renderfarm: vfxpc01 vfxpc02
comp: vfxpc02
`)

	backend := &FilePoolsBackend{WorkersPath: workers, PoolsPath: pools}
	data, err := backend.Load()
	require.NoError(t, err)

	require.Len(t, data.RenderNodes, 2)
	first := data.RenderNodes[0]
	require.Equal(t, "vfxpc01", first.Name)
	require.Equal(t, "vfxpc01.local", first.Host)
	require.Equal(t, 8000, first.Port)
	require.Equal(t, 8, first.CoresNumber)
	require.Equal(t, 2.4, first.Speed)
	require.Equal(t, 16384, first.RamSize)

	require.Len(t, data.Pools, 2)
	require.Equal(t, []string{"vfxpc01", "vfxpc02"}, data.Pools["renderfarm"])
	require.Equal(t, []string{"vfxpc02"}, data.Pools["comp"])
}

func TestFilePoolsBackend_NoPoolsFile(t *testing.T) {
	t.Parallel()

	workers := writeFleetFile(t, "workers", "vfxpc01 vfxpc01.local 8000 8 2.4 16384\n")
	backend := &FilePoolsBackend{WorkersPath: workers}
	data, err := backend.Load()
	require.NoError(t, err)
	require.Len(t, data.RenderNodes, 1)
	require.Empty(t, data.Pools)
}

func TestFilePoolsBackend_Malformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		workers  string
		pools    string
		contains string
	}{
		{
			name:     "missing field",
			workers:  "vfxpc01 vfxpc01.local 8000 8 2.4\n",
			contains: "expected 6 fields",
		},
		{
			name:     "bad port",
			workers:  "vfxpc01 vfxpc01.local http 8 2.4 16384\n",
			contains: "bad port",
		},
		{
			name:     "bad speed",
			workers:  "vfxpc01 vfxpc01.local 8000 8 fast 16384\n",
			contains: "bad speed",
		},
		{
			name:     "pools line without colon",
			workers:  "vfxpc01 vfxpc01.local 8000 8 2.4 16384\n",
			pools:    "renderfarm vfxpc01\n",
			contains: "pools list line 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &FilePoolsBackend{WorkersPath: writeFleetFile(t, "workers", tc.workers)}
			if tc.pools != "" {
				backend.PoolsPath = writeFleetFile(t, "pools", tc.pools)
			}
			_, err := backend.Load()
			require.ErrorContains(t, err, tc.contains)
		})
	}
}

func TestFilePoolsBackend_MissingWorkersFile(t *testing.T) {
	t.Parallel()

	backend := &FilePoolsBackend{WorkersPath: filepath.Join(t.TempDir(), "nope")}
	_, err := backend.Load()
	require.ErrorContains(t, err, "open workers list")
}

func TestWebServicePoolsBackend_Load(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"renderNodes": [
				{"name": "vfxpc01", "host": "vfxpc01.local", "port": 8000,
				 "coresNumber": 8, "speed": 2.4, "ramSize": 16384,
				 "characteristics": {"os": "linux"}}
			],
			"pools": [
				{"name": "renderfarm", "renderNodes": ["vfxpc01"]}
			]
		}`))
	}))
	defer srv.Close()

	data, err := NewWebServicePoolsBackend(srv.URL).Load()
	require.NoError(t, err)
	require.Len(t, data.RenderNodes, 1)
	require.Equal(t, "vfxpc01", data.RenderNodes[0].Name)
	require.Equal(t, "linux", data.RenderNodes[0].Characteristics["os"])
	require.Equal(t, []string{"vfxpc01"}, data.Pools["renderfarm"])
}

func TestWebServicePoolsBackend_BadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewWebServicePoolsBackend(srv.URL).Load()
	require.ErrorContains(t, err, "500")
}

func TestApply(t *testing.T) {
	t.Parallel()

	tree := octopus.NewDispatchTree()
	now := time.Now()

	data := &PoolsData{
		RenderNodes: []*structs.RenderNode{
			{Name: "vfxpc01", Host: "vfxpc01.local", Port: 8000, CoresNumber: 8, RamSize: 16384},
			{Name: "vfxpc02", Host: "vfxpc02.local", Port: 8000, CoresNumber: 16, RamSize: 32768},
		},
		Pools: map[string][]string{
			// ghost never appears in the workers list and is ignored.
			"renderfarm": {"vfxpc01", "ghost"},
		},
	}
	Apply(tree, data, now)

	require.Len(t, tree.RenderNodes, 2)
	rn := tree.RenderNodes["vfxpc01"]
	require.NotNil(t, rn)
	require.True(t, rn.Reachable(now, time.Minute))
	require.True(t, rn.InPool("renderfarm"))
	require.False(t, tree.RenderNodes["vfxpc02"].InPool("renderfarm"))
	require.Len(t, tree.GetPool("renderfarm").RenderNodes, 1)

	// A second sync refreshes workers in place.
	later := now.Add(time.Hour)
	Apply(tree, &PoolsData{
		RenderNodes: []*structs.RenderNode{
			{Name: "vfxpc01", Host: "vfxpc01.local", Port: 8000, CoresNumber: 32, RamSize: 65536},
		},
		Pools: map[string][]string{"renderfarm": {"vfxpc01"}},
	}, later)

	require.Len(t, tree.RenderNodes, 2)
	require.Equal(t, rn, tree.RenderNodes["vfxpc01"])
	require.Equal(t, 32, rn.CoresNumber)
	require.True(t, rn.LastHeartbeat.Equal(later))
}
