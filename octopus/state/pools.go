package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/openrendermanagement/octopus/octopus"
	"github.com/openrendermanagement/octopus/octopus/structs"
)

// PoolsData is the external description of the worker fleet: the render
// nodes and the pool membership by worker name.
type PoolsData struct {
	RenderNodes []*structs.RenderNode
	Pools       map[string][]string
}

// PoolsBackend supplies the fleet from an external source at boot. The
// "db" backend has no loader: the store itself is the source.
type PoolsBackend interface {
	Load() (*PoolsData, error)
}

// FilePoolsBackend reads the fleet from flat files: a workers list with one
// "name host port cores speed ram" line per worker, and an optional pools
// list with one "pool: name name ..." line per pool.
type FilePoolsBackend struct {
	WorkersPath string
	PoolsPath   string
}

func (f *FilePoolsBackend) Load() (*PoolsData, error) {
	data := &PoolsData{Pools: make(map[string][]string)}

	workers, err := os.Open(f.WorkersPath)
	if err != nil {
		return nil, fmt.Errorf("open workers list: %w", err)
	}
	defer workers.Close()

	scanner := bufio.NewScanner(workers)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 6 {
			return nil, fmt.Errorf("workers list line %d: expected 6 fields, got %d", line, len(fields))
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("workers list line %d: bad port %q", line, fields[2])
		}
		cores, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("workers list line %d: bad cores %q", line, fields[3])
		}
		speed, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("workers list line %d: bad speed %q", line, fields[4])
		}
		ram, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("workers list line %d: bad ram %q", line, fields[5])
		}
		data.RenderNodes = append(data.RenderNodes, &structs.RenderNode{
			Name:        fields[0],
			Host:        fields[1],
			Port:        port,
			CoresNumber: cores,
			Speed:       speed,
			RamSize:     ram,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if f.PoolsPath == "" {
		return data, nil
	}
	pools, err := os.Open(f.PoolsPath)
	if err != nil {
		return nil, fmt.Errorf("open pools list: %w", err)
	}
	defer pools.Close()

	scanner = bufio.NewScanner(pools)
	line = 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, members, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("pools list line %d: expected \"pool: workers...\", got %q", line, text)
		}
		data.Pools[strings.TrimSpace(name)] = strings.Fields(members)
	}
	return data, scanner.Err()
}

// WebServicePoolsBackend fetches the fleet as JSON from an HTTP endpoint.
type WebServicePoolsBackend struct {
	URL    string
	client *http.Client
}

func NewWebServicePoolsBackend(url string) *WebServicePoolsBackend {
	client := cleanhttp.DefaultClient()
	client.Timeout = 30 * time.Second
	return &WebServicePoolsBackend{URL: url, client: client}
}

type wsFleet struct {
	RenderNodes []struct {
		Name            string            `json:"name"`
		Host            string            `json:"host"`
		Port            int               `json:"port"`
		CoresNumber     int               `json:"coresNumber"`
		Speed           float64           `json:"speed"`
		RamSize         int               `json:"ramSize"`
		Characteristics map[string]string `json:"characteristics"`
	} `json:"renderNodes"`
	Pools []struct {
		Name        string   `json:"name"`
		RenderNodes []string `json:"renderNodes"`
	} `json:"pools"`
}

func (w *WebServicePoolsBackend) Load() (*PoolsData, error) {
	resp, err := w.client.Get(w.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch fleet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch fleet: %s", resp.Status)
	}
	var fleet wsFleet
	if err := json.NewDecoder(resp.Body).Decode(&fleet); err != nil {
		return nil, fmt.Errorf("decode fleet: %w", err)
	}

	data := &PoolsData{Pools: make(map[string][]string)}
	for _, rn := range fleet.RenderNodes {
		data.RenderNodes = append(data.RenderNodes, &structs.RenderNode{
			Name:            rn.Name,
			Host:            rn.Host,
			Port:            rn.Port,
			CoresNumber:     rn.CoresNumber,
			Speed:           rn.Speed,
			RamSize:         rn.RamSize,
			Characteristics: rn.Characteristics,
		})
	}
	for _, p := range fleet.Pools {
		data.Pools[p.Name] = p.RenderNodes
	}
	return data, nil
}

// Apply merges externally-sourced fleet data into the tree: workers are
// registered (refreshed when known) and pool membership is rebuilt from the
// backend's view.
func Apply(tree *octopus.DispatchTree, data *PoolsData, now time.Time) {
	for _, rn := range data.RenderNodes {
		tree.RegisterRenderNode(rn, now)
	}
	for poolName, members := range data.Pools {
		pool := tree.GetPool(poolName)
		for _, name := range members {
			if rn, ok := tree.RenderNodes[name]; ok {
				pool.AddRenderNode(rn)
				tree.MarkModified(rn)
			}
		}
	}
}
