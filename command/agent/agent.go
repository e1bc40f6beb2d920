package agent

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/openrendermanagement/octopus/octopus"
	"github.com/openrendermanagement/octopus/octopus/state"
)

// Agent owns the running dispatcher: the store, the single-writer loop and
// the HTTP surface.
type Agent struct {
	config     *Config
	logger     hclog.Logger
	store      *state.Store
	dispatcher *octopus.Dispatcher
	httpServer *HTTPServer

	shutdownCh chan struct{}
}

// NewAgent opens the store, restores the dispatch tree, loads the pools
// backend and starts the loop and the HTTP server.
func NewAgent(config *Config, logOutput io.Writer) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := setupProcess(config); err != nil {
		return nil, err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "octopus",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: logOutput,
	})

	a := &Agent{
		config:     config,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	if config.PidFile != "" {
		if err := writePidFile(config.PidFile); err != nil {
			return nil, err
		}
	}

	store, err := state.Open(logger, config.DB.Path, config.DB.CleanData)
	if err != nil {
		return nil, err
	}
	a.store = store

	tree, err := store.Restore()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	workers := octopus.NewWorkerClient(10 * time.Second)
	a.dispatcher = octopus.NewDispatcher(logger, config.DispatcherConfig(), tree, store, workers)

	if err := a.loadPoolsBackend(tree); err != nil {
		_ = store.Close()
		return nil, err
	}

	go a.dispatcher.Run()

	httpServer, err := NewHTTPServer(a, config)
	if err != nil {
		a.dispatcher.Shutdown()
		_ = store.Close()
		return nil, err
	}
	a.httpServer = httpServer

	logger.Info("agent started", "addr", httpServer.Addr(), "pools_backend", config.PoolsBackend)
	return a, nil
}

// loadPoolsBackend seeds the fleet and the licence counters before the
// loop starts, so no locking is needed.
func (a *Agent) loadPoolsBackend(tree *octopus.DispatchTree) error {
	var backend state.PoolsBackend
	switch a.config.PoolsBackend {
	case "file":
		backend = &state.FilePoolsBackend{
			WorkersPath: a.config.FileBackend.WorkersPath,
			PoolsPath:   a.config.FileBackend.PoolsPath,
		}
	case "ws":
		backend = state.NewWebServicePoolsBackend(a.config.WSBackendURL)
	case "db":
		// The store is the source; restore already loaded the fleet.
	}
	if backend != nil {
		data, err := backend.Load()
		if err != nil {
			return fmt.Errorf("pools backend: %w", err)
		}
		state.Apply(tree, data, time.Now())
		a.logger.Info("fleet loaded from backend", "render_nodes", len(data.RenderNodes), "pools", len(data.Pools))
	}

	if a.config.FileBackend != nil && a.config.FileBackend.LicencesPath != "" {
		f, err := os.Open(a.config.FileBackend.LicencesPath)
		if err != nil {
			return fmt.Errorf("licences list: %w", err)
		}
		defer f.Close()
		if err := a.dispatcher.Licences().Load(bufio.NewScanner(f)); err != nil {
			return fmt.Errorf("licences list: %w", err)
		}
	}
	return nil
}

// HTTPAddr returns the bound API address.
func (a *Agent) HTTPAddr() string { return a.httpServer.Addr() }

// Shutdown stops the HTTP server, drains the loop with a final flush and
// closes the store.
func (a *Agent) Shutdown() {
	a.logger.Info("agent shutting down")
	a.httpServer.Shutdown()
	a.dispatcher.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", "error", err)
	}
	if a.config.PidFile != "" {
		_ = os.Remove(a.config.PidFile)
	}
	close(a.shutdownCh)
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
