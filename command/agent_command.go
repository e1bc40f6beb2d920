package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openrendermanagement/octopus/command/agent"
	"github.com/openrendermanagement/octopus/version"
)

// AgentCommand runs the dispatcher until interrupted.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: octopus agent [options]

  Starts the octopus dispatcher agent: restores the dispatch tree from the
  store, loads the worker fleet and serves the HTTP API.

Options:

  -config=<path>
    Path to an HCL configuration file, or a directory of *.hcl files merged
    in lexical order.

  -port=<port>
    HTTP port to bind, default 8004.

  -address=<addr>
    HTTP address to bind, default 0.0.0.0.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN or ERROR. Default INFO.

  -db=<path>
    Path to the state store file.

  -clean-data
    Drop all tables on boot.

  -pools-backend=<db|file|ws>
    Source of the worker fleet.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the dispatcher agent"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Run(args []string) int {
	var configPath, bindAddress, logLevel, dbPath, poolsBackend string
	var port int
	var cleanData bool

	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&configPath, "config", "", "")
	flags.IntVar(&port, "port", 0, "")
	flags.StringVar(&bindAddress, "address", "", "")
	flags.StringVar(&logLevel, "log-level", "", "")
	flags.StringVar(&dbPath, "db", "", "")
	flags.BoolVar(&cleanData, "clean-data", false, "")
	flags.StringVar(&poolsBackend, "pools-backend", "", "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config := agent.DefaultConfig()
	if configPath != "" {
		fileConfig, err := agent.LoadConfig(configPath)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", configPath, err))
			return 1
		}
		config = config.Merge(fileConfig)
	}

	// Flags override the file.
	overrides := &agent.Config{
		Port:         port,
		Address:      bindAddress,
		LogLevel:     logLevel,
		PoolsBackend: poolsBackend,
	}
	if dbPath != "" || cleanData {
		overrides.DB = &agent.DBConfig{Path: dbPath, CleanData: cleanData}
	}
	config = config.Merge(overrides)

	c.Ui.Output(fmt.Sprintf("Octopus dispatcher %s", version.GetVersion().FullVersionNumber(false)))

	logOutput := io.Writer(os.Stderr)
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
			c.Ui.Error(fmt.Sprintf("Error creating log dir %s: %s", config.LogDir, err))
			return 1
		}
		f, err := os.OpenFile(filepath.Join(config.LogDir, "dispatcher.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error opening log file: %s", err))
			return 1
		}
		defer f.Close()
		logOutput = io.MultiWriter(os.Stderr, f)
	}

	a, err := agent.NewAgent(config, logOutput)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.Ui.Output(fmt.Sprintf("HTTP API listening on %s", a.HTTPAddr()))

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))
	a.Shutdown()
	return 0
}
