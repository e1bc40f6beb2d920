// Package command implements the octopus CLI commands.
package command

import (
	"flag"
	"os"

	"github.com/hashicorp/cli"
)

const (
	// EnvOctopusAddr names the env var carrying the dispatcher address.
	EnvOctopusAddr = "OCTOPUS_ADDR"

	// DefaultAddress is where a local dispatcher listens by default.
	DefaultAddress = "http://127.0.0.1:8004"
)

// Meta contains the options common to all commands.
type Meta struct {
	Ui cli.Ui

	flagAddress string
}

// FlagSet returns a flag set carrying the common flags.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringVar(&m.flagAddress, "address", "", "dispatcher address")
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// Address resolves the dispatcher address: flag, then env, then default.
func (m *Meta) Address() string {
	if m.flagAddress != "" {
		return m.flagAddress
	}
	if addr := os.Getenv(EnvOctopusAddr); addr != "" {
		return addr
	}
	return DefaultAddress
}

// uiErrorWriter routes flag package output to the UI error stream.
type uiErrorWriter struct {
	ui cli.Ui
}

func (w *uiErrorWriter) Write(p []byte) (int, error) {
	w.ui.Error(string(p))
	return len(p), nil
}
