package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{}
	if err := hcl.Decode(c, buf.String()); err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"rn_timeout", &c.RNTimeout, &c.RNTimeoutHCL},
		{"command_timeout", &c.CommandTimeout, &c.CommandTimeoutHCL},
		{"assign_interval", &c.AssignInterval, &c.AssignIntervalHCL},
		{"flush_interval", &c.FlushInterval, &c.FlushIntervalHCL},
		{"kill_grace", &c.KillGrace, &c.KillGraceHCL},
		{"archive_grace", &c.ArchiveGrace, &c.ArchiveGraceHCL},
	}
	if err := convertDurations(tds); err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
}

// convertDurations parses the duration strings specified in the config
// files into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		if x.sourceField == nil || *x.sourceField == "" {
			continue
		}
		d, err := time.ParseDuration(*x.sourceField)
		if err != nil {
			return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
		}
		*x.targetField = d
	}
	return nil
}

// LoadConfig loads a configuration file, or every *.hcl file of a directory
// merged in lexical order.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return ParseConfigFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".hcl" {
			continue
		}
		sub, err := ParseConfigFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		config = config.Merge(sub)
	}
	return config, nil
}
