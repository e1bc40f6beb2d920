//go:build !unix

package agent

func setupProcess(config *Config) error { return nil }
