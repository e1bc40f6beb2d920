//go:build unix

package agent

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// setupProcess applies the process-level knobs before the agent opens the
// store or any socket: the open files soft limit and the run_as user drop.
func setupProcess(config *Config) error {
	if config.LimitOpenFiles > 0 {
		var lim syscall.Rlimit
		if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
			return fmt.Errorf("read open files limit: %w", err)
		}
		if config.LimitOpenFiles > lim.Max {
			return fmt.Errorf("limit_open_files %d exceeds hard limit %d", config.LimitOpenFiles, lim.Max)
		}
		lim.Cur = config.LimitOpenFiles
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
			return fmt.Errorf("raise open files limit: %w", err)
		}
	}

	// Dropping privileges only makes sense when started as root.
	if config.RunAs != "" && os.Geteuid() == 0 {
		u, err := user.Lookup(config.RunAs)
		if err != nil {
			return fmt.Errorf("run_as user %q: %w", config.RunAs, err)
		}
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return fmt.Errorf("run_as user %q: bad gid %q", config.RunAs, u.Gid)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("run_as user %q: bad uid %q", config.RunAs, u.Uid)
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("drop group to %q: %w", config.RunAs, err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("drop user to %q: %w", config.RunAs, err)
		}
	}
	return nil
}
