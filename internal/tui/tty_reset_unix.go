//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores terminal modes after the review UI
// exits uncleanly, so a crashed session doesn't leave the shell with
// echo off.
func bestEffortResetTTY() {
	// Nothing to fix when stdin isn't a TTY.
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Target the controlling TTY through /dev/tty so a redirected
	// stdin doesn't matter. Failures are ignored.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
