//go:build !windows

package tui

import "os/exec"

// restoreTerminal puts the controlling terminal back into sane mode after a
// prompt that was killed mid-render left it raw.
func restoreTerminal() {
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
