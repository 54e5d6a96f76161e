//go:build linux

package device

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// SystemRestart flushes filesystem buffers and reboots the machine.
// If the reboot syscall is refused the process exits instead.
func SystemRestart() {
	slog.Warn("system_reboot", "platform", "linux")
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		slog.Error("system_reboot_failed", "error", err)
	}
	os.Exit(RestartExitCode)
}
