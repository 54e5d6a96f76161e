//go:build !linux

package device

import (
	"log/slog"
	"runtime"
)

// SystemRestart falls back to ProcessExit where rebooting is not supported.
func SystemRestart() {
	slog.Warn("system_reboot_unavailable", "platform", runtime.GOOS)
	ProcessExit()
}
