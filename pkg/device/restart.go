package device

import (
	"log/slog"
	"os"
)

// RestartExitCode is the exit status used when the process stands in for a
// reboot; supervisors are expected to start it again.
const RestartExitCode = 75

// ProcessExit ends the process, modelling a device restart.
func ProcessExit() {
	slog.Warn("process_restart", "exit_code", RestartExitCode)
	os.Exit(RestartExitCode)
}
