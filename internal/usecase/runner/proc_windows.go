//go:build windows

package runner

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalProcess kills outright: Windows has no SIGTERM delivery.
func signalProcess(cmd *exec.Cmd, _ os.Signal) error {
	return cmd.Process.Kill()
}
