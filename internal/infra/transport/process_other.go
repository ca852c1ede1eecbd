//go:build !linux && !darwin

package transport

import "os/exec"

type processCleanup func()

func setupProcessHandling(cmd *exec.Cmd) processCleanup {
	return func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
