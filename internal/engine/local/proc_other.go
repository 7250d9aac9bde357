//go:build !unix

package local

import (
	"os/exec"
	"time"
)

// configure falls back to killing the engine process itself.
func configure(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}

func killGroup(*exec.Cmd) {}
