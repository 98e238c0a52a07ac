//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

// Without process groups only the direct child is signalled.
func setProcessGroup(*exec.Cmd) {}

func interruptGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(os.Interrupt)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
