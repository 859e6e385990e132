//go:build windows

package engine

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(*exec.Cmd) {}

// signalGroup has no graceful variant on Windows; both paths kill.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
