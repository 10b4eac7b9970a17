//go:build windows

package process

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no process-group signals; both operations terminate the pid.
func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func probeAlive(pid int) (bool, error) {
	return gopsproc.PidExists(int32(pid))
}
