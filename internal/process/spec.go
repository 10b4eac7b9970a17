package process

import (
	"io"
	"os/exec"
)

// DefaultTailLines is how many stderr lines are kept for crash reports.
const DefaultTailLines = 50

// Spec describes one worker spawn.
type Spec struct {
	Name      string    // used in log records
	Argv      []string  // executable followed by its arguments
	WorkDir   string    // optional working directory
	Env       []string  // complete environment in K=V form; nil inherits
	StderrLog io.Writer // optional sink for raw worker stderr
	TailLines int       // stderr lines retained; DefaultTailLines when zero
}

// BuildCommand constructs the *exec.Cmd for the spec. No shell is involved:
// the executable and every argument are passed verbatim.
func (s Spec) BuildCommand() *exec.Cmd {
	// ok: intentional execution, the path is validated by the caller
	// #nosec G204
	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}
