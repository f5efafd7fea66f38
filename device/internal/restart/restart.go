package restart

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ExitCodeRestart is the exit status used when the process can not replace
// itself and relies on its supervisor to start the new image
const ExitCodeRestart = 3

// Restarter hard resets the device. Restart does not return in production;
// the in-memory image is stale once the active install has been swapped.
type Restarter interface {
	Restart()
}

// Func adapts a function to the Restarter interface
type Func func()

func (f Func) Restart() {
	f()
}

// Exec replaces the running process with the entrypoint of the freshly
// installed image
type Exec struct {
	path string
	args []string

	exec func(path string, argv []string, env []string) error
	exit func(code int)
}

// NewExec returns a Restarter starting path with args. When the exec fails the
// process exits with ExitCodeRestart.
func NewExec(path string, args []string) *Exec {
	return &Exec{
		path: path,
		args: args,
		exec: execve,
		exit: os.Exit,
	}
}

func (e *Exec) Restart() {
	log.Infof("restarting into %s", e.path)

	argv := append([]string{e.path}, e.args...)
	err := e.exec(e.path, argv, os.Environ())

	log.Errorf("failed to exec %s: %v, exiting with %d", e.path, err, ExitCodeRestart)
	e.exit(ExitCodeRestart)
}
