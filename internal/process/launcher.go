package process

import (
	"fmt"
	"os"
	"strconv"

	"github.com/loykin/wl-restart/internal/handoff"
)

// ShimCommand is the hidden subcommand through which the launcher re-executes
// its own binary to finish child setup before exec'ing the compositor.
const ShimCommand = "__exec"

// Endpoint is the listening socket as the launcher needs it.
type Endpoint interface {
	File() *os.File
	FD() int
}

// Launcher spawns compositor incarnations through the exec shim.
type Launcher struct {
	Self   string   // binary that implements the shim
	Prefix []string // arguments selecting the shim, normally {ShimCommand}

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// NewLauncher returns a launcher that re-executes the running binary and
// shares its stdio with the compositor.
func NewLauncher() (*Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	return &Launcher{
		Self:   self,
		Prefix: []string{ShimCommand},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Args returns the shim command line wrapping argv.
func (l *Launcher) Args(argv []string, mode handoff.Mode, fd int) []string {
	args := make([]string, 0, len(l.Prefix)+len(argv)+6)
	args = append(args, l.Self)
	args = append(args, l.Prefix...)
	args = append(args, "--mode", mode.String(), "--fd", strconv.Itoa(fd), "--")
	return append(args, argv...)
}

// Launch starts one incarnation and returns its pid. The socket is the only
// descriptor beyond stdio the child inherits, at the same number it has here;
// in activation mode the shim moves it to ListenFDsStart. A compositor that cannot be
// executed is not an error here: the shim exits with ExitExecFailed and the
// caller observes that when reaping.
func (l *Launcher) Launch(argv, envv []string, ep Endpoint, mode handoff.Mode) (int, error) {
	if len(argv) == 0 {
		return NoPID, handoff.ErrEmptyCommand
	}
	fd := ep.FD()
	if fd < 3 {
		return NoPID, fmt.Errorf("%w: %d collides with stdio", handoff.ErrInvalidDescriptor, fd)
	}

	files := make([]*os.File, fd+1)
	files[0], files[1], files[2] = l.Stdin, l.Stdout, l.Stderr
	files[fd] = ep.File()

	p, err := os.StartProcess(l.Self, l.Args(argv, mode, fd), &os.ProcAttr{
		Env:   envv,
		Files: files,
	})
	if err != nil {
		return NoPID, fmt.Errorf("start %s: %w", argv[0], err)
	}
	pid := p.Pid
	// Reap waits with wait4 directly; the handle is not needed
	_ = p.Release()
	return pid, nil
}
