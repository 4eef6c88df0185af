package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/handoff"
)

// ExitExecFailed is the shim's exit status when the compositor cannot be executed.
const ExitExecFailed = 127

// ExecRequest is what the shim receives from the launcher.
type ExecRequest struct {
	Mode handoff.Mode
	FD   int      // descriptor of the inherited socket
	Argv []string // compositor command line
}

// ParseExecArgs decodes the shim arguments produced by Launcher.Args,
// without the leading ShimCommand.
func ParseExecArgs(args []string) (ExecRequest, error) {
	fs := pflag.NewFlagSet(ShimCommand, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	mode := fs.String("mode", "", "")
	fd := fs.Int("fd", -1, "")
	if err := fs.Parse(args); err != nil {
		return ExecRequest{}, err
	}
	m, err := handoff.ParseMode(*mode)
	if err != nil {
		return ExecRequest{}, err
	}
	if *fd < 0 {
		return ExecRequest{}, fmt.Errorf("%w: %d", handoff.ErrInvalidDescriptor, *fd)
	}
	return ExecRequest{Mode: m, FD: *fd, Argv: fs.Args()}, nil
}

// ExecChild finishes per-mode setup and replaces the current process image
// with the compositor. It returns only on failure.
func ExecChild(req ExecRequest) error {
	if len(req.Argv) == 0 {
		return handoff.ErrEmptyCommand
	}
	if req.Mode == handoff.ModeSystemd {
		if err := os.Setenv(handoff.EnvListenPID, strconv.Itoa(os.Getpid())); err != nil {
			return fmt.Errorf("set %s: %w", handoff.EnvListenPID, err)
		}
		if req.FD != handoff.ListenFDsStart {
			if err := moveFD(req.FD, handoff.ListenFDsStart); err != nil {
				return fmt.Errorf("move socket fd to %d: %w", handoff.ListenFDsStart, err)
			}
		}
	}

	path, err := lookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("failed to start compositor: %w", err)
	}
	if err := unix.Exec(path, req.Argv, os.Environ()); err != nil {
		return fmt.Errorf("failed to start compositor %s: %w", path, err)
	}
	return nil
}

// lookPath resolves file like execvp does, which includes relative PATH
// entries such as "." that exec.LookPath refuses with ErrDot.
func lookPath(file string) (string, error) {
	path, err := exec.LookPath(file)
	if errors.Is(err, exec.ErrDot) {
		return path, nil
	}
	return path, err
}

// moveFD duplicates from onto to and closes from so the socket is not
// visible to the compositor under a second number.
func moveFD(from, to int) error {
	if err := dupTo(from, to); err != nil {
		return err
	}
	return unix.Close(from)
}
