// Package handoff turns the operator's compositor command line into the
// final argv and environment overrides that tell each compositor incarnation
// where the shared Wayland socket lives.
package handoff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how the socket is announced to the compositor.
type Mode int

const (
	// ModeKDE passes --socket <name> --wayland-fd <fd> (KWin convention).
	ModeKDE Mode = iota
	// ModeCLI passes --wayland-socket <name> --wayland-fd <fd>.
	ModeCLI
	// ModeEnv exports WAYLAND_SOCKET_NAME and WAYLAND_SOCKET_FD.
	ModeEnv
	// ModeSystemd follows the systemd socket activation protocol.
	ModeSystemd
)

// Names of the arguments and variables used by the handoff modes.
const (
	FlagKDESocket = "--socket"
	FlagCLISocket = "--wayland-socket"
	FlagFD        = "--wayland-fd"

	EnvSocketName    = "WAYLAND_SOCKET_NAME"
	EnvSocketFD      = "WAYLAND_SOCKET_FD"
	EnvListenFDNames = "LISTEN_FDNAMES"
	EnvListenFDs     = "LISTEN_FDS"
	EnvListenPID     = "LISTEN_PID"
	EnvRestartCount  = "WL_RESTART_COUNT"
)

// ListenFDsStart is the first descriptor number of the socket activation
// protocol (SD_LISTEN_FDS_START in sd-daemon.h).
const ListenFDsStart = 3

var (
	ErrInvalidDescriptor = errors.New("invalid socket descriptor")
	ErrEmptyCommand      = errors.New("empty compositor command")
	ErrUnknownMode       = errors.New("unknown handoff mode")
)

var modeNames = map[Mode]string{
	ModeKDE:     "kde",
	ModeCLI:     "cli",
	ModeEnv:     "env",
	ModeSystemd: "systemd",
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode accepts the names printed by Mode.String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == want {
			return m, nil
		}
	}
	return ModeKDE, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Endpoint is the read side of the shared socket the builder needs.
type Endpoint interface {
	FD() int
	DisplayName() string
}

// Plan is the materialised command line for every incarnation.
type Plan struct {
	Argv []string // program followed by its arguments
	Env  []string // KEY=VALUE overrides on top of the inherited environment
}

// Build derives the plan for mode. The template is copied, never modified.
func Build(template []string, mode Mode, ep Endpoint) (Plan, error) {
	if len(template) == 0 {
		return Plan{}, ErrEmptyCommand
	}
	argv := make([]string, len(template), len(template)+4)
	copy(argv, template)

	name := ep.DisplayName()
	switch mode {
	case ModeKDE, ModeCLI:
		fd, err := formatFD(ep.FD())
		if err != nil {
			return Plan{}, err
		}
		flag := FlagKDESocket
		if mode == ModeCLI {
			flag = FlagCLISocket
		}
		argv = append(argv, flag, name, FlagFD, fd)
		return Plan{Argv: argv}, nil
	case ModeEnv:
		fd, err := formatFD(ep.FD())
		if err != nil {
			return Plan{}, err
		}
		return Plan{Argv: argv, Env: []string{
			EnvSocketName + "=" + name,
			EnvSocketFD + "=" + fd,
		}}, nil
	case ModeSystemd:
		// the activation protocol fixes the descriptor number and only passes a count
		return Plan{Argv: argv, Env: []string{
			EnvListenFDNames + "=" + name,
			EnvListenFDs + "=1",
		}}, nil
	default:
		return Plan{}, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
}

func formatFD(fd int) (string, error) {
	if fd < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidDescriptor, fd)
	}
	return strconv.Itoa(fd), nil
}
