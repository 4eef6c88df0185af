// Package socket owns the Wayland listening socket that outlives compositor
// restarts. It reserves a free wayland-N display the same way libwayland
// does: a lock file guards the name, then the socket is bound and listened on.
package socket

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	maxDisplay = 32
	backlog    = 128
	lockSuffix = ".lock"
	// sun_path is 108 bytes on Linux, including the terminating NUL
	maxPathLen = 107
)

var (
	ErrNoRuntimeDir  = errors.New("XDG_RUNTIME_DIR is not set")
	ErrNoFreeDisplay = errors.New("no free wayland display")
	errNameTaken     = errors.New("display name taken")
)

// Socket is a bound, listening Wayland socket plus its lock file.
type Socket struct {
	name     string
	path     string
	lockPath string
	lock     *os.File
	file     *os.File
	fd       int

	once       sync.Once
	destroyErr error
}

// Create reserves the first free display under $XDG_RUNTIME_DIR.
func Create() (*Socket, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return nil, ErrNoRuntimeDir
	}
	return CreateIn(dir)
}

// CreateIn reserves the first free wayland-N display in dir.
func CreateIn(dir string) (*Socket, error) {
	for i := 0; i <= maxDisplay; i++ {
		s, err := bind(dir, "wayland-"+strconv.Itoa(i))
		if errors.Is(err, errNameTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrNoFreeDisplay
}

func bind(dir, name string) (*Socket, error) {
	path := filepath.Join(dir, name)
	if len(path) > maxPathLen {
		return nil, fmt.Errorf("socket path %s too long", path)
	}
	lockPath := path + lockSuffix

	// #nosec G304 -- path is derived from the runtime dir and a generated name
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errNameTaken
		}
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}

	// holding the lock means any existing socket file is stale
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Close()
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		_ = lock.Close()
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, errNameTaken
		}
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		_ = lock.Close()
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return &Socket{
		name:     name,
		path:     path,
		lockPath: lockPath,
		lock:     lock,
		file:     os.NewFile(uintptr(fd), path),
		fd:       fd,
	}, nil
}

// FD returns the listening descriptor number in this process.
func (s *Socket) FD() int { return s.fd }

// DisplayName returns the WAYLAND_DISPLAY value clients use, e.g. wayland-1.
func (s *Socket) DisplayName() string { return s.name }

// Path returns the absolute socket path.
func (s *Socket) Path() string { return s.path }

// File exposes the descriptor for handing it to a child process.
func (s *Socket) File() *os.File { return s.file }

// Destroy closes the socket and removes its files. Only the first call has an effect.
func (s *Socket) Destroy() error {
	s.once.Do(func() {
		var errs []error
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := s.lock.Close(); err != nil {
			errs = append(errs, err)
		}
		s.destroyErr = errors.Join(errs...)
	})
	return s.destroyErr
}
