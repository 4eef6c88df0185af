package supervisor

import "github.com/coreos/go-systemd/v22/daemon"

// NotifyFunc reports a sd_notify(3) state string to the service manager.
type NotifyFunc func(state string)

// SdNotify sends state over $NOTIFY_SOCKET. It is a no-op when the
// supervisor does not run under systemd.
func SdNotify(state string) { _, _ = daemon.SdNotify(false, state) }
