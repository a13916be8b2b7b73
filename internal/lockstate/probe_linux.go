//go:build linux

package lockstate

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest       = "org.freedesktop.login1"
	logindPath       = dbus.ObjectPath("/org/freedesktop/login1")
	logindManager    = "org.freedesktop.login1.Manager"
	logindSession    = "org.freedesktop.login1.Session"
	propertiesGet    = "org.freedesktop.DBus.Properties.Get"
	autoSessionPath  = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	lockedHintMember = "LockedHint"
)

// LogindProbe reads the LockedHint of the caller's logind session from the
// system bus. Desktop environments set the hint when their screen locker engages.
type LogindProbe struct {
	// SessionID selects a session explicitly; empty uses XDG_SESSION_ID or
	// logind's "auto" session.
	SessionID string
}

// Platform returns the logind probe.
func Platform() Probe {
	return LogindProbe{SessionID: os.Getenv("XDG_SESSION_ID")}
}

func (p LogindProbe) Locked(ctx context.Context) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connect system bus: %w", err)
	}

	path := autoSessionPath
	if p.SessionID != "" {
		var resolved dbus.ObjectPath
		err := conn.Object(logindDest, logindPath).
			CallWithContext(ctx, logindManager+".GetSession", 0, p.SessionID).
			Store(&resolved)
		if err != nil {
			return false, fmt.Errorf("resolve session %s: %w", p.SessionID, err)
		}
		path = resolved
	}

	var v dbus.Variant
	err = conn.Object(logindDest, path).
		CallWithContext(ctx, propertiesGet, 0, logindSession, lockedHintMember).
		Store(&v)
	if err != nil {
		return false, fmt.Errorf("read %s of %s: %w", lockedHintMember, path, err)
	}
	locked, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%s has type %s", lockedHintMember, v.Signature())
	}
	return locked, nil
}
