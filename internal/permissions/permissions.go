// Package permissions checks that the process may use the camera before a
// session opens it. Only macOS gates camera access per application.
package permissions

import (
	"errors"
	"fmt"
)

// AuthorizationStatus represents the current permission state
type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = 0
	Restricted    AuthorizationStatus = 1
	Denied        AuthorizationStatus = 2
	Authorized    AuthorizationStatus = 3
)

// ErrCameraDenied is returned when the user or a policy refused access.
var ErrCameraDenied = errors.New("camera access denied")

func (s AuthorizationStatus) String() string {
	switch s {
	case NotDetermined:
		return "Not Determined"
	case Restricted:
		return "Restricted"
	case Denied:
		return "Denied"
	case Authorized:
		return "Authorized"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// decide maps a status, and the answer to a prompt when one was needed,
// onto the result of EnsureCamera.
func decide(status AuthorizationStatus, request func() (bool, error)) error {
	switch status {
	case Authorized:
		return nil
	case NotDetermined:
		granted, err := request()
		if err != nil {
			return fmt.Errorf("failed to request camera permission: %w", err)
		}
		if !granted {
			return fmt.Errorf("%w by user", ErrCameraDenied)
		}
		return nil
	default:
		return fmt.Errorf("%w (%s): grant it in System Settings > Privacy & Security > Camera", ErrCameraDenied, status)
	}
}
