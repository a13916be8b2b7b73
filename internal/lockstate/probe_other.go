//go:build !linux && !windows && !darwin

package lockstate

import "context"

func Platform() Probe {
	return ProbeFunc(func(context.Context) (bool, error) { return false, ErrUnsupported })
}
