//go:build !darwin

package permissions

import "go.uber.org/zap"

// EnsureCamera is a no-op where camera access is not gated per application.
func EnsureCamera(*zap.Logger) error { return nil }
