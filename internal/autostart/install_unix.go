//go:build !darwin && !windows

package autostart

import (
	"fmt"
	"os"
	"path/filepath"
)

// Install writes an XDG autostart entry and returns its path.
func Install(e Entry) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("autostart: %w", err)
	}
	return InstallDesktopEntry(filepath.Join(dir, "autostart"), e)
}
