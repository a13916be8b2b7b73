//go:build darwin

package autostart

import (
	"fmt"
	"os"
	"path/filepath"
)

// Install writes a per-user launch agent and returns its path. It is loaded
// at the next login.
func Install(e Entry) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("autostart: %w", err)
	}
	return InstallLaunchAgent(filepath.Join(home, "Library", "LaunchAgents"), e)
}
