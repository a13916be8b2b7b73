//go:build windows

package autostart

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const runKey = `Software\Microsoft\Windows\CurrentVersion\Run`

// Install sets the per-user Run value and returns its registry location.
func Install(e Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	k, _, err := registry.CreateKey(registry.CURRENT_USER, runKey, registry.SET_VALUE)
	if err != nil {
		return "", fmt.Errorf("autostart: open run key: %w", err)
	}
	defer k.Close()

	if err := k.SetStringValue(AppName, CommandLine(e)); err != nil {
		return "", fmt.Errorf("autostart: set run value: %w", err)
	}
	return `HKCU\` + runKey + `\` + AppName, nil
}

// CommandLine renders e as a Windows command line with the executable
// always quoted.
func CommandLine(e Entry) string {
	parts := []string{`"` + e.Executable + `"`}
	for _, a := range e.Args {
		parts = append(parts, windows.EscapeArg(a))
	}
	return strings.Join(parts, " ")
}
