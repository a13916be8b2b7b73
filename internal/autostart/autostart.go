// Package autostart registers lockguard to start at user login.
package autostart

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	AppName = "Lockguard"
	// Label identifies the macOS launch agent.
	Label = "io.github.mikeyg42.lockguard"

	desktopFile = "lockguard.desktop"
	filePerms   = 0o644
	dirPerms    = 0o755
)

var ErrNoExecutable = errors.New("autostart: executable path is required")

// Entry describes the command started at login.
type Entry struct {
	Executable string
	Args       []string
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Executable) == "" {
		return ErrNoExecutable
	}
	if !filepath.IsAbs(e.Executable) {
		return fmt.Errorf("autostart: executable path %q is not absolute", e.Executable)
	}
	return nil
}

var desktopTmpl = template.Must(template.New("desktop").Parse(`[Desktop Entry]
Type=Application
Name={{.Name}}
Comment=Watch the camera while the session is locked
Exec={{.Exec}}
Hidden=false
NoDisplay=false
Terminal=false
X-GNOME-Autostart-enabled=true
`))

// DesktopEntry renders an XDG autostart desktop entry.
func DesktopEntry(e Entry) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(e.Args)+1)
	fields = append(fields, quoteExecArg(e.Executable))
	for _, a := range e.Args {
		fields = append(fields, quoteExecArg(a))
	}

	var buf bytes.Buffer
	err := desktopTmpl.Execute(&buf, struct{ Name, Exec string }{AppName, strings.Join(fields, " ")})
	if err != nil {
		return nil, fmt.Errorf("render desktop entry: %w", err)
	}
	return buf.Bytes(), nil
}

// quoteExecArg quotes an Exec key argument when it holds reserved characters.
func quoteExecArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\><~|&;$*?#()`%") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '`', '$', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	// The value is unescaped once as a string before it is split into
	// arguments, and % starts a field code even inside quotes.
	q := strings.ReplaceAll(b.String(), `\`, `\\`)
	return strings.ReplaceAll(q, "%", "%%")
}

var plistTmpl = template.Must(template.New("plist").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{xml .Label}}</string>
	<key>ProgramArguments</key>
	<array>
{{- range .Args}}
		<string>{{xml .}}</string>
{{- end}}
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>ProcessType</key>
	<string>Interactive</string>
</dict>
</plist>
`))

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// LaunchAgentPlist renders a macOS launch agent property list.
func LaunchAgentPlist(e Entry) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	args := append([]string{e.Executable}, e.Args...)

	var buf bytes.Buffer
	if err := plistTmpl.Execute(&buf, struct {
		Label string
		Args  []string
	}{Label, args}); err != nil {
		return nil, fmt.Errorf("render launch agent: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallDesktopEntry writes the desktop entry into dir, usually
// $XDG_CONFIG_HOME/autostart, and returns the file path.
func InstallDesktopEntry(dir string, e Entry) (string, error) {
	data, err := DesktopEntry(e)
	if err != nil {
		return "", err
	}
	return writeFile(dir, desktopFile, data)
}

// InstallLaunchAgent writes the property list into dir, usually
// ~/Library/LaunchAgents, and returns the file path.
func InstallLaunchAgent(dir string, e Entry) (string, error) {
	data, err := LaunchAgentPlist(e)
	if err != nil {
		return "", err
	}
	return writeFile(dir, Label+".plist", data)
}

func writeFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerms); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("install %s: %w", path, err)
	}
	return path, nil
}
