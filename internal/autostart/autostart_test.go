package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesktopEntry(t *testing.T) {
	data, err := DesktopEntry(Entry{
		Executable: "/opt/lock guard/lockguard",
		Args:       []string{"-config", "/etc/lockguard.toml"},
	})
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "[Desktop Entry]\n"))
	assert.Contains(t, text, "\nType=Application\n")
	assert.Contains(t, text, "\nName=Lockguard\n")
	assert.Contains(t, text, "\nExec=\"/opt/lock guard/lockguard\" -config /etc/lockguard.toml\n")
	assert.Contains(t, text, "\nX-GNOME-Autostart-enabled=true\n")
}

func TestQuoteExecArg(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/usr/bin/lockguard", "/usr/bin/lockguard"},
		{"-config=/etc/x.toml", "-config=/etc/x.toml"},
		{"", `""`},
		{"my file", `"my file"`},
		{"$HOME", `"\\$HOME"`},
		{`a"b`, `"a\\"b"`},
		{"100%", `"100%%"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteExecArg(tt.in))
		})
	}
}

func TestLaunchAgentPlist(t *testing.T) {
	data, err := LaunchAgentPlist(Entry{
		Executable: "/Applications/Lockguard.app/Contents/MacOS/lockguard",
		Args:       []string{"-config", "/Users/a&b/lockguard.toml"},
	})
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, text, "<string>"+Label+"</string>")
	assert.Contains(t, text, "<string>/Applications/Lockguard.app/Contents/MacOS/lockguard</string>\n\t\t<string>-config</string>")
	assert.Contains(t, text, "<string>/Users/a&amp;b/lockguard.toml</string>")
	assert.Contains(t, text, "<key>RunAtLoad</key>\n\t<true/>")
}

func TestEntryValidation(t *testing.T) {
	_, err := DesktopEntry(Entry{})
	assert.ErrorIs(t, err, ErrNoExecutable)
	_, err = LaunchAgentPlist(Entry{Executable: "lockguard"})
	assert.ErrorContains(t, err, "not absolute")
}

func TestInstallWritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "autostart")
	e := Entry{Executable: "/usr/local/bin/lockguard"}

	path, err := InstallDesktopEntry(dir, e)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lockguard.desktop"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Exec=/usr/local/bin/lockguard\n")

	// Reinstalling replaces the file in place.
	path2, err := InstallDesktopEntry(dir, Entry{Executable: "/usr/bin/lockguard"})
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Exec=/usr/bin/lockguard\n")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")

	path, err = InstallLaunchAgent(dir, e)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Label+".plist"), path)
}
