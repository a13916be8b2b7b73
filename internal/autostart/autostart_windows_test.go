//go:build windows

package autostart

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandLine(t *testing.T) {
	got := CommandLine(Entry{
		Executable: `C:\Program Files\Lockguard\lockguard.exe`,
		Args:       []string{"-config", `C:\Users\me\lock guard.toml`},
	})
	assert.Equal(t, `"C:\Program Files\Lockguard\lockguard.exe" -config "C:\Users\me\lock guard.toml"`, got)
}
