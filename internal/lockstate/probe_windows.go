//go:build windows

package lockstate

import (
	"context"

	"golang.org/x/sys/windows"
)

var procGetForegroundWindow = windows.NewLazySystemDLL("user32.dll").NewProc("GetForegroundWindow")

// ForegroundProbe treats the absence of a foreground window as the secure
// desktop, which is what the lock screen switches to.
type ForegroundProbe struct{}

// Platform returns the foreground window probe.
func Platform() Probe { return ForegroundProbe{} }

func (ForegroundProbe) Locked(ctx context.Context) (bool, error) {
	if err := procGetForegroundWindow.Find(); err != nil {
		return false, err
	}
	hwnd, _, _ := procGetForegroundWindow.Call()
	return hwnd == 0, ctx.Err()
}
