//go:build darwin

package lockstate

const frontmostScript = `tell application "System Events" to get name of first application process whose frontmost is true`

// Platform asks System Events for the frontmost process; loginwindow owns the
// screen while it is locked.
func Platform() Probe {
	return CommandProbe{
		Name:  "osascript",
		Args:  []string{"-e", frontmostScript},
		Match: "loginwindow",
	}
}
