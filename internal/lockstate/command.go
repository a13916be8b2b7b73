package lockstate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandProbe runs an external command and reports Locked when its output
// contains Match.
type CommandProbe struct {
	Name  string
	Args  []string
	Match string
}

func (p CommandProbe) Locked(ctx context.Context) (bool, error) {
	if p.Name == "" {
		return false, fmt.Errorf("lock probe command is empty")
	}
	out, err := exec.CommandContext(ctx, p.Name, p.Args...).Output()
	if err != nil {
		return false, fmt.Errorf("run %s: %w", p.Name, err)
	}
	return strings.Contains(strings.TrimSpace(string(out)), p.Match), nil
}

// Select picks the probe for a configured mode: "auto" uses the platform
// probe, "locked" and "unlocked" force a state, "command" runs cmd.
func Select(mode string, cmd CommandProbe) (Probe, error) {
	switch strings.ToLower(mode) {
	case "", "auto":
		return Platform(), nil
	case "locked":
		return Static(Locked), nil
	case "unlocked":
		return Static(Unlocked), nil
	case "command":
		if cmd.Name == "" || cmd.Match == "" {
			return nil, fmt.Errorf("command probe needs a command and a match string")
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown lock probe %q", mode)
	}
}
