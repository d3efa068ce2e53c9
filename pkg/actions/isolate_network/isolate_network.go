package isolate_network

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// IsolateNetworkAction implements the actions.Action interface. It cuts off
// new outbound connections with iptables, stopping exfiltration and
// command-and-control traffic while leaving established operator sessions
// (e.g. the SSH session investigating the incident) intact.
type IsolateNetworkAction struct{}

// Name returns the unique name of the action.
func (ina *IsolateNetworkAction) Name() string {
	return "isolate_network"
}

// Execute inserts a DROP rule for new outbound connections using
// `sudo iptables`. Undoing isolation is an operator task; this action is
// deliberately one-way.
func (ina *IsolateNetworkAction) Execute(ctx context.Context, data map[string]interface{}) error {
	log.Warn().Msg("Isolating host network: dropping new outbound connections")

	cmd := exec.CommandContext(ctx, "sudo", "iptables",
		"-I", "OUTPUT", "-m", "conntrack", "--ctstate", "NEW", "-j", "DROP")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to isolate network: %w\nOutput: %s", err, string(out))
	}

	log.Warn().Msg("Host network isolated")
	return nil
}
