package kill_process

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// cpuSuspectThreshold is the CPU usage above which a process touching the
// monitored tree is considered part of the encryption burst. Bulk encryption
// is CPU-bound; idle processes that merely hold a handle are spared.
const cpuSuspectThreshold = 50.0

// KillProcessAction implements the actions.Action interface. It terminates
// processes that are operating inside the monitored tree during an
// escalation: first SIGTERM, then SIGKILL if that fails.
type KillProcessAction struct{}

// Name returns the unique name of the action.
func (kpa *KillProcessAction) Name() string {
	return "kill_process"
}

// Execute scans running processes and kills the suspicious ones. It expects
// the data map to contain a "path" key with the monitored root. The scan
// never kills PID 1, the calling process, or anything that looks like a
// system process.
func (kpa *KillProcessAction) Execute(ctx context.Context, data map[string]interface{}) error {
	root, ok := data["path"].(string)
	if !ok || root == "" {
		return fmt.Errorf("missing 'path' in action data for kill_process action")
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0

	for _, p := range procs {
		if p.Pid <= 1 || p.Pid == self {
			continue
		}

		if !kpa.suspicious(p, root) {
			continue
		}

		name, _ := p.Name()
		if err := p.TerminateWithContext(ctx); err != nil {
			log.Warn().Err(err).Int32("pid", p.Pid).Str("name", name).Msg("SIGTERM failed, attempting SIGKILL")
			if err := p.KillWithContext(ctx); err != nil {
				log.Error().Err(err).Int32("pid", p.Pid).Str("name", name).Msg("Failed to kill process")
				continue
			}
		}

		killed++
		log.Warn().Int32("pid", p.Pid).Str("name", name).Msg("Terminated suspicious process")
	}

	log.Info().Int("killed", killed).Str("path", root).Msg("Process termination sweep complete")
	return nil
}

// suspicious reports whether a process is plausibly driving the anomalous
// file activity: working inside or executing from the monitored tree, and
// burning CPU the way bulk encryption does.
func (kpa *KillProcessAction) suspicious(p *process.Process, root string) bool {
	inTree := false

	if cwd, err := p.Cwd(); err == nil && strings.HasPrefix(cwd, root) {
		inTree = true
	}
	if !inTree {
		if exe, err := p.Exe(); err == nil && strings.HasPrefix(exe, root) {
			inTree = true
		}
	}
	if !inTree {
		if files, err := p.OpenFiles(); err == nil {
			for _, f := range files {
				if strings.HasPrefix(f.Path, root) {
					inTree = true
					break
				}
			}
		}
	}
	if !inTree {
		return false
	}

	if name, err := p.Name(); err == nil && strings.Contains(strings.ToLower(name), "system") {
		return false
	}

	cpu, err := p.CPUPercent()
	if err != nil {
		return false
	}
	return cpu > cpuSuspectThreshold
}
