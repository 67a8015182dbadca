package registry

import (
	"github.com/shirou/gopsutil/v3/process"
)

// processAlive reports whether the pane's shell process still exists.
func processAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// If the process table cannot be read, trust the tmux listing.
		return true
	}
	return alive
}

// agentCommand walks one level down from the pane's shell to find the
// process running inside it -- normally the agent CLI. Returns the
// command name, or "" when nothing is running or the lookup fails.
func agentCommand(pid int) string {
	if pid <= 0 {
		return ""
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	children, err := proc.Children()
	if err != nil || len(children) == 0 {
		return ""
	}
	// The most recently started child is the foreground job.
	name, err := children[len(children)-1].Name()
	if err != nil {
		return ""
	}
	return name
}
