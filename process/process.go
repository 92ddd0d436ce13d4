// Package process finds and cleans up Claude CLI processes left behind by
// a previous app instance. A crash or hard quit can strand a streaming run;
// on startup the app reconciles live processes against the session ids it
// knows about and kills the rest.
package process

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	osexec "os/exec"

	"github.com/vibes-agent/vibes-core/exec"
	"github.com/vibes-agent/vibes-core/logger"
)

// sweepTimeout bounds the whole discovery pass so a hung ps/pgrep cannot
// stall startup.
const sweepTimeout = 10 * time.Second

// ClaudeProcess is one live CLI process found on the system.
type ClaudeProcess struct {
	PID     int
	Command string // full command line
}

// Cleaner discovers and kills stranded CLI processes.
type Cleaner struct {
	executor exec.CommandExecutor
	log      *slog.Logger
}

// NewCleaner creates a Cleaner backed by real command execution.
func NewCleaner() *Cleaner {
	return NewCleanerWith(exec.NewRealExecutor())
}

// NewCleanerWith creates a Cleaner with an injected executor.
func NewCleanerWith(executor exec.CommandExecutor) *Cleaner {
	return &Cleaner{executor: executor, log: logger.WithComponent("process")}
}

// FindClaudeProcesses lists live claude processes that carry a session id.
func (c *Cleaner) FindClaudeProcesses(ctx context.Context) ([]ClaudeProcess, error) {
	var processes []ClaudeProcess

	switch runtime.GOOS {
	case "darwin", "linux":
		output, err := c.executor.Output(ctx, "", "pgrep", "-f", "claude.*--session-id")
		if err != nil {
			// pgrep exits 1 when nothing matches
			if exitErr, ok := err.(*osexec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(pidStr)
			if err != nil {
				continue
			}
			psOutput, err := c.executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}
			processes = append(processes, ClaudeProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		output, err := c.executor.Output(ctx, "", "tasklist", "/FI", "IMAGENAME eq claude*", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(output), "\n") {
			fields := strings.Split(line, ",")
			if len(fields) < 2 {
				continue
			}
			pid, err := strconv.Atoi(strings.Trim(strings.TrimSpace(fields[1]), "\""))
			if err != nil {
				continue
			}
			processes = append(processes, ClaudeProcess{
				PID:     pid,
				Command: strings.Trim(fields[0], "\""),
			})
		}
	}

	c.log.Debug("found claude processes", "count", len(processes))
	return processes, nil
}

// KillProcess force-kills a process by PID.
func (c *Cleaner) KillProcess(ctx context.Context, pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := c.executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, _, err := c.executor.Run(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}

// FindOrphanedClaudeProcesses returns live CLI processes whose session id
// is not in the known set. Known ids are the resume tokens of sessions the
// app is tracking, live runs included.
func (c *Cleaner) FindOrphanedClaudeProcesses(ctx context.Context, knownSessionIDs map[string]bool) ([]ClaudeProcess, error) {
	all, err := c.FindClaudeProcesses(ctx)
	if err != nil {
		return nil, err
	}
	return c.filterOrphans(all, knownSessionIDs), nil
}

// filterOrphans keeps processes whose session id is unknown. Processes
// without a recognizable session id are left alone.
func (c *Cleaner) filterOrphans(processes []ClaudeProcess, knownSessionIDs map[string]bool) []ClaudeProcess {
	var orphans []ClaudeProcess
	for _, proc := range processes {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			c.log.Info("found orphaned claude process", "pid", proc.PID, "sessionID", sessionID)
		}
	}
	return orphans
}

// extractSessionID pulls the session id out of a CLI command line. Both
// --session-id and --resume spellings are recognized, with or without '='.
func extractSessionID(cmdLine string) string {
	for _, flag := range []string{"--session-id", "--resume"} {
		_, after, ok := strings.Cut(cmdLine, flag)
		if !ok {
			continue
		}
		rest := strings.TrimLeft(after, " =")
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// CleanupOrphanedProcesses kills every orphaned process and returns how
// many were killed. A kill failure skips that process, it does not abort
// the sweep.
func (c *Cleaner) CleanupOrphanedProcesses(knownSessionIDs map[string]bool) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	orphans, err := c.FindOrphanedClaudeProcesses(ctx, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, proc := range orphans {
		c.log.Info("killing orphaned claude process", "pid", proc.PID)
		if err := c.KillProcess(ctx, proc.PID); err != nil {
			c.log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
