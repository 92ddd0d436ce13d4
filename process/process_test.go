package process

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibes-agent/vibes-core/exec"
)

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		expected string
	}{
		{
			name:     "session-id flag",
			cmdLine:  "claude -p hi --session-id abc123 --verbose",
			expected: "abc123",
		},
		{
			name:     "resume flag",
			cmdLine:  "claude -p hi --resume def456 --verbose",
			expected: "def456",
		},
		{
			name:     "session-id with equals",
			cmdLine:  "claude --session-id=xyz789",
			expected: "xyz789",
		},
		{
			name:     "full command line",
			cmdLine:  "/usr/local/bin/claude -p fix --output-format stream-json --verbose --include-partial-messages --session-id 550e8400-e29b-41d4-a716-446655440000",
			expected: "550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:     "no session flag",
			cmdLine:  "claude -p hi --verbose",
			expected: "",
		},
		{
			name:     "empty command",
			cmdLine:  "",
			expected: "",
		},
		{
			name:     "session-id at end",
			cmdLine:  "claude --verbose --session-id last-session",
			expected: "last-session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractSessionID(tt.cmdLine))
		})
	}
}

func TestFilterOrphans(t *testing.T) {
	c := NewCleanerWith(exec.NewMockExecutor())
	processes := []ClaudeProcess{
		{PID: 100, Command: "claude -p a --session-id known-1"},
		{PID: 101, Command: "claude -p b --session-id stray-1"},
		{PID: 102, Command: "claude -p c --resume stray-2"},
		{PID: 103, Command: "claude -p d"}, // no session id, never touched
	}
	known := map[string]bool{"known-1": true}

	orphans := c.filterOrphans(processes, known)
	require.Len(t, orphans, 2)
	assert.Equal(t, 101, orphans[0].PID)
	assert.Equal(t, 102, orphans[1].PID)
}

func TestFindClaudeProcesses(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("unix-only discovery path")
	}

	mock := exec.NewMockExecutor()
	mock.AddPrefixMatch("pgrep", []string{"-f"}, exec.MockResponse{Stdout: []byte("100\n101\n")})
	mock.AddExactMatch("ps", []string{"-p", "100", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude -p a --session-id aaa\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude -p b --session-id bbb\n"),
	})

	c := NewCleanerWith(mock)
	processes, err := c.FindClaudeProcesses(context.Background())
	require.NoError(t, err)
	require.Len(t, processes, 2)
	assert.Equal(t, 100, processes[0].PID)
	assert.Equal(t, "claude -p a --session-id aaa", processes[0].Command)
}

func TestCleanupOrphanedProcesses(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("unix-only discovery path")
	}

	mock := exec.NewMockExecutor()
	mock.AddPrefixMatch("pgrep", []string{"-f"}, exec.MockResponse{Stdout: []byte("100\n101\n")})
	mock.AddExactMatch("ps", []string{"-p", "100", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude --session-id known\n"),
	})
	mock.AddExactMatch("ps", []string{"-p", "101", "-o", "args="}, exec.MockResponse{
		Stdout: []byte("claude --session-id stray\n"),
	})

	c := NewCleanerWith(mock)
	killed, err := c.CleanupOrphanedProcesses(map[string]bool{"known": true})
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	// Only the stray process was killed.
	var kills []exec.MockCall
	for _, call := range mock.Calls() {
		if call.Name == "kill" {
			kills = append(kills, call)
		}
	}
	require.Len(t, kills, 1)
	assert.Equal(t, []string{"-9", "101"}, kills[0].Args)
}

func TestFindNoProcesses(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("unix-only discovery path")
	}

	// Unmatched pgrep returns empty stdout and nil error, meaning no pids.
	c := NewCleanerWith(exec.NewMockExecutor())
	processes, err := c.FindClaudeProcesses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, processes)
}
