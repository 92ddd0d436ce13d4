package claude

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/paths"
)

// setupManagerTest isolates HOME so logger files land in a temp dir.
func setupManagerTest(t *testing.T) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	logger.Reset()
	t.Cleanup(func() {
		logger.Close()
		logger.Reset()
		paths.Reset()
	})
}

// writeStub creates an executable shell script standing in for the CLI.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// recorder collects callback deliveries for assertions.
type recorder struct {
	mu        sync.Mutex
	events    []Event
	errors    []string
	completes chan *RunResult
}

func newRecorder() *recorder {
	return &recorder{completes: make(chan *RunResult, 8)}
}

func (r *recorder) attach(m *Manager) {
	m.OnEvent(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	m.OnError(func(msg string) {
		r.mu.Lock()
		r.errors = append(r.errors, msg)
		r.mu.Unlock()
	})
	m.OnComplete(func(result *RunResult) {
		r.completes <- result
	})
}

func (r *recorder) waitComplete(t *testing.T) *RunResult {
	t.Helper()
	select {
	case result := <-r.completes:
		return result
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func (r *recorder) snapshot() ([]Event, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]string(nil), r.errors...)
}

func waitRunning(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsRunning() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for run to start")
}

func TestBuildCommandArgs(t *testing.T) {
	args := BuildCommandArgs(Request{Prompt: "hello"})
	assert.Equal(t, []string{
		"-p", "hello",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}, args)
}

func TestBuildCommandArgsAllOptions(t *testing.T) {
	args := BuildCommandArgs(Request{
		Prompt:          "hi",
		ResumeSessionID: "sess-1",
		Model:           "opus",
		SystemPrompt:    "be brief",
	})
	assert.Contains(t, strings.Join(args, " "), "--session-id sess-1")
	assert.Contains(t, strings.Join(args, " "), "--model opus")
	assert.Contains(t, strings.Join(args, " "), "--system-prompt be brief")
}

func TestExecuteStreamsEvents(t *testing.T) {
	setupManagerTest(t)
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"abc"}'
echo '{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Looking..."}]}}'
echo '{"type":"result","subtype":"success","result":"done","total_cost_usd":0.002}'`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))

	result := rec.waitComplete(t)
	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.InDelta(t, 0.002, result.TotalCostUSD, 1e-9)

	events, errors := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "abc", events[0].(SessionInit).SessionID)
	assert.Equal(t, "Looking...", events[1].(AssistantDelta).Text)
	assert.Equal(t, OutcomeSuccess, events[2].(RunResult).Outcome)
	assert.Empty(t, errors)
	assert.False(t, m.IsRunning())
}

func TestOversizedLineDroppedRunStillCompletes(t *testing.T) {
	setupManagerTest(t)
	// One line well over the size cap, then a valid terminal result. The
	// oversized line must be dropped without stalling the stream: the child
	// keeps writing, the result still parses, and the run completes.
	stub := writeStub(t, `
head -c 5242880 /dev/zero | tr '\0' x
echo
echo '{"type":"result","subtype":"success","result":"done","total_cost_usd":0.001}'`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))

	result := rec.waitComplete(t)
	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.False(t, m.IsRunning())

	events, _ := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].(RunResult).Result)
}

func TestExecuteRejectsBadWorkingDir(t *testing.T) {
	setupManagerTest(t)
	m := NewManager(WithBinaryPath("/bin/true"))
	defer m.Close()

	err := m.Execute(Request{Prompt: "hi", WorkingDir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	err = m.Execute(Request{Prompt: "hi", WorkingDir: file})
	assert.Error(t, err)
}

func TestSpawnFailureReportsErrorAndNilCompletion(t *testing.T) {
	setupManagerTest(t)
	m := NewManager(WithBinaryPath(filepath.Join(t.TempDir(), "no-such-binary")))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))

	result := rec.waitComplete(t)
	assert.Nil(t, result)

	_, errors := rec.snapshot()
	require.NotEmpty(t, errors)
	assert.Contains(t, errors[0], "Failed to start claude process")
	assert.False(t, m.IsRunning())
}

func TestStderrForwardedVerbatim(t *testing.T) {
	setupManagerTest(t)
	stub := writeStub(t, `
echo "something went sideways" >&2
echo '{"type":"result","subtype":"success","result":"ok"}'`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))
	rec.waitComplete(t)

	_, errors := rec.snapshot()
	require.NotEmpty(t, errors)
	assert.Contains(t, errors[0], "something went sideways")
}

func TestWhitespaceOnlyStderrIgnored(t *testing.T) {
	setupManagerTest(t)
	stub := writeStub(t, `
printf '   \n\n' >&2
echo '{"type":"result","subtype":"success","result":"ok"}'`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))
	rec.waitComplete(t)

	_, errors := rec.snapshot()
	assert.Empty(t, errors)
}

func TestExecuteReplacesRunningProcess(t *testing.T) {
	setupManagerTest(t)
	stub := writeStub(t, `
case "$2" in
slow)
  trap 'exit 0' TERM
  echo '{"type":"system","subtype":"init","session_id":"first"}'
  sleep 30
  ;;
fast)
  echo '{"type":"system","subtype":"init","session_id":"second"}'
  echo '{"type":"result","subtype":"success","result":"done"}'
  ;;
esac`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	workDir := t.TempDir()
	require.NoError(t, m.Execute(Request{Prompt: "slow", WorkingDir: workDir}))
	waitRunning(t, m)

	require.NoError(t, m.Execute(Request{Prompt: "fast", WorkingDir: workDir}))

	// Two completions arrive: the killed run carries no result, the
	// replacement succeeds. Delivery order between the two is not fixed.
	results := []*RunResult{rec.waitComplete(t), rec.waitComplete(t)}
	var nilCount int
	var success *RunResult
	for _, result := range results {
		if result == nil {
			nilCount++
		} else {
			success = result
		}
	}
	assert.Equal(t, 1, nilCount)
	require.NotNil(t, success)
	assert.Equal(t, OutcomeSuccess, success.Outcome)

	events, _ := rec.snapshot()
	var inits []string
	for _, ev := range events {
		if init, ok := ev.(SessionInit); ok {
			inits = append(inits, init.SessionID)
		}
	}
	assert.Equal(t, []string{"first", "second"}, inits)
}

func TestStopTerminatesRun(t *testing.T) {
	setupManagerTest(t)
	stub := writeStub(t, `
trap 'exit 0' TERM
echo '{"type":"system","subtype":"init","session_id":"abc"}'
sleep 30`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))
	waitRunning(t, m)

	m.Stop()
	assert.False(t, m.IsRunning())

	result := rec.waitComplete(t)
	assert.Nil(t, result)

	// Repeated stops with nothing running resolve immediately.
	m.Stop()
	m.Stop()
}

func TestStopWithNoRunIsNoOp(t *testing.T) {
	setupManagerTest(t)
	m := NewManager(WithBinaryPath("/bin/true"))
	defer m.Close()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked with no active run")
	}
}

func TestChildEnvironmentIsRestricted(t *testing.T) {
	setupManagerTest(t)
	t.Setenv("VIBES_TEST_SECRET", "leaked")
	stub := writeStub(t, `
printf '{"type":"result","subtype":"success","result":"%s"}\n' "${VIBES_TEST_SECRET:-absent}"`)

	m := NewManager(WithBinaryPath(stub))
	defer m.Close()
	rec := newRecorder()
	rec.attach(m)

	require.NoError(t, m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()}))

	result := rec.waitComplete(t)
	require.NotNil(t, result)
	assert.Equal(t, "absent", result.Result)
}

func TestCloseIsIdempotent(t *testing.T) {
	setupManagerTest(t)
	m := NewManager(WithBinaryPath("/bin/true"))
	m.Close()
	m.Close()

	err := m.Execute(Request{Prompt: "hi", WorkingDir: t.TempDir()})
	assert.Error(t, err)
}
