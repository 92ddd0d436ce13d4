// Package claude drives the Claude Code CLI as a supervised child process.
//
// The package is organized into focused modules:
//   - manager.go: Manager struct, run lifecycle, and execute serialization
//   - events.go: the closed set of domain events a run can produce
//   - parsing.go: stream-json line decoding
package claude

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vibes-agent/vibes-core/logger"
)

const (
	// stopGracePeriod is how long Stop waits for the process to exit after
	// SIGTERM before escalating to SIGKILL.
	stopGracePeriod = 3 * time.Second

	// maxLineSize caps how large a stream-json line may be and still be
	// parsed. Longer lines are dropped after being read; the stream itself
	// keeps flowing.
	maxLineSize = 4 * 1024 * 1024

	// jobQueueSize bounds the execute/stop queue. The UI issues these one at
	// a time; the buffer only absorbs short bursts.
	jobQueueSize = 16
)

// envAllowlist is the fixed set of environment variables forwarded to the
// child process: locale, path resolution, and credential lookup. The full
// ambient environment is never forwarded; the CLI is a third-party binary
// and must not see unrelated secrets.
var envAllowlist = []string{
	"HOME",
	"USER",
	"LOGNAME",
	"SHELL",
	"PATH",
	"TERM",
	"LANG",
	"LC_ALL",
	"TMPDIR",
	"XDG_CONFIG_HOME",
	"XDG_DATA_HOME",
	"XDG_STATE_HOME",
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
}

// Request describes one run of the Claude CLI.
type Request struct {
	Prompt          string
	WorkingDir      string
	ResumeSessionID string // CLI session ID from a prior SessionInit; empty for a fresh conversation
	Model           string // model alias ("sonnet", "opus", ...); empty for the CLI default
	SystemPrompt    string
}

// Callback types for run notifications. Registration is single-slot: the
// last registration wins, and the registered set is snapshotted at the
// moment a run starts so a mid-run reassignment cannot split delivery
// between old and new subscribers.
type (
	EventCallback    func(Event)
	ErrorCallback    func(string)
	CompleteCallback func(*RunResult)
)

// callbacks is the snapshot captured when a run starts.
type callbacks struct {
	onEvent    EventCallback
	onError    ErrorCallback
	onComplete CompleteCallback
}

func (c callbacks) event(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c callbacks) error(msg string) {
	if c.onError != nil {
		c.onError(msg)
	}
}

func (c callbacks) complete(result *RunResult) {
	if c.onComplete != nil {
		c.onComplete(result)
	}
}

// Manager supervises at most one live Claude CLI process.
//
// Execute and Stop are serialized through a strict FIFO queue drained by a
// single dispatch goroutine. This is the component's most important
// correctness property: two overlapping Execute calls must never each kill
// the other's freshly spawned process or attach duplicate readers to the
// same run. A run's process handle and line reader are exclusively owned by
// that run and fully released before the next run is created.
type Manager struct {
	binPath string
	log     *slog.Logger

	mu         sync.Mutex
	onEvent    EventCallback
	onError    ErrorCallback
	onComplete CompleteCallback
	current    *run
	closed     bool

	jobs chan job
	done chan struct{} // closed when the dispatcher exits
}

// job is one queued unit of work for the dispatcher.
type job struct {
	fn   func()
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithBinaryPath overrides the resolved CLI binary path. Used by tests to
// substitute a stub executable.
func WithBinaryPath(path string) Option {
	return func(m *Manager) { m.binPath = path }
}

// NewManager creates a Manager and starts its dispatch goroutine. The caller
// owns the instance and must call Close when done with it.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		binPath: resolveBinaryPath(),
		log:     logger.WithComponent("claude"),
		jobs:    make(chan job, jobQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.dispatch()
	return m
}

// resolveBinaryPath locates the claude binary on PATH, falling back to the
// bare name so spawn failure is reported through the normal error channel.
func resolveBinaryPath() string {
	if path, err := exec.LookPath("claude"); err == nil {
		return path
	}
	return "claude"
}

// OnEvent registers the event callback. Last registration wins.
func (m *Manager) OnEvent(cb EventCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = cb
}

// OnError registers the error callback. Last registration wins.
func (m *Manager) OnError(cb ErrorCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = cb
}

// OnComplete registers the completion callback. Last registration wins.
func (m *Manager) OnComplete(cb CompleteCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = cb
}

// IsRunning returns whether a non-terminated run exists.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Execute queues a new run. Any existing run is terminated (gracefully, then
// forcefully) before the new process is spawned. The call returns once the
// run is queued; spawn failure is reported through the error callback and a
// nil-result completion, never as a return value.
//
// The working directory must exist and be a directory. Prompt emptiness is
// the caller's concern: a prompt may legitimately be empty when the caller
// composed it from attachments.
func (m *Manager) Execute(req Request) error {
	info, err := os.Stat(req.WorkingDir)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", req.WorkingDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", req.WorkingDir)
	}

	_, err = m.enqueue(func() { m.startRun(req) })
	return err
}

// Stop terminates the current run, if any. It always resolves: with no
// active run it is a no-op, otherwise it returns once the process exit
// notification has fired (graceful within stopGracePeriod, forced after).
// Safe to call repeatedly.
func (m *Manager) Stop() {
	done, err := m.enqueue(func() { m.stopCurrent() })
	if err != nil {
		return // already closed; nothing can be running
	}
	<-done
}

// Close stops any active run and shuts down the dispatcher. The Manager
// must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.jobs <- job{fn: func() { m.stopCurrent() }}
	close(m.jobs)
	<-m.done
}

// enqueue appends a job to the dispatch queue, preserving call order.
func (m *Manager) enqueue(fn func()) (<-chan struct{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("claude manager is closed")
	}
	j := job{fn: fn, done: make(chan struct{})}
	// Send while holding the lock so queue order matches call order and no
	// job can slip in after Close marked the channel for closing.
	m.jobs <- j
	m.mu.Unlock()
	return j.done, nil
}

// dispatch drains the job queue one job at a time.
func (m *Manager) dispatch() {
	defer close(m.done)
	for j := range m.jobs {
		j.fn()
		if j.done != nil {
			close(j.done)
		}
	}
}

// BuildCommandArgs builds the CLI argument list for a request.
// Exported for testing argument construction.
func BuildCommandArgs(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--session-id", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	return args
}

// buildEnv returns the restricted child environment: allowlisted variables
// that are actually set, nothing else.
func buildEnv() []string {
	env := make([]string, 0, len(envAllowlist))
	for _, name := range envAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// startRun terminates any current run, snapshots the callbacks, and spawns
// a new process. Runs only on the dispatch goroutine.
func (m *Manager) startRun(req Request) {
	m.stopCurrent()

	m.mu.Lock()
	cb := callbacks{onEvent: m.onEvent, onError: m.onError, onComplete: m.onComplete}
	m.mu.Unlock()

	args := BuildCommandArgs(req)
	m.log.Debug("starting process", "command", m.binPath, "workingDir", req.WorkingDir, "resume", req.ResumeSessionID != "")

	cmd := exec.Command(m.binPath, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = buildEnv()
	// Stdin stays nil: the CLI is driven entirely by arguments, and an open
	// stdin would keep it waiting for input in stream mode.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.log.Error("failed to get stdout pipe", "error", err)
		cb.error(fmt.Sprintf("Failed to start claude process: %v", err))
		cb.complete(nil)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		m.log.Error("failed to get stderr pipe", "error", err)
		cb.error(fmt.Sprintf("Failed to start claude process: %v", err))
		cb.complete(nil)
		return
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		m.log.Error("failed to start process", "error", err)
		cb.error(fmt.Sprintf("Failed to start claude process: %v", err))
		cb.complete(nil)
		return
	}

	r := &run{
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		cb:         cb,
		log:        m.log,
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	m.mu.Lock()
	m.current = r
	m.mu.Unlock()

	m.log.Info("process started", "pid", cmd.Process.Pid)

	go r.readOutput()
	go r.drainStderr()
	go r.monitorExit(m)
}

// stopCurrent performs the graceful-then-forced termination of the active
// run and waits for it to fully settle. Runs only on the dispatch goroutine.
func (m *Manager) stopCurrent() {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.stop()
}

// run owns one child process and its output readers. The handle and readers
// are released exactly once, before the Manager creates another run.
type run struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	cb     callbacks
	log    *slog.Logger

	mu         sync.Mutex
	lastResult *RunResult // last-seen terminal event, nil until a result arrives
	stopping   bool

	readerDone chan struct{} // closed when the stdout reader exits
	stderrDone chan struct{} // closed when the stderr reader exits
	waitDone   chan struct{} // closed when cmd.Wait has returned
}

// readOutput reads stdout line by line, decoding each line independently.
// Line order is preserved; malformed lines are dropped by the parser.
//
// A bufio.Reader is used rather than a Scanner: a Scanner fails permanently
// on an over-long line, which would leave the pipe unread and block the
// child once the pipe buffer filled. ReadString never fails on length, so
// an oversized line is dropped like any other unusable line and the stream
// keeps flowing to the terminal result.
func (r *run) readOutput() {
	defer close(r.readerDone)

	reader := bufio.NewReaderSize(r.stdout, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > maxLineSize {
			if !r.isStopping() {
				r.log.Warn("dropping oversized stdout line", "bytes", len(line))
			}
		} else if ev, ok := ParseLine(line, r.log); ok {
			if result, isResult := ev.(RunResult); isResult {
				r.mu.Lock()
				r.lastResult = &result
				r.mu.Unlock()
			}
			r.cb.event(ev)
		}
		if err != nil {
			if err != io.EOF && !r.isStopping() {
				r.log.Debug("error reading stdout", "error", err)
			}
			return
		}
	}
}

// drainStderr surfaces any non-empty stderr chunk verbatim through the
// error callback. Diagnostic output does not by itself change run status;
// reporting is all it does.
func (r *run) drainStderr() {
	defer close(r.stderrDone)

	buf := make([]byte, 4096)
	for {
		n, err := r.stderr.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			if strings.TrimSpace(text) != "" && !r.isStopping() {
				r.cb.error(text)
			}
		}
		if err != nil {
			return
		}
	}
}

// monitorExit waits for the readers to finish and the process to exit, then
// delivers the completion notification. It is the sole caller of cmd.Wait.
func (r *run) monitorExit(m *Manager) {
	// Readers finish on pipe EOF when the process exits, or on read error
	// when stop() closed the pipes out from under them.
	<-r.readerDone
	<-r.stderrDone

	err := r.cmd.Wait()

	// Clear the slot before releasing waitDone so a caller returning from
	// Stop observes IsRunning() == false.
	m.mu.Lock()
	if m.current == r {
		m.current = nil
	}
	m.mu.Unlock()
	close(r.waitDone)

	r.mu.Lock()
	result := r.lastResult
	r.mu.Unlock()

	if err != nil {
		// Once a RunResult was delivered its outcome field is authoritative;
		// a non-zero exit with no result is an implicit completion either
		// way, so the exit error is only logged.
		r.log.Debug("process exited", "error", err, "hadResult", result != nil)
	} else {
		r.log.Debug("process exited cleanly", "hadResult", result != nil)
	}

	r.cb.complete(result)
}

// stop closes the line reader first (no dangling listeners), signals the
// process to terminate, and escalates to SIGKILL after the grace period.
// Returns once the exit notification has fired.
func (r *run) stop() {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		<-r.waitDone
		return
	}
	r.stopping = true
	r.mu.Unlock()

	r.log.Debug("stopping process", "pid", r.cmd.Process.Pid)

	r.stdout.Close()
	r.stderr.Close()

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.log.Debug("SIGTERM failed (process may have exited)", "error", err)
	}

	select {
	case <-r.waitDone:
		r.log.Debug("process exited gracefully")
	case <-time.After(stopGracePeriod):
		r.log.Debug("force killing process")
		r.cmd.Process.Kill()
		<-r.waitDone
	}
}

// isStopping reports whether stop() has begun tearing this run down.
func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}
