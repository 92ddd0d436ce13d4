// Package exec abstracts command execution for testability. Production
// code uses RealExecutor; tests inject a MockExecutor with pre-recorded
// responses. The supervisor does not go through this layer: it needs
// direct pipe and signal access to its child, which this interface
// deliberately does not expose.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
)

// CommandExecutor runs short-lived external commands.
type CommandExecutor interface {
	// Run executes a command and returns stdout, stderr, and any error.
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error)

	// Output executes a command and returns stdout, or an error.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Run executes a command and returns stdout, stderr, and any error.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), err
}

// Output executes a command and returns stdout, or an error.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockExecutor returns pre-recorded responses for commands. Commands are
// matched in order of rule registration; unmatched commands return their
// zero response.
type MockExecutor struct {
	mu    sync.RWMutex
	rules []MockRule
	calls []MockCall
}

// NewMockExecutor creates a new MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		if n != name || len(a) != len(args) {
			return false
		}
		for i, arg := range args {
			if a[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		if n != name || len(a) < len(prefixArgs) {
			return false
		}
		for i, arg := range prefixArgs {
			if a[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// Calls returns every recorded invocation.
func (e *MockExecutor) Calls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]MockCall, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *MockExecutor) respond(dir, name string, args []string) MockResponse {
	e.mu.Lock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
	rules := e.rules
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Match(dir, name, args) {
			return rule.Response
		}
	}
	return MockResponse{}
}

// Run returns the matched rule's response.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error) {
	resp := e.respond(dir, name, args)
	return resp.Stdout, resp.Stderr, resp.Err
}

// Output returns the matched rule's stdout.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	resp := e.respond(dir, name, args)
	return resp.Stdout, resp.Err
}
