// Package manager ties the supervisor, the conversation state machine, and
// the persistence store together. It owns the in-memory session cache,
// routes run events into the currently attached session only, and debounces
// disk writes.
package manager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibes-agent/vibes-core/chat"
	"github.com/vibes-agent/vibes-core/claude"
	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/session"
)

// Supervisor is the process-supervisor surface the manager drives.
//
// *claude.Manager satisfies this interface; tests inject fakes.
type Supervisor interface {
	Execute(claude.Request) error
	Stop()
	IsRunning() bool
	OnEvent(claude.EventCallback)
	OnError(claude.ErrorCallback)
	OnComplete(claude.CompleteCallback)
	Close()
}

var _ Supervisor = (*claude.Manager)(nil)

// Snapshot is the combined state emitted after each mutation. The UI
// renders from snapshots and never reaches into the manager's internals.
type Snapshot struct {
	SessionID string // attached app session id; empty for a transient session
	State     chat.State
}

// ChangeCallback receives a snapshot after every state mutation.
type ChangeCallback func(Snapshot)

// SendOptions carries the per-message run configuration.
type SendOptions struct {
	WorkingDir   string
	Model        string
	SystemPrompt string
}

// cacheEntry pairs a session snapshot with its last-touched time for
// eviction ordering.
type cacheEntry struct {
	state   chat.State
	touched time.Time
}

// SessionManager owns the attached session and the in-memory cache.
//
// Concurrency: the supervisor delivers events on its own goroutines; all
// state lives behind mu. Run events are applied only while the run's
// session is still attached; a switch mid-run detaches the run and its
// remaining events are dropped.
type SessionManager struct {
	supervisor Supervisor
	store      *session.Store
	scheduler  *saveScheduler
	log        *slog.Logger

	mu         sync.Mutex
	state      chat.State
	attachedID string
	runID      string // session the active run belongs to; empty when no run was started
	cache      map[string]cacheEntry
	onChange   ChangeCallback
}

// NewSessionManager wires a manager to its supervisor and store.
func NewSessionManager(sup Supervisor, store *session.Store) *SessionManager {
	m := &SessionManager{
		supervisor: sup,
		store:      store,
		log:        logger.WithComponent("manager"),
		state:      chat.NewState(),
		cache:      make(map[string]cacheEntry),
	}
	m.scheduler = newSaveScheduler(saveDebounce, m.saveSession)
	sup.OnEvent(m.handleEvent)
	sup.OnError(m.handleError)
	sup.OnComplete(m.handleComplete)
	return m
}

// OnChange registers the snapshot callback. Last registration wins.
func (m *SessionManager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// AttachedID returns the attached app session id, empty for a transient
// session that has not yet received a message.
func (m *SessionManager) AttachedID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachedID
}

// State returns a snapshot of the attached session's state.
func (m *SessionManager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{SessionID: m.attachedID, State: m.state}
}

// IsRunning reports whether a run is active.
func (m *SessionManager) IsRunning() bool {
	return m.supervisor.IsRunning()
}

// BuildPrompt composes the CLI prompt for a message. Attached images are
// referenced by path in a trailing block; an image-only message gets a
// standard analysis preamble.
func BuildPrompt(text string, images []chat.AttachedImage) string {
	if len(images) == 0 {
		return text
	}
	lines := make([]string, len(images))
	for i, img := range images {
		lines[i] = fmt.Sprintf("Image %d: %s", i+1, img.Path)
	}
	suffix := "Attached images:\n" + strings.Join(lines, "\n")
	if text == "" {
		return "Please analyze the following images:\n\n" + suffix
	}
	return text + "\n\n" + suffix
}

// SendMessage appends a user message to the attached session and starts a
// run for it. A transient session is assigned its id here, on first
// message. The message must carry text or at least one image.
func (m *SessionManager) SendMessage(text string, images []chat.AttachedImage, opts SendOptions) error {
	if text == "" && len(images) == 0 {
		return fmt.Errorf("message is empty")
	}

	m.mu.Lock()
	if m.attachedID == "" {
		m.attachedID = uuid.NewString()
	}
	m.state = m.state.AppendUser(text, images)
	m.runID = m.attachedID
	resume := m.state.ClaudeSessionID
	snap := m.mirrorAndSchedule()
	m.mu.Unlock()
	m.emit(snap)

	err := m.supervisor.Execute(claude.Request{
		Prompt:          BuildPrompt(text, images),
		WorkingDir:      opts.WorkingDir,
		ResumeSessionID: resume,
		Model:           opts.Model,
		SystemPrompt:    opts.SystemPrompt,
	})
	if err != nil {
		m.mu.Lock()
		m.state = m.state.ApplyError(fmt.Sprintf("Failed to start: %v", err))
		snap := m.mirrorAndSchedule()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}
	return nil
}

// StopGeneration cancels the active run. Transcript content produced so
// far is kept; the trailing streaming message is finalized at idle.
func (m *SessionManager) StopGeneration() {
	m.supervisor.Stop()

	m.mu.Lock()
	m.state = m.state.ApplyStop()
	snap := m.mirrorAndSchedule()
	m.mu.Unlock()
	m.emit(snap)
}

// SwitchSession attaches a different session. Any pending debounced save
// is flushed first so the outgoing session's final state reaches disk
// before the new one loads. An empty id attaches a fresh transient
// session, not persisted until it receives its first message.
func (m *SessionManager) SwitchSession(id string) error {
	m.scheduler.Flush()

	m.mu.Lock()
	if m.attachedID != "" {
		m.cacheInsert(m.attachedID, m.state)
	}
	// A run started for the outgoing session must not leak events into
	// the incoming one.
	m.runID = ""

	if id == "" {
		m.attachedID = ""
		m.state = chat.NewState()
		snap := Snapshot{State: m.state}
		m.mu.Unlock()
		m.emit(snap)
		return nil
	}

	if entry, ok := m.cache[id]; ok {
		m.attachedID = id
		m.state = entry.state
		entry.touched = time.Now()
		m.cache[id] = entry
		snap := Snapshot{SessionID: id, State: m.state}
		m.mu.Unlock()
		m.emit(snap)
		return nil
	}
	m.mu.Unlock()

	data, err := m.store.Load(id)

	m.mu.Lock()
	m.attachedID = id
	if err != nil || len(data.Messages) == 0 {
		if err != nil {
			m.log.Debug("session not on disk, attaching empty", "session", id, "error", err)
		}
		m.state = chat.NewState()
	} else {
		m.state = chat.State{
			Status:          chat.StatusIdle,
			Messages:        data.Messages,
			ClaudeSessionID: data.ClaudeSessionID,
			TotalCost:       data.TotalCost,
		}
		m.cacheInsert(id, m.state)
	}
	snap := Snapshot{SessionID: id, State: m.state}
	m.mu.Unlock()
	m.emit(snap)
	return nil
}

// NewChat flushes the attached session and attaches a fresh transient one.
func (m *SessionManager) NewChat() {
	_ = m.SwitchSession("")
}

// ResetStatusToIdle clears a settled done/error status back to idle.
func (m *SessionManager) ResetStatusToIdle() {
	m.mu.Lock()
	m.state = m.state.ResetIdle()
	snap := m.mirror()
	m.mu.Unlock()
	m.emit(snap)
}

// RemoveCached drops a session from the in-memory cache. Its disk record
// is untouched.
func (m *SessionManager) RemoveCached(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, id)
}

// ClearCache empties the in-memory cache. The attached session's live
// state is unaffected.
func (m *SessionManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

// Close flushes pending writes and shuts the supervisor down.
func (m *SessionManager) Close() {
	m.scheduler.Flush()
	m.supervisor.Close()
}

// handleEvent folds one run event into the attached session.
func (m *SessionManager) handleEvent(ev claude.Event) {
	m.mu.Lock()
	if !m.runAttached() {
		m.mu.Unlock()
		m.log.Debug("dropping event for detached run")
		return
	}
	m.state = m.state.Apply(ev)
	snap := m.mirrorAndSchedule()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *SessionManager) handleError(text string) {
	m.mu.Lock()
	if !m.runAttached() {
		m.mu.Unlock()
		m.log.Debug("dropping error for detached run", "error", text)
		return
	}
	m.state = m.state.ApplyError(text)
	snap := m.mirrorAndSchedule()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *SessionManager) handleComplete(result *claude.RunResult) {
	m.mu.Lock()
	if !m.runAttached() {
		m.mu.Unlock()
		return
	}
	m.runID = ""
	m.state = m.state.ApplyComplete(result)
	snap := m.mirrorAndSchedule()
	m.mu.Unlock()
	m.emit(snap)
}

// runAttached reports whether the active run still targets the attached
// session. Callers hold mu.
func (m *SessionManager) runAttached() bool {
	return m.runID != "" && m.runID == m.attachedID
}

// mirror copies live state into the cache entry. Callers hold mu.
func (m *SessionManager) mirror() Snapshot {
	if m.attachedID != "" {
		m.cacheInsert(m.attachedID, m.state)
	}
	return Snapshot{SessionID: m.attachedID, State: m.state}
}

// mirrorAndSchedule mirrors and arms the debounced save. Empty transient
// sessions and message-less states are never scheduled. Callers hold mu.
func (m *SessionManager) mirrorAndSchedule() Snapshot {
	snap := m.mirror()
	if m.attachedID != "" && len(m.state.Messages) > 0 {
		m.scheduler.Schedule(m.attachedID)
	}
	return snap
}

// cacheInsert stores an entry and evicts the least recently touched
// non-attached entry when the cache is over the session cap. Callers
// hold mu.
func (m *SessionManager) cacheInsert(id string, state chat.State) {
	m.cache[id] = cacheEntry{state: state, touched: time.Now()}
	if len(m.cache) <= session.MaxSessions {
		return
	}
	oldestID := ""
	var oldest time.Time
	for cid, entry := range m.cache {
		if cid == m.attachedID {
			continue
		}
		if oldestID == "" || entry.touched.Before(oldest) {
			oldestID = cid
			oldest = entry.touched
		}
	}
	if oldestID != "" {
		delete(m.cache, oldestID)
	}
}

// saveSession is the scheduler's save callback. The id was captured at
// schedule time; the session may no longer be attached, in which case its
// cache entry carries the state to persist.
func (m *SessionManager) saveSession(id string) {
	m.mu.Lock()
	var state chat.State
	if id == m.attachedID {
		state = m.state
	} else if entry, ok := m.cache[id]; ok {
		state = entry.state
	} else {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if len(state.Messages) == 0 {
		return
	}
	data := session.Data{
		Messages:        state.Messages,
		ClaudeSessionID: state.ClaudeSessionID,
		TotalCost:       state.TotalCost,
	}
	if err := m.store.Save(id, data); err != nil {
		// Non-fatal. The next debounced save supersedes this one.
		m.log.Warn("failed to save session", "session", id, "error", err)
	}
}

// emit delivers a snapshot outside the lock.
func (m *SessionManager) emit(snap Snapshot) {
	m.mu.Lock()
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}
