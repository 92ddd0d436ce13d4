// Package session persists conversations to disk. Each session body lives
// in its own JSON file under the sessions directory; a single metadata index
// file carries the summaries the session list renders from, most recent
// first.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/vibes-agent/vibes-core/chat"
	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/paths"
)

// MaxSessions caps how many sessions are retained on disk. Saving past the
// cap evicts the least recently updated sessions.
const MaxSessions = 100

// DefaultTitle is the title a session carries until one is assigned.
const DefaultTitle = "New chat"

// validIDRegex matches safe session identifiers. IDs become file names, so
// anything that could escape the sessions directory is rejected.
var validIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateID checks that an identifier is safe to use as a file name.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("session id too long (max 128 characters)")
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("session id contains invalid characters (use letters, numbers, ., _, -)")
	}
	return nil
}

// Data is one session's persisted body.
type Data struct {
	Messages        []chat.Message `json:"messages"`
	ClaudeSessionID string         `json:"claudeSessionId,omitempty"`
	TotalCost       float64        `json:"totalCost"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Meta is the summary entry kept in the metadata index.
type Meta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ProjectName  string    `json:"projectName,omitempty"`
	MessageCount int       `json:"messageCount"`
	TotalCost    float64   `json:"totalCost"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store reads and writes sessions. Body files live under the sessions
// directory; the index sits next to it in the data directory. Safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	dir      string // session body files
	metaPath string // summary index
}

// NewStore creates a store at the app's data directory.
func NewStore() (*Store, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions directory: %w", err)
	}
	metaPath, err := paths.SessionsMetaPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session index path: %w", err)
	}
	return &Store{dir: dir, metaPath: metaPath}, nil
}

// NewStoreAt creates a store rooted at an explicit data directory.
func NewStoreAt(dataDir string) *Store {
	return &Store{
		dir:      filepath.Join(dataDir, "sessions"),
		metaPath: filepath.Join(dataDir, "sessions-meta.json"),
	}
}

// Save writes a session body and refreshes its index entry. The record's
// createdAt comes from the first message when one exists; updatedAt is
// always stamped at save time regardless of what the payload carries.
func (s *Store) Save(id string, data Data) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	data.UpdatedAt = now
	if data.CreatedAt.IsZero() {
		if len(data.Messages) > 0 && !data.Messages[0].Timestamp.IsZero() {
			data.CreatedAt = data.Messages[0].Timestamp
		} else {
			data.CreatedAt = now
		}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if err := writeJSON(s.sessionPath(id), data); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}

	metas, err := s.readMeta()
	if err != nil {
		logger.Get().Warn("rebuilding session index", "error", err)
		metas = nil
	}

	entry := Meta{
		ID:           id,
		Title:        DefaultTitle,
		MessageCount: len(data.Messages),
		TotalCost:    data.TotalCost,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}
	replaced := false
	for i := range metas {
		if metas[i].ID == id {
			entry.Title = metas[i].Title
			entry.ProjectName = metas[i].ProjectName
			metas[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		metas = append(metas, entry)
	}

	sortByUpdated(metas)
	metas = s.evictOverCap(metas)

	return s.writeMeta(metas)
}

// Load reads one session body. Returns os.ErrNotExist (wrapped) when the
// session has never been saved.
func (s *Store) Load(id string) (Data, error) {
	if err := ValidateID(id); err != nil {
		return Data{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		return Data{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return data, nil
}

// List returns all session summaries, most recently updated first.
func (s *Store) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.readMeta()
	if err != nil {
		return nil, err
	}
	sortByUpdated(metas)
	return metas, nil
}

// Delete removes a session body and its index entry. Deleting a session
// that does not exist is not an error.
func (s *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	metas, err := s.readMeta()
	if err != nil {
		return err
	}
	kept := metas[:0]
	for _, m := range metas {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	return s.writeMeta(kept)
}

// UpdateMeta applies a mutation to one session's index entry. The session
// must already be in the index; Save is what creates entries.
func (s *Store) UpdateMeta(id string, update func(*Meta)) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.readMeta()
	if err != nil {
		return err
	}
	for i := range metas {
		if metas[i].ID == id {
			update(&metas[i])
			sortByUpdated(metas)
			return s.writeMeta(metas)
		}
	}
	return fmt.Errorf("session %s not found in index", id)
}

// ClearHistory removes every session body and the index.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.readMeta()
	if err != nil {
		return err
	}
	for _, m := range metas {
		if err := os.Remove(s.sessionPath(m.ID)); err != nil && !os.IsNotExist(err) {
			logger.Get().Warn("failed to remove session file", "session", m.ID, "error", err)
		}
	}
	if err := os.Remove(s.metaPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session index: %w", err)
	}
	return nil
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readMeta() ([]Meta, error) {
	raw, err := os.ReadFile(s.metaPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	var metas []Meta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("failed to parse session index: %w", err)
	}
	return metas, nil
}

func (s *Store) writeMeta(metas []Meta) error {
	if err := os.MkdirAll(filepath.Dir(s.metaPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := writeJSON(s.metaPath, metas); err != nil {
		return fmt.Errorf("failed to write session index: %w", err)
	}
	return nil
}

// evictOverCap drops the oldest entries past MaxSessions along with their
// body files. Input must already be sorted most recent first.
func (s *Store) evictOverCap(metas []Meta) []Meta {
	if len(metas) <= MaxSessions {
		return metas
	}
	for _, m := range metas[MaxSessions:] {
		if err := os.Remove(s.sessionPath(m.ID)); err != nil && !os.IsNotExist(err) {
			logger.Get().Warn("failed to evict session file", "session", m.ID, "error", err)
		}
	}
	return metas[:MaxSessions]
}

func sortByUpdated(metas []Meta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
