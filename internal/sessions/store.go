package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one conversation turn.
type Message struct {
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix ms
}

// Session stores conversation history and accumulated usage for one key.
type Session struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Label           string `json:"label,omitempty"`
	InputTokens     int64  `json:"inputTokens,omitempty"`
	OutputTokens    int64  `json:"outputTokens,omitempty"`
	CompactionCount int    `json:"compactionCount,omitempty"`
}

// SessionInfo is a lightweight descriptor for sessions.list.
type SessionInfo struct {
	Key          string    `json:"key"`
	Label        string    `json:"label,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	MessageCount int       `json:"messageCount"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Preview is the sessions.preview row: the tail of a conversation.
type Preview struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary,omitempty"`
	Missing  bool      `json:"missing,omitempty"`
}

// Patch carries the mutable metadata fields of sessions.patch.
// Nil pointers leave the field untouched.
type Patch struct {
	Label   *string `json:"label,omitempty"`
	Summary *string `json:"summary,omitempty"`
	Model   *string `json:"model,omitempty"`
}

// Store handles session lifecycle, persistence and lookup. Sessions are
// one JSON file each under the storage dir, written atomically.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	storage  string
	usage    *usageLog
}

func NewStore(storage string) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		storage:  storage,
		usage:    newUsageLog(storage),
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
		s.loadAll()
		s.usage.load()
	}
	return s
}

// GetOrCreate returns an existing session or creates a new one.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &Session{Key: key, Messages: []Message{}, Created: time.Now(), Updated: time.Now()}
	s.sessions[key] = sess
	return sess
}

// AddMessage appends a message to a session, creating it if needed.
func (s *Store) AddMessage(key string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{Key: key, Messages: []Message{}, Created: time.Now()}
		s.sessions[key] = sess
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.Updated = time.Now()
}

// History returns a copy of the message history.
func (s *Store) History(key string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

// List returns metadata for all sessions, optionally filtered by agent ID,
// most recently updated first.
func (s *Store) List(agentID string) []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []SessionInfo
	for key, sess := range s.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, SessionInfo{
			Key:          key,
			Label:        sess.Label,
			Channel:      sess.Channel,
			MessageCount: len(sess.Messages),
			InputTokens:  sess.InputTokens,
			OutputTokens: sess.OutputTokens,
			Created:      sess.Created,
			Updated:      sess.Updated,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Updated.After(result[j].Updated) })
	return result
}

// Resolve maps a loose reference to a canonical session key. Accepts an
// exact key, a unique suffix, or a label. Ambiguous references fail.
func (s *Store) Resolve(ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[ref]; ok {
		return ref, nil
	}

	var matches []string
	for key, sess := range s.sessions {
		if strings.HasSuffix(key, ref) || (sess.Label != "" && sess.Label == ref) {
			matches = append(matches, key)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("ambiguous session reference %q: %s", ref, strings.Join(matches, ", "))
	}
}

// PreviewSessions returns the last maxMessages of each requested key.
// Unknown keys come back with Missing set rather than an error.
func (s *Store) PreviewSessions(keys []string, maxMessages int) []Preview {
	if maxMessages <= 0 {
		maxMessages = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Preview, 0, len(keys))
	for _, key := range keys {
		sess, ok := s.sessions[key]
		if !ok {
			out = append(out, Preview{Key: key, Missing: true})
			continue
		}
		msgs := sess.Messages
		if len(msgs) > maxMessages {
			msgs = msgs[len(msgs)-maxMessages:]
		}
		tail := make([]Message, len(msgs))
		copy(tail, msgs)
		out = append(out, Preview{Key: key, Messages: tail, Summary: sess.Summary})
	}
	return out
}

// ApplyPatch updates mutable session metadata.
func (s *Store) ApplyPatch(key string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("session %s not found", key)
	}
	if p.Label != nil {
		sess.Label = *p.Label
	}
	if p.Summary != nil {
		sess.Summary = *p.Summary
	}
	if p.Model != nil {
		sess.Model = *p.Model
	}
	sess.Updated = time.Now()
	return nil
}

// UpdateMetadata sets model/provider/channel metadata on a session.
func (s *Store) UpdateMetadata(key, model, provider, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	if model != "" {
		sess.Model = model
	}
	if provider != "" {
		sess.Provider = provider
	}
	if channel != "" {
		sess.Channel = channel
	}
}

// Reset clears a session's history and summary but keeps the record.
func (s *Store) Reset(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("session %s not found", key)
	}
	sess.Messages = []Message{}
	sess.Summary = ""
	sess.Updated = time.Now()
	return nil
}

// Delete removes a session and its file.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", key)
	}

	if s.storage != "" {
		path := filepath.Join(s.storage, sanitizeFilename(key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Compact keeps only the last keepLast messages, folding the dropped
// prefix into the summary slot and bumping the compaction counter.
func (s *Store) Compact(key string, keepLast int) (dropped int, err error) {
	if keepLast < 0 {
		keepLast = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return 0, fmt.Errorf("session %s not found", key)
	}
	if len(sess.Messages) <= keepLast {
		return 0, nil
	}
	dropped = len(sess.Messages) - keepLast
	sess.Summary = fmt.Sprintf("compacted %d earlier messages at %s", dropped, time.Now().UTC().Format(time.RFC3339))
	sess.Messages = sess.Messages[dropped:]
	sess.CompactionCount++
	sess.Updated = time.Now()
	return dropped, nil
}

// AccumulateUsage adds token counts from a completed run and appends a
// usage log entry for the timeseries views.
func (s *Store) AccumulateUsage(key, runID, model string, inputTokens, outputTokens int64) {
	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		sess.InputTokens += inputTokens
		sess.OutputTokens += outputTokens
		if model == "" {
			model = sess.Model
		}
	}
	s.mu.Unlock()

	s.usage.append(UsageEntry{
		AtMs:         time.Now().UnixMilli(),
		SessionKey:   key,
		RunID:        runID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// Save persists a session to disk atomically (temp file then rename).
func (s *Store) Save(key string) error {
	if s.storage == "" {
		return nil
	}

	s.mu.RLock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(s.storage, filename+".json")

	tmpFile, err := os.CreateTemp(s.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) loadAll() {
	files, err := os.ReadDir(s.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" || f.Name() == usageLogFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.storage, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.Key == "" {
			continue
		}
		s.sessions[sess.Key] = &sess
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
