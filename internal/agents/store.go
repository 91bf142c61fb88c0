// Package agents is the file-backed agent definition store. Each agent is
// a directory under the data dir holding a definition plus named files
// (prompt, memory, notes) the operator edits through the RPC surface.
package agents

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

// Definition is the persisted agent record.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Model       string `json:"model,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// FileInfo describes one editable agent file.
type FileInfo struct {
	Name    string `json:"name"`
	SizeB   int64  `json:"sizeB"`
	Missing bool   `json:"missing"`
}

// Store manages agent directories under root.
type Store struct {
	mu   sync.Mutex
	root string
}

// WellKnownFiles are always reported by files.list, present or not.
var WellKnownFiles = []string{"prompt.md", "memory.md", "notes.md"}

func NewStore(root string) *Store {
	os.MkdirAll(root, 0o755)
	return &Store{root: root}
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\:`) || !filepath.IsLocal(id) {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}

// List returns all agent definitions sorted by id.
func (s *Store) List() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []Definition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		def, err := s.readDef(e.Name())
		if err != nil {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one definition.
func (s *Store) Get(id string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(id); err != nil {
		return Definition{}, err
	}
	return s.readDef(id)
}

// Create persists a new agent.
func (s *Store) Create(def Definition) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(def.ID); err != nil {
		return Definition{}, err
	}
	if _, err := s.readDef(def.ID); err == nil {
		return Definition{}, fmt.Errorf("agent %s already exists", def.ID)
	}
	nowMs := time.Now().UnixMilli()
	def.CreatedAtMs = nowMs
	def.UpdatedAtMs = nowMs
	if err := os.MkdirAll(s.dir(def.ID), 0o755); err != nil {
		return Definition{}, err
	}
	if err := s.writeDef(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Update patches an existing agent's definition.
func (s *Store) Update(def Definition) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(def.ID); err != nil {
		return Definition{}, err
	}
	cur, err := s.readDef(def.ID)
	if err != nil {
		return Definition{}, err
	}
	if def.Name != "" {
		cur.Name = def.Name
	}
	if def.Model != "" {
		cur.Model = def.Model
	}
	if def.Provider != "" {
		cur.Provider = def.Provider
	}
	if def.Description != "" {
		cur.Description = def.Description
	}
	cur.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.writeDef(cur); err != nil {
		return Definition{}, err
	}
	return cur, nil
}

// Delete removes the agent directory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(id); err != nil {
		return err
	}
	if _, err := s.readDef(id); err != nil {
		return err
	}
	return os.RemoveAll(s.dir(id))
}

// ListFiles reports the well-known files plus any extra files present.
func (s *Store) ListFiles(id string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(id); err != nil {
		return nil, err
	}
	if _, err := s.readDef(id); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []FileInfo
	for _, name := range WellKnownFiles {
		seen[name] = true
		info := FileInfo{Name: name, Missing: true}
		if st, err := os.Stat(filepath.Join(s.dir(id), name)); err == nil {
			info.Missing = false
			info.SizeB = st.Size()
		}
		out = append(out, info)
	}
	entries, _ := os.ReadDir(s.dir(id))
	for _, e := range entries {
		if e.IsDir() || seen[e.Name()] || e.Name() == defFile {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), SizeB: st.Size()})
	}
	return out, nil
}

// GetFile reads one agent file. Missing files return ("", true, nil).
func (s *Store) GetFile(id, name string) (content string, missing bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(id); err != nil {
		return "", false, err
	}
	if err := validFileName(name); err != nil {
		return "", false, err
	}
	if _, err := s.readDef(id); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(id), name))
	if os.IsNotExist(err) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), false, nil
}

// SetFile writes one agent file.
func (s *Store) SetFile(id, name, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validID(id); err != nil {
		return err
	}
	if err := validFileName(name); err != nil {
		return err
	}
	if _, err := s.readDef(id); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir(id), name), []byte(content), 0o644)
}

const defFile = "agent.json"

func validFileName(name string) error {
	if name == "" || name == defFile || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

func (s *Store) readDef(id string) (Definition, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), defFile))
	if err != nil {
		return Definition{}, fmt.Errorf("agent %s not found", id)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (s *Store) writeDef(def Definition) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir(def.ID), defFile), data, 0o644)
}
