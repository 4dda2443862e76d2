// Package contextpacks persists the message context a leader hands off to
// a worker sub-task so the worker's own /v2/chat/stream call can resume it
// by run id alone, without the caller re-sending the full conversation.
package contextpacks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/agentgateway/gateway/internal/backend"
)

// RunIDPattern is the strict run id shape enforced at the HTTP edge:
// date_time_randomhex, sortable by time.
var RunIDPattern = regexp.MustCompile(`^[0-9]{8}_[0-9]{6}_[0-9a-f]{8}$`)

// Pack is the persisted context a worker resumes from.
type Pack struct {
	RunID          string           `json:"run_id"`
	ParentThreadID string           `json:"parent_thread_id"`
	Messages       []backend.Message `json:"messages"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Store persists context packs as one JSON file per run id. An empty dir
// disables disk persistence and falls back to an in-memory map, which is
// still useful for single-process tests.
type Store struct {
	mu   sync.RWMutex
	dir  string
	mem  map[string]Pack
}

// NewStore constructs a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, mem: make(map[string]Pack)}
}

// Put writes a context pack for runID, overwriting any existing one.
func (s *Store) Put(runID, parentThreadID string, messages []backend.Message) error {
	pack := Pack{
		RunID:          runID,
		ParentThreadID: parentThreadID,
		Messages:       messages,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	s.mem[runID] = pack
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(s.dir, runID+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Get returns the context pack for runID, loading it from disk on a
// memory miss. ok is false if no pack exists for this run id at all.
func (s *Store) Get(runID string) (Pack, bool) {
	s.mu.RLock()
	pack, ok := s.mem[runID]
	s.mu.RUnlock()
	if ok {
		return pack, true
	}
	if s.dir == "" {
		return Pack{}, false
	}

	data, err := os.ReadFile(filepath.Join(s.dir, runID+".json"))
	if err != nil {
		return Pack{}, false
	}
	var loaded Pack
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Pack{}, false
	}

	s.mu.Lock()
	s.mem[runID] = loaded
	s.mu.Unlock()
	return loaded, true
}

// Delete removes a context pack, in memory and on disk.
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	delete(s.mem, runID)
	s.mu.Unlock()
	if s.dir != "" {
		_ = os.Remove(filepath.Join(s.dir, runID+".json"))
	}
}
