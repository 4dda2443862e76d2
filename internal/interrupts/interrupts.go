// Package interrupts implements the human-in-the-loop pause/resume
// mechanism: a leader agent parks a run behind a question, the caller
// answers it out of band, and the run resumes with the answer folded
// back into context. Workers are never permitted to create one.
package interrupts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/gatewayerr"
)

// Reason categorizes why a run is asking for human input.
type Reason string

const (
	ReasonClarification Reason = "clarification"
	ReasonHumanApproval  Reason = "human_approval"
	ReasonUploadRequired Reason = "upload_required"
	ReasonPolicyHold     Reason = "policy_hold"
	ReasonErrorRecovery  Reason = "error_recovery"
	ReasonPlanReview     Reason = "plan_review"
	ReasonCustom         Reason = "custom"
)

// Payload is what gets sent to the client to render the interrupt.
type Payload struct {
	Question    string         `json:"question"`
	Options     []string       `json:"options,omitempty"`
	InputType   string         `json:"input_type,omitempty"` // text | choice | confirm | form
	Default     string         `json:"default_value,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Proposal    map[string]any `json:"proposal,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"` // info | warning | critical
}

// Request is a full interrupt request raised by a run.
type Request struct {
	InterruptID string    `json:"interrupt_id"`
	Reason      Reason    `json:"reason"`
	Payload     Payload   `json:"payload"`
	ThreadID    string    `json:"thread_id"`
	RunID       string    `json:"run_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	AgentRole   string    `json:"agent_role"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Resolution is the caller's answer to an interrupt.
type Resolution struct {
	InterruptID   string         `json:"interrupt_id"`
	Answer        any            `json:"answer"`
	Modifications map[string]any `json:"modifications,omitempty"`
	RespondedAt   time.Time      `json:"responded_at"`
}

// Pending is the in-memory (and on-disk) record of an interrupt and its
// eventual resolution.
type Pending struct {
	Request    Request      `json:"request"`
	CreatedAt  time.Time    `json:"created_at"`
	Resolution *Resolution  `json:"response,omitempty"`
	Resolved   bool         `json:"resolved"`
}

func newInterruptID() string {
	return "int-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Store holds pending interrupts per thread, lazily mirroring each
// thread's interrupts to disk so a restart can recover in-flight state.
type Store struct {
	mu        sync.Mutex
	dir       string
	byThread  map[string]map[string]*Pending
	loaded    map[string]bool
}

// NewStore constructs a Store rooted at dir. An empty dir disables disk
// persistence; state then only lives for the process lifetime.
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		byThread: make(map[string]map[string]*Pending),
		loaded:   make(map[string]bool),
	}
}

// CreateInterrupt raises a new interrupt for threadID, provided agentRole
// is "leader". Workers are rejected with KindInterruptAuthorization.
func (s *Store) CreateInterrupt(threadID, runID, agentID, agentRole string, reason Reason, payload Payload) (Request, error) {
	if agentRole != "leader" {
		return Request{}, gatewayerr.New(gatewayerr.KindInterruptAuthorization,
			"only leader agents may create interrupts, got role %q", agentRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(threadID)

	req := Request{
		InterruptID: newInterruptID(),
		Reason:      reason,
		Payload:     payload,
		ThreadID:    threadID,
		RunID:       runID,
		AgentID:     agentID,
		AgentRole:   agentRole,
		CreatedAt:   time.Now(),
	}
	pending := &Pending{Request: req, CreatedAt: req.CreatedAt}

	if s.byThread[threadID] == nil {
		s.byThread[threadID] = make(map[string]*Pending)
	}
	s.byThread[threadID][req.InterruptID] = pending
	s.saveLocked(pending)

	return req, nil
}

// GetPending returns every unresolved interrupt for a thread.
func (s *Store) GetPending(threadID string) []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(threadID)

	var out []*Pending
	for _, p := range s.byThread[threadID] {
		if !p.Resolved {
			out = append(out, p)
		}
	}
	return out
}

// GetInterrupt returns a specific interrupt, or nil if unknown.
func (s *Store) GetInterrupt(threadID, interruptID string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(threadID)
	return s.byThread[threadID][interruptID]
}

// ResolveInterrupt records the caller's answer. Resolving an
// already-resolved interrupt is idempotent: it returns the original
// resolution rather than overwriting it.
func (s *Store) ResolveInterrupt(threadID, interruptID string, answer any, modifications map[string]any) (*Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(threadID)

	pending, ok := s.byThread[threadID][interruptID]
	if !ok {
		return nil, false
	}
	if pending.Resolved {
		return pending.Resolution, true
	}

	resolution := &Resolution{
		InterruptID:   interruptID,
		Answer:        answer,
		Modifications: modifications,
		RespondedAt:   time.Now(),
	}
	pending.Resolution = resolution
	pending.Resolved = true
	s.saveLocked(pending)
	return resolution, true
}

// HasPending reports whether a thread has any unresolved interrupt.
func (s *Store) HasPending(threadID string) bool {
	return len(s.GetPending(threadID)) > 0
}

// ClearThread discards every interrupt for a thread, in memory and on
// disk, returning the count cleared.
func (s *Store) ClearThread(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.byThread[threadID])
	delete(s.byThread, threadID)
	delete(s.loaded, threadID)

	if s.dir != "" {
		_ = os.RemoveAll(s.threadDir(threadID))
	}
	return count
}

func (s *Store) threadDir(threadID string) string {
	return filepath.Join(s.dir, threadID)
}

func (s *Store) saveLocked(p *Pending) {
	if s.dir == "" {
		return
	}
	dir := s.threadDir(p.Request.ThreadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	target := filepath.Join(dir, p.Request.InterruptID+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, target)
}

// ensureLoadedLocked lazily hydrates a thread's interrupts from disk on
// first access, so a restarted process can still resolve in-flight
// interrupts without replaying every thread eagerly at startup.
func (s *Store) ensureLoadedLocked(threadID string) {
	if s.loaded[threadID] {
		return
	}
	s.loaded[threadID] = true

	if s.byThread[threadID] == nil {
		s.byThread[threadID] = make(map[string]*Pending)
	}
	if s.dir == "" {
		return
	}

	entries, err := os.ReadDir(s.threadDir(threadID))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), entry.Name()))
		if err != nil {
			continue
		}
		var p Pending
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		s.byThread[threadID][p.Request.InterruptID] = &p
	}
}
