// Package manager implements the Session Manager: a registry of
// sessions keyed by (tool, workdir), active-selection tracking,
// persistence, and restart recovery.
package manager

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
)

// Hooks are externally supplied notifiers invoked on create/set_active/
// close. A panicking hook is recovered and logged — it never rolls back
// the operation.
type Hooks struct {
	OnCreate    func(id string)
	OnSetActive func(id string)
	OnBeforeClose func(id string)
	OnAfterClose  func(id string)
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   string // session id, "" if none

	tools  map[string]config.ToolConfig
	store  *Store
	logger *slog.Logger
	hooks  Hooks

	maxQueue int
}

// New constructs a Manager and hydrates it from the persisted state
// file. Recovered sessions come back with busy=false, no driver, and an
// empty in-memory queue.
func New(cfg config.Config, hooks Hooks, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]*Session),
		tools:    cfg.Tools,
		store:    NewStore(cfg.Defaults.StatePath, logger),
		logger:   logger,
		hooks:    hooks,
		maxQueue: cfg.Queue.MaxPerSession,
	}

	doc, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load persisted sessions: %w", err)
	}
	if doc == nil {
		return m, nil
	}

	for id, ps := range doc.Sessions {
		updatedAt, _ := time.Parse(time.RFC3339Nano, ps.UpdatedAt)
		tc := cfg.Tools[ps.Tool]
		m.sessions[id] = &Session{
			ID:          id,
			Tool:        ps.Tool,
			WorkDir:     ps.WorkDir,
			Mode:        string(tc.Mode),
			ResumeToken: ps.ResumeToken,
			Name:        ps.Name,
			Summary:     ps.Summary,
			UpdatedAt:   updatedAt,
		}
	}

	if doc.Active != nil {
		if _, ok := m.sessions[doc.Active.SessionID]; ok {
			m.active = doc.Active.SessionID
		}
		// Stale active selection (session no longer present) is silently
		// cleared.
	}

	m.logger.Info("restored persisted sessions", "count", len(m.sessions))
	return m, nil
}

// ErrNotFound, ErrAlreadyExists, ErrUnknownTool and ErrBadWorkdir are the
// validation-error sentinels that Manager methods wrap in their errors;
// Enqueue returns ErrQueueFull unwrapped. No Manager method returns
// ErrClosed.
var (
	ErrNotFound      = fmt.Errorf("session not found")
	ErrAlreadyExists = fmt.Errorf("session already exists")
	ErrUnknownTool   = fmt.Errorf("unknown tool")
	ErrBadWorkdir    = fmt.Errorf("working directory does not exist")
	ErrClosed        = fmt.Errorf("session is closed")
	ErrQueueFull     = fmt.Errorf("queue full")
)

// Create inserts a new session for (tool, workdir), persists, and returns
// it. Fails with ErrAlreadyExists if that (tool, workdir) pair already has
// a session.
func (m *Manager) Create(tool, workdir, name string) (*Session, error) {
	tc, ok := m.tools[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	if info, err := os.Stat(workdir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrBadWorkdir, workdir)
	}

	id := FingerprintID(tool, workdir)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s := &Session{
		ID:        id,
		Tool:      tool,
		WorkDir:   workdir,
		Mode:      string(tc.Mode),
		Name:      name,
		UpdatedAt: time.Now(),
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on create", "err", err)
	}

	m.runHook(m.hooks.OnCreate, id)
	m.logger.Info("session created", "id", id, "tool", tool, "workdir", workdir)
	return s, nil
}

// SetActive updates the active selection and persists.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.active = id
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on set_active", "err", err)
	}
	m.runHook(m.hooks.OnSetActive, id)
	return nil
}

// Active returns the active session id, or "" if none.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Rename mutates a session's display name and persists.
func (m *Manager) Rename(id, name string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Name = name
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on rename", "err", err)
	}
	return nil
}

// SetResume mutates a session's resume token and persists. token may be
// empty to clear it.
func (m *Manager) SetResume(id, token string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.ResumeToken = token
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on set_resume", "err", err)
	}
	return nil
}

// Close terminates the session's driver (if the caller passes a non-nil
// terminate func), removes it from the registry, persists, and emits
// before_close/after_close hooks.
func (m *Manager) Close(id string, terminate func(driver any)) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.mu.Unlock()

	m.runHook(m.hooks.OnBeforeClose, id)

	if terminate != nil && s.Driver != nil {
		terminate(s.Driver)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on close", "err", err)
	}

	m.runHook(m.hooks.OnAfterClose, id)
	m.logger.Info("session closed", "id", id)
	return nil
}

// List returns a snapshot of every session.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			ID:        s.ID,
			Tool:      s.Tool,
			WorkDir:   s.WorkDir,
			Name:      s.Name,
			UpdatedAt: s.UpdatedAt,
			Busy:      s.Busy,
			QueueLen:  len(s.Queue),
		})
	}
	return out
}

// Get returns the live Session record for direct inspection/mutation by
// the Scheduler, which is the only other component allowed to touch
// Busy/Driver/Queue fields directly.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ToolConfig looks up a tool's template by name.
func (m *Manager) ToolConfig(tool string) (config.ToolConfig, bool) {
	tc, ok := m.tools[tool]
	return tc, ok
}

// Enqueue appends a prompt to a session's queue and persists. Returns
// ErrQueueFull without any persistence change if the soft cap is
// exceeded. The caller (Scheduler) is responsible for triggering
// dispatch when the session was idle.
func (m *Manager) Enqueue(id string, p PendingPrompt) (wasIdle bool, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.maxQueue > 0 && len(s.Queue) >= m.maxQueue {
		m.mu.Unlock()
		return false, ErrQueueFull
	}
	wasIdle = !s.Busy && len(s.Queue) == 0
	s.Queue = append(s.Queue, p)
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persistence error on enqueue", "err", err)
	}
	return wasIdle, nil
}

// Dequeue pops and returns the front of a session's queue. ok is false if
// the session is unknown or its queue is empty. Apart from DrainQueue, this
// is the only way a prompt leaves Session.Queue; it is the single source of truth the
// Scheduler dispatches from, so QueueLen/List never outlive completed work.
func (m *Manager) Dequeue(id string) (p PendingPrompt, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[id]
	if !exists || len(s.Queue) == 0 {
		return PendingPrompt{}, false
	}
	p = s.Queue[0]
	s.Queue = s.Queue[1:]
	s.UpdatedAt = time.Now()
	return p, true
}

// DrainQueue empties and returns a session's remaining queued prompts, for
// a caller resolving them all at once (e.g. marking the session down).
func (m *Manager) DrainQueue(id string) []PendingPrompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	drained := s.Queue
	s.Queue = nil
	return drained
}

// CancelQueued closes the CancelSignal of a still-queued prompt matching
// promptID, if found. Returns false if the prompt has already been
// dispatched or doesn't exist.
func (m *Manager) CancelQueued(id, promptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	for _, p := range s.Queue {
		if p.ID == promptID {
			close(p.CancelSignal)
			return true
		}
	}
	return false
}

// SetBusy marks a session busy/idle under the registry lock. The Scheduler
// calls this around each dispatch instead of touching Session.Busy
// directly, since List() and persist() read it under the same lock.
func (m *Manager) SetBusy(id string, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Busy = busy
	}
}

// SetDown marks a session down/up under the registry lock, for the same
// reason SetBusy exists.
func (m *Manager) SetDown(id string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Down = down
	}
}

// ToolAvailability reports, for each configured tool, whether its binary
// resolves on $PATH.
func (m *Manager) ToolAvailability() map[string]bool {
	out := make(map[string]bool, len(m.tools))
	for name := range m.tools {
		_, err := exec.LookPath(name)
		out[name] = err == nil
	}
	return out
}

func (m *Manager) runHook(h func(string), id string) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("hook panicked, swallowing", "id", id, "recover", r)
		}
	}()
	h(id)
}

func (m *Manager) persist() error {
	m.mu.Lock()
	doc := &document{Sessions: make(map[string]persistedSession, len(m.sessions))}
	for id, s := range m.sessions {
		doc.Sessions[id] = persistedSession{
			Tool:        s.Tool,
			WorkDir:     s.WorkDir,
			ResumeToken: s.ResumeToken,
			Name:        s.Name,
			Summary:     s.Summary,
			UpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	if m.active != "" {
		if s, ok := m.sessions[m.active]; ok {
			doc.Active = &persistedActive{
				SessionID: s.ID,
				Tool:      s.Tool,
				WorkDir:   s.WorkDir,
				UpdatedAt: nowRFC3339(),
			}
		}
	}
	m.mu.Unlock()

	return m.store.Save(doc)
}

// SweepIdle removes sessions with no in-memory driver whose UpdatedAt
// exceeds maxAge.
func (m *Manager) SweepIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		if s.Driver == nil && !s.Busy && s.UpdatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(m.sessions, id)
		if m.active == id {
			m.active = ""
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		if err := m.persist(); err != nil {
			m.logger.Warn("persistence error on sweep", "err", err)
		}
		m.logger.Info("swept idle sessions", "count", len(removed))
	}
	return len(removed)
}
