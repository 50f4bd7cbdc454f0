package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// persistedSession is the on-disk shape of one _sessions entry.
type persistedSession struct {
	Tool        string `json:"tool"`
	WorkDir     string `json:"workdir"`
	ResumeToken string `json:"resume_token,omitempty"`
	Name        string `json:"name,omitempty"`
	Summary     string `json:"summary,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type persistedActive struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	WorkDir   string `json:"workdir"`
	UpdatedAt string `json:"updated_at"`
}

// document is the full persisted state file shape.
type document struct {
	Sessions map[string]persistedSession `json:"_sessions"`
	Active   *persistedActive            `json:"_active"`
}

// Store persists the document with a write-temp-then-rename sequence and
// a cross-process advisory lock, so two sessiond processes never
// interleave writes to the same state file.
type Store struct {
	path     string
	lockPath string
	logger   *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger,
	}
}

// Load reads the persisted document, transparently migrating the legacy
// "{tool}::{workdir}" key layout into the current schema. Returns (nil,
// nil) if no file exists yet.
func (s *Store) Load() (*document, error) {
	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	defer fl.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]persistedSession)
	}

	migrated := false
	for key, sess := range doc.Sessions {
		if !strings.Contains(key, "::") {
			continue
		}
		parts := strings.SplitN(key, "::", 2)
		if len(parts) != 2 {
			continue
		}
		tool, workdir := parts[0], parts[1]
		newKey := FingerprintID(tool, workdir)
		sess.Tool = tool
		sess.WorkDir = workdir
		delete(doc.Sessions, key)
		doc.Sessions[newKey] = sess
		migrated = true
	}

	if migrated {
		s.logger.Info("migrated legacy session key layout")
		if err := s.save(&doc); err != nil {
			s.logger.Warn("failed to persist migrated layout", "err", err)
		}
	}

	return &doc, nil
}

// Save serializes the document atomically: write to a temp file in the
// same directory, then rename over the final path.
func (s *Store) Save(doc *document) error {
	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer fl.Unlock()
	return s.save(doc)
}

func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
