// Package toolhelp implements a JSON-file-backed cache of in-tool help
// text, refreshed by invoking a tool's help_cmd_template through a
// headless driver run.
package toolhelp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/driver"
)

// Entry is one cached tool's help text.
type Entry struct {
	Tool      string `json:"tool"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updated_at"`
}

// Cache is a JSON-file-backed map keyed by tool name.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

func Load(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]Entry)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tool-help cache: %w", err)
	}
	if err := json.Unmarshal(raw, &c.entries); err != nil {
		return nil, fmt.Errorf("parse tool-help cache: %w", err)
	}
	return c, nil
}

// Get returns the cached entry for a tool, if any.
func (c *Cache) Get(tool string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tool]
	return e, ok
}

// Refresh invokes the tool's help_cmd_template headlessly and stores the
// result, overwriting any prior entry.
func (c *Cache) Refresh(ctx context.Context, tc config.ToolConfig, workdir string, timeout time.Duration) (Entry, error) {
	if len(tc.HelpCmdTemplate) == 0 {
		return Entry{}, fmt.Errorf("tool %s has no help_cmd_template", tc.Name)
	}

	helpTC := tc
	helpTC.CmdTemplate = tc.HelpCmdTemplate

	res, err := driver.RunHeadless(ctx, helpTC, workdir, "", "", "", timeout)
	if err != nil {
		return Entry{}, fmt.Errorf("run help_cmd_template for %s: %w", tc.Name, err)
	}

	entry := Entry{Tool: tc.Name, Content: string(res.OutputBytes), UpdatedAt: time.Now().Unix()}

	c.mu.Lock()
	c.entries[tc.Name] = entry
	c.mu.Unlock()

	return entry, c.save()
}

func (c *Cache) save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal tool-help cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tool-help cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tool-help cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tool-help cache file: %w", err)
	}
	return nil
}
