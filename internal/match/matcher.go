// Package match implements the Stream Matcher: a rolling-window,
// ANSI-aware regex matcher that turns raw subprocess output into
// PromptReady / ResumeToken / ActivityTick events for a single session.
package match

import (
	"bytes"
	"regexp"

	"github.com/loppo-llc/sessiond/internal/config"
)

// ansiRe strips ANSI escape sequences: CSI sequences (ending in a letter
// or '~' for function keys), OSC sequences, and lone ESC-prefixed codes.
var ansiRe = regexp.MustCompile(`\x1b\](?:[^\x07\x1b]|\x1b[^\\])*(?:\x07|\x1b\\)|\x1b\[[0-9;?]*[a-zA-Z~]|\x1b[()][AB012]|\x1b[=>]`)

var multiSpaceRe = regexp.MustCompile(`\s+`)

// tailSize bounds the rolling window kept for matching; it must comfortably
// exceed the largest realistic prompt framed in ANSI styling.
const tailSize = 4096

// activityMinBytes is the net-output threshold, accumulated across chunks
// since the last tick, that counts as an ActivityTick even when no
// configured token substring is seen.
const activityMinBytes = 128

// Events reports what a chunk of output produced.
type Events struct {
	PromptReady bool
	ResumeToken string // non-empty when a new/changed resume token was captured
	ActivityTick bool
}

// Matcher holds the rolling window and compiled per-tool regexes for one
// session's output stream. Not safe for concurrent use; callers serialize
// calls to Observe through the session's single reader goroutine.
type Matcher struct {
	tail []byte

	promptRe *regexp.Regexp
	resumeRe *regexp.Regexp
	tokens   [][]byte

	sawPromptLastChunk bool
	lastResumeToken    string
	sinceActivity      int
}

// New compiles a Matcher for the given ToolConfig. PromptRegex/ResumeRegex
// may be empty, in which case that event is never produced.
func New(tc config.ToolConfig) (*Matcher, error) {
	m := &Matcher{}
	if tc.PromptRegex != "" {
		re, err := regexp.Compile(tc.PromptRegex)
		if err != nil {
			return nil, err
		}
		m.promptRe = re
	}
	if tc.ResumeRegex != "" {
		re, err := regexp.Compile(tc.ResumeRegex)
		if err != nil {
			return nil, err
		}
		m.resumeRe = re
	}
	for _, tok := range tc.ActivityTokens {
		m.tokens = append(m.tokens, []byte(tok))
	}
	return m, nil
}

// Reset clears accumulated state, e.g. when a driver restarts a subprocess.
func (m *Matcher) Reset() {
	m.tail = nil
	m.sawPromptLastChunk = false
	m.lastResumeToken = ""
	m.sinceActivity = 0
}

// clean returns the ANSI-stripped, whitespace-collapsed view of the tail.
// Matching is performed against this view only, never the raw buffer, so
// cursor-movement and color codes never throw off a prompt_regex match.
func clean(b []byte) []byte {
	c := ansiRe.ReplaceAll(b, nil)
	c = bytes.ReplaceAll(c, []byte("\r\n"), []byte("\n"))
	c = multiSpaceRe.ReplaceAll(c, []byte(" "))
	return c
}

// Observe feeds a chunk of raw subprocess output through the matcher and
// returns what it found. PromptReady only re-fires after an intervening
// chunk that did not match, so a stable idle screen doesn't refire on
// every unrelated repaint. ResumeToken fires once per Reset, then again
// only if the captured group differs from the last value seen.
func (m *Matcher) Observe(chunk []byte) Events {
	var ev Events

	m.tail = append(m.tail, chunk...)
	if len(m.tail) > tailSize {
		m.tail = m.tail[len(m.tail)-tailSize:]
	}

	m.sinceActivity += len(chunk)
	tokenHit := false
	for _, tok := range m.tokens {
		if bytes.Contains(chunk, tok) {
			tokenHit = true
			break
		}
	}
	if tokenHit || m.sinceActivity >= activityMinBytes {
		ev.ActivityTick = true
		m.sinceActivity = 0
	}

	c := clean(m.tail)

	if m.promptRe != nil {
		matched := m.promptRe.Match(c)
		if matched && !m.sawPromptLastChunk {
			ev.PromptReady = true
		}
		m.sawPromptLastChunk = matched
	}

	if m.resumeRe != nil {
		// The window can hold several matches; the latest one is current.
		if all := m.resumeRe.FindAllSubmatch(c, -1); len(all) > 0 {
			if groups := all[len(all)-1]; len(groups) > 1 {
				token := string(groups[1])
				if token != "" && token != m.lastResumeToken {
					m.lastResumeToken = token
					ev.ResumeToken = token
				}
			}
		}
	}

	if ev.PromptReady {
		// A prompt becoming ready clears the matched tail so a subsequent
		// identical idle screen doesn't look like fresh output.
		m.tail = nil
	}

	return ev
}
