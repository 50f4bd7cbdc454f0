package match

import (
	"strings"
	"testing"

	"github.com/loppo-llc/sessiond/internal/config"
)

func newTestMatcher(t *testing.T, promptRe, resumeRe string, tokens ...string) *Matcher {
	t.Helper()
	m, err := New(config.ToolConfig{
		PromptRegex:    promptRe,
		ResumeRegex:    resumeRe,
		ActivityTokens: tokens,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestObserve_PromptReadyBasicMatch(t *testing.T) {
	m := newTestMatcher(t, `(?i)Do you \S[^\n]*\?[\s\S]{0,200}?1\.\s*Yes`, "")
	ev := m.Observe([]byte("Do you want to proceed? > 1. Yes"))
	if !ev.PromptReady {
		t.Fatal("expected PromptReady for basic prompt")
	}
}

func TestObserve_PromptReadyWithANSI(t *testing.T) {
	m := newTestMatcher(t, `(?i)Do you \S[^\n]*\?[\s\S]{0,200}?1\.\s*Yes`, "")

	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("\x1b[1;32m")
		b.WriteString("\x1b[?25l")
		b.WriteString("some output line\r\n")
		b.WriteString("\x1b[0m")
		b.WriteString("\x1b[?25h")
	}
	b.WriteString("Do you want to proceed? > 1. Yes")
	data := []byte(b.String())
	if len(data) < 512 {
		t.Fatalf("test data too short (%d bytes)", len(data))
	}

	ev := m.Observe(data)
	if !ev.PromptReady {
		t.Fatal("expected PromptReady for long ANSI-framed prompt")
	}
}

func TestObserve_PromptReadyChunkSplit(t *testing.T) {
	m := newTestMatcher(t, `(?i)Do you \S[^\n]*\?[\s\S]{0,200}?1\.\s*Yes`, "")

	var preamble strings.Builder
	for i := 0; i < 50; i++ {
		preamble.WriteString("\x1b[1;32moutput line content\r\n\x1b[0m")
	}
	preamble.WriteString("Do you want to proceed?")
	chunk1 := []byte(preamble.String())
	if len(chunk1) < 512 {
		t.Fatalf("chunk1 too short (%d bytes)", len(chunk1))
	}

	if ev := m.Observe(chunk1); ev.PromptReady {
		t.Fatal("should not match without options present")
	}

	chunk2 := []byte("\x1b[1m\r\n  > \x1b[32m1. Yes\x1b[0m\r\n    2. No\r\n")
	ev := m.Observe(chunk2)
	if !ev.PromptReady {
		t.Fatal("expected PromptReady once options arrive in a later chunk")
	}
}

func TestObserve_PromptReadyNoRefireWithoutGap(t *testing.T) {
	m := newTestMatcher(t, `ready>`, "")

	if ev := m.Observe([]byte("ready> ")); !ev.PromptReady {
		t.Fatal("expected first PromptReady")
	}
	// Same screen repainted identically should not refire.
	if ev := m.Observe([]byte("ready> ")); ev.PromptReady {
		t.Fatal("did not expect refire on stable screen")
	}
}

func TestObserve_NoMatch(t *testing.T) {
	m := newTestMatcher(t, `(?i)Do you \S[^\n]*\?[\s\S]{0,200}?1\.\s*Yes`, "")
	ev := m.Observe([]byte("some random output without any prompt"))
	if ev.PromptReady {
		t.Fatal("expected no match for non-prompt output")
	}
}

func TestObserve_ResumeTokenCapturedOnce(t *testing.T) {
	m := newTestMatcher(t, "", `(?i)session id: ([0-9a-fA-F-]{36})`)
	id := "550e8400-e29b-41d4-a716-446655440000"
	ev := m.Observe([]byte("session id: " + id + "\n"))
	if ev.ResumeToken != id {
		t.Fatalf("expected resume token %q, got %q", id, ev.ResumeToken)
	}
	// Same id seen again should not refire.
	ev = m.Observe([]byte("session id: " + id + "\n"))
	if ev.ResumeToken != "" {
		t.Fatal("did not expect resume token to refire for an unchanged id")
	}
}

func TestObserve_ResumeTokenRefiresOnChange(t *testing.T) {
	m := newTestMatcher(t, "", `(?i)session id: ([0-9a-fA-F-]{36})`)
	id1 := "550e8400-e29b-41d4-a716-446655440000"
	id2 := "660e8400-e29b-41d4-a716-446655440001"
	m.Observe([]byte("session id: " + id1 + "\n"))
	ev := m.Observe([]byte("session id: " + id2 + "\n"))
	if ev.ResumeToken != id2 {
		t.Fatalf("expected refire with new id %q, got %q", id2, ev.ResumeToken)
	}
}

func TestObserve_ActivityTickOnToken(t *testing.T) {
	m := newTestMatcher(t, "", "", "Thinking")
	ev := m.Observe([]byte("Thinking..."))
	if !ev.ActivityTick {
		t.Fatal("expected ActivityTick on activity token match")
	}
}

func TestObserve_ActivityTickOnByteThreshold(t *testing.T) {
	m := newTestMatcher(t, "", "")
	big := make([]byte, activityMinBytes)
	for i := range big {
		big[i] = 'x'
	}
	ev := m.Observe(big)
	if !ev.ActivityTick {
		t.Fatal("expected ActivityTick once accumulated bytes cross the threshold")
	}
}

func TestObserve_NoActivityTickBelowThreshold(t *testing.T) {
	m := newTestMatcher(t, "", "")
	ev := m.Observe([]byte("short"))
	if ev.ActivityTick {
		t.Fatal("did not expect ActivityTick for a small chunk with no token match")
	}
}

func TestObserve_ActivityTickAccumulatesAcrossChunks(t *testing.T) {
	m := newTestMatcher(t, "", "")
	chunk := make([]byte, activityMinBytes/4)
	for i := range chunk {
		chunk[i] = 'x'
	}
	var lastEv Events
	for i := 0; i < 3; i++ {
		lastEv = m.Observe(chunk)
		if lastEv.ActivityTick {
			t.Fatalf("did not expect ActivityTick before threshold crossed, at chunk %d", i)
		}
	}
	lastEv = m.Observe(chunk)
	if !lastEv.ActivityTick {
		t.Fatal("expected ActivityTick once accumulated bytes across chunks cross the threshold")
	}
}

func TestAnsiRe_StripsDECPrivateMode(t *testing.T) {
	input := "\x1b[?25hvisible\x1b[?25l"
	got := string(ansiRe.ReplaceAll([]byte(input), nil))
	if got != "visible" {
		t.Fatalf("expected 'visible', got %q", got)
	}
}

func TestAnsiRe_StripsTildeTerminated(t *testing.T) {
	input := "\x1b[15~visible\x1b[2~"
	got := string(ansiRe.ReplaceAll([]byte(input), nil))
	if got != "visible" {
		t.Fatalf("expected 'visible', got %q", got)
	}
}

func TestReset_ClearsPromptDebounceState(t *testing.T) {
	m := newTestMatcher(t, `ready>`, "")
	m.Observe([]byte("ready> "))
	m.Reset()
	ev := m.Observe([]byte("ready> "))
	if !ev.PromptReady {
		t.Fatal("expected PromptReady to refire after Reset")
	}
}
