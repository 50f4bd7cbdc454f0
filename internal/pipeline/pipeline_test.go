package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
)

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingEmitter) Emit(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordingEmitter) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func testOutputConfig(inlineLimit int) config.OutputConfig {
	return config.OutputConfig{
		InlineLimit:  inlineLimit,
		HeadChars:    10,
		TailChars:    20,
		FlushDelayMS: 20,
	}
}

// TestFinalize_BoundaryInlineLimit covers the boundary behavior: exactly
// inline_limit chars goes inline, inline_limit+1 goes to an artifact.
func TestFinalize_BoundaryInlineLimit(t *testing.T) {
	p := New(testOutputConfig(10), nil)
	e := &recordingEmitter{}

	p.Append("s1", "d1", []byte(strings.Repeat("x", 10)), e)
	p.Finalize("s1", "d1", e)

	msgs := e.all()
	if len(msgs) != 1 || msgs[0].Inline == "" || msgs[0].ArtifactHTML != "" {
		t.Fatalf("expected inline message at exactly inline_limit, got %+v", msgs)
	}
}

func TestFinalize_OverBoundaryProducesArtifact(t *testing.T) {
	p := New(testOutputConfig(10), nil)
	e := &recordingEmitter{}

	p.Append("s1", "d1", []byte(strings.Repeat("x", 11)), e)
	p.Finalize("s1", "d1", e)

	msgs := e.all()
	if len(msgs) != 1 || msgs[0].ArtifactHTML == "" {
		t.Fatalf("expected artifact message at inline_limit+1, got %+v", msgs)
	}
	if msgs[0].Preview == "" {
		t.Fatal("expected a head/tail preview alongside the artifact")
	}
}

func TestFinalize_SummaryEmittedBeforeArtifact(t *testing.T) {
	p := New(testOutputConfig(5), func(plain string) (string, error) {
		return "summary: " + plain[:5], nil
	})
	e := &recordingEmitter{}

	p.Append("s1", "d1", []byte(strings.Repeat("y", 50)), e)
	p.Finalize("s1", "d1", e)

	msgs := e.all()
	if len(msgs) != 2 {
		t.Fatalf("expected summary + artifact, got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Inline == "" || !strings.HasPrefix(msgs[0].Inline, "summary:") {
		t.Fatalf("expected summary first, got %+v", msgs[0])
	}
	if msgs[1].ArtifactHTML == "" {
		t.Fatalf("expected artifact second, got %+v", msgs[1])
	}
}

func TestFinalize_ArtifactEmittedEvenIfSummarizerFails(t *testing.T) {
	p := New(testOutputConfig(5), func(plain string) (string, error) {
		return "", fmt.Errorf("boom")
	})
	e := &recordingEmitter{}

	p.Append("s1", "d1", []byte(strings.Repeat("z", 50)), e)
	p.Finalize("s1", "d1", e)

	msgs := e.all()
	if len(msgs) != 1 || msgs[0].ArtifactHTML == "" {
		t.Fatalf("expected artifact despite summarizer failure, got %+v", msgs)
	}
}

func TestAppend_CoalescesWithinDelayAndLimit(t *testing.T) {
	p := New(testOutputConfig(1000), nil)
	e := &recordingEmitter{}

	p.Append("s1", "d1", []byte("a"), e)
	p.Append("s1", "d1", []byte("b"), e)
	// No flush should have fired yet — both chunks fit well within limit
	// and arrived close together.
	time.Sleep(5 * time.Millisecond)
	if len(e.all()) != 0 {
		t.Fatalf("expected no interim flush for coalesced small chunks, got %+v", e.all())
	}

	p.Finalize("s1", "d1", e)
	msgs := e.all()
	if len(msgs) != 1 || msgs[0].Inline != "ab" {
		t.Fatalf("expected finalized inline 'ab', got %+v", msgs)
	}
}

func TestRenderHTML_EscapesAndStyles(t *testing.T) {
	out := RenderHTML([]byte("\x1b[31mred & <b>\x1b[0m plain"))
	if !strings.Contains(out, `color:#c00`) {
		t.Fatalf("expected red style span, got %q", out)
	}
	if !strings.Contains(out, "&amp;") || !strings.Contains(out, "&lt;b&gt;") {
		t.Fatalf("expected HTML escaping of literal content, got %q", out)
	}
	if !strings.Contains(out, "plain") {
		t.Fatalf("expected trailing plain text preserved, got %q", out)
	}
}

func TestStripped_RemovesANSI(t *testing.T) {
	got := string(Stripped([]byte("\x1b[1;32mhello\x1b[0m")))
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}
