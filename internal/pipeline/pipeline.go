// Package pipeline implements the Output Pipeline: per-destination
// ordered buffering, head/tail truncation, and ANSI→HTML rendering for
// overlong subprocess output.
package pipeline

import (
	"regexp"
	"sync"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
)

var ansiRe = regexp.MustCompile(`\x1b\](?:[^\x07\x1b]|\x1b[^\\])*(?:\x07|\x1b\\)|\x1b\[[0-9;?]*[a-zA-Z~]|\x1b[()][AB012]|\x1b[=>]`)

// Stripped removes ANSI escape sequences, leaving the plain-text view used
// for length counting and truncation.
func Stripped(b []byte) []byte {
	return ansiRe.ReplaceAll(b, nil)
}

// Message is one emitted unit, in FIFO order per Destination.
type Message struct {
	SessionID   string
	Destination string
	Inline      string // set when the plain text fits within InlineLimit
	ArtifactHTML string // set instead of Inline when truncated
	Preview     string  // head/tail preview accompanying an artifact
}

// SummaryFunc optionally produces a short summary of a message's full
// plain text; its failure never blocks emitting the artifact.
type SummaryFunc func(plain string) (string, error)

// Emitter receives finalized and interim messages in FIFO order per
// destination. Implementations must not block for long; the pipeline
// calls Emit while holding only the destination's own serialization lock.
type Emitter interface {
	Emit(Message)
}

// Pipeline accumulates per-(session,destination) output and decides when
// and how to emit it.
type Pipeline struct {
	cfg config.OutputConfig

	mu        sync.Mutex
	destLocks map[string]*sync.Mutex
	buffers   map[string]*messageBuffer

	summarizer SummaryFunc
}

func New(cfg config.OutputConfig, summarizer SummaryFunc) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		destLocks:  make(map[string]*sync.Mutex),
		buffers:    make(map[string]*messageBuffer),
		summarizer: summarizer,
	}
}

type messageBuffer struct {
	mu              sync.Mutex
	raw             []byte
	lastAppend      time.Time
	timer           *time.Timer
	rescheduledOnce bool
}

func bufferKey(sessionID, destination string) string {
	return sessionID + "\x00" + destination
}

func (p *Pipeline) destLock(destination string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.destLocks[destination]
	if !ok {
		l = &sync.Mutex{}
		p.destLocks[destination] = l
	}
	return l
}

func (p *Pipeline) buffer(sessionID, destination string) *messageBuffer {
	key := bufferKey(sessionID, destination)
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[key]
	if !ok {
		b = &messageBuffer{}
		p.buffers[key] = b
	}
	return b
}

func (p *Pipeline) dropBuffer(sessionID, destination string) {
	key := bufferKey(sessionID, destination)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, key)
}

// Append feeds a chunk of raw (ANSI-preserving) output belonging to an
// in-progress message. It coalesces the chunk into the buffered tail if
// it fits within InlineLimit and arrived within FlushDelay of the last
// append; otherwise it arms (or, once, re-arms) a flush timer that calls
// emit.Emit with an interim Message when it fires. A pending flush may
// be cancelled and rescheduled at most once — a second attempt while
// one is already pending just lets it commit.
func (p *Pipeline) Append(sessionID, destination string, chunk []byte, emit Emitter) {
	b := p.buffer(sessionID, destination)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.raw = append(b.raw, chunk...)
	now := time.Now()

	withinLimit := len(Stripped(b.raw)) <= p.cfg.InlineLimit
	withinDelay := !b.lastAppend.IsZero() && now.Sub(b.lastAppend) <= p.cfg.FlushDelay()

	if withinLimit && withinDelay {
		b.lastAppend = now
		return
	}
	b.lastAppend = now

	if b.timer != nil {
		if !b.rescheduledOnce {
			b.timer.Stop()
			b.rescheduledOnce = true
		} else {
			// Already rescheduled once; let the pending timer commit.
			return
		}
	}

	raw := append([]byte(nil), b.raw...)
	b.timer = time.AfterFunc(p.cfg.FlushDelay(), func() {
		dl := p.destLock(destination)
		dl.Lock()
		defer dl.Unlock()
		emit.Emit(Message{
			SessionID:   sessionID,
			Destination: destination,
			Inline:      string(Stripped(raw)),
		})
	})
}

// Finalize completes a message: sanitizes, decides inline vs artifact,
// runs the summary hook (if configured) ahead of the artifact, and emits
// exactly one terminal Message in FIFO order for the destination.
func (p *Pipeline) Finalize(sessionID, destination string, emit Emitter) {
	b := p.buffer(sessionID, destination)
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	raw := append([]byte(nil), b.raw...)
	b.mu.Unlock()
	p.dropBuffer(sessionID, destination)

	plain := string(Stripped(raw))

	dl := p.destLock(destination)
	dl.Lock()
	defer dl.Unlock()

	if len(plain) <= p.cfg.InlineLimit {
		emit.Emit(Message{SessionID: sessionID, Destination: destination, Inline: plain})
		return
	}

	if p.summarizer != nil {
		if summary, err := p.summarizer(plain); err == nil && summary != "" {
			emit.Emit(Message{SessionID: sessionID, Destination: destination, Inline: summary})
		}
		// Summarizer failure is swallowed; the artifact is emitted regardless.
	}

	preview := headTailPreview(plain, p.cfg.HeadChars, p.cfg.TailChars)
	html := RenderHTML(raw)
	emit.Emit(Message{
		SessionID:    sessionID,
		Destination:  destination,
		ArtifactHTML: html,
		Preview:      preview,
	})
}

// headTailPreview joins the first head and last tail runes of plain with a
// truncation marker, biased toward the tail since trailing content
// typically carries the final answer.
func headTailPreview(plain string, head, tail int) string {
	runes := []rune(plain)
	if len(runes) <= head+tail {
		return plain
	}
	const marker = "\n...[truncated]...\n"
	return string(runes[:head]) + marker + string(runes[len(runes)-tail:])
}
