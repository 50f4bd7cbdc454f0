// Package scheduler implements the Scheduler/Dispatcher: per-session
// FIFO dispatch, single-in-flight enforcement, timeouts, cancellation,
// and failure-policy draining.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/driver"
	"github.com/loppo-llc/sessiond/internal/manager"
	"github.com/loppo-llc/sessiond/internal/pipeline"
)

// Kind is the taxonomy of outcomes a submitted prompt can resolve with.
type Kind string

const (
	KindOK           Kind = "ok"
	KindTimeout      Kind = "Timeout"
	KindCancelled    Kind = "Cancelled"
	KindSessionDown  Kind = "SessionDown"
	KindQueueFull    Kind = "QueueFull"
	KindNotFound     Kind = "NotFound"
)

// Outcome is what a submitted prompt resolves with.
type Outcome struct {
	Kind   Kind
	Output string
	Err    error
}

type job struct {
	prompt manager.PendingPrompt
	result chan Outcome
}

// sessionState is the Scheduler's per-session runtime bookkeeping. The
// queue itself lives in the Manager (Session.Queue); this only tracks the
// result channel for each queued prompt's ID, the currently-dispatching
// job (if any, for Cancel), and the per-session dispatch goroutine's
// start/stop lifecycle.
type sessionState struct {
	mu      sync.Mutex
	results map[string]chan Outcome
	current *job
	wake    chan struct{}
	started bool
}

// Reporter receives one record per resolved prompt. It is optional and
// must not block the dispatch loop for long.
type Reporter interface {
	Report(sessionID string, bytesOut int, elapsedMS int64, outcome string)
}

// Scheduler dispatches prompts against sessions owned by a Manager,
// driving Session Drivers and feeding completed output into a Pipeline.
type Scheduler struct {
	mgr             *manager.Manager
	pipe            *pipeline.Pipeline
	logger          *slog.Logger
	idleTimeout     time.Duration
	headlessTimeout time.Duration

	reporter Reporter

	mu     sync.Mutex
	states map[string]*sessionState
}

// SetReporter wires an Observability Surface reporter; nil disables it.
func (sc *Scheduler) SetReporter(r Reporter) {
	sc.reporter = r
}

func New(mgr *manager.Manager, pipe *pipeline.Pipeline, idleTimeout, headlessTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mgr:             mgr,
		pipe:            pipe,
		idleTimeout:     idleTimeout,
		headlessTimeout: headlessTimeout,
		logger:          logger,
		states:          make(map[string]*sessionState),
	}
}

func (sc *Scheduler) state(id string) *sessionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	st, ok := sc.states[id]
	if !ok {
		st = &sessionState{wake: make(chan struct{}, 1)}
		sc.states[id] = st
	}
	return st
}

// Submit enqueues a prompt for the given session and blocks until it
// resolves (completed, timed out, cancelled, or rejected as the session's
// queue is full/down). destination identifies the caller's output
// endpoint for Output Pipeline ordering.
func (sc *Scheduler) Submit(sessionID, text, imagePath, destination string, timeout time.Duration) Outcome {
	sess, ok := sc.mgr.Get(sessionID)
	if !ok {
		return Outcome{Kind: KindNotFound, Err: fmt.Errorf("session not found: %s", sessionID)}
	}
	if sess.Down {
		return Outcome{Kind: KindSessionDown, Err: fmt.Errorf("session is down: %s", sessionID)}
	}

	deadline := time.Time{}
	switch {
	case timeout > 0:
		deadline = time.Now().Add(timeout)
	case timeout == 0:
		// A deadline of exactly zero resolves as Timeout without reaching
		// the driver.
		return Outcome{Kind: KindTimeout, Err: fmt.Errorf("prompt deadline is zero")}
	default:
		// Negative timeout means unbounded: the caller (e.g. an RPC
		// bridge) is responsible for its own timeout.
	}

	p := manager.PendingPrompt{
		ID:           uuid.NewString(),
		Text:         text,
		ImagePath:    imagePath,
		Destination:  destination,
		Deadline:     deadline,
		CancelSignal: make(chan struct{}),
	}

	// The result channel is registered before the prompt is enqueued, so
	// the dispatch goroutine can never pop a prompt whose result channel
	// isn't visible yet.
	resultCh := make(chan Outcome, 1)
	st := sc.state(sessionID)
	st.mu.Lock()
	if st.results == nil {
		st.results = make(map[string]chan Outcome)
	}
	st.results[p.ID] = resultCh
	st.mu.Unlock()

	wasIdle, err := sc.mgr.Enqueue(sessionID, p)
	if err != nil {
		st.mu.Lock()
		delete(st.results, p.ID)
		st.mu.Unlock()
		if err == manager.ErrQueueFull {
			return Outcome{Kind: KindQueueFull, Err: err}
		}
		return Outcome{Kind: KindNotFound, Err: err}
	}

	st.mu.Lock()
	needStart := !st.started
	st.started = true
	st.mu.Unlock()

	if needStart {
		go sc.runLoop(sessionID)
	} else if wasIdle {
		select {
		case st.wake <- struct{}{}:
		default:
		}
	}

	return <-resultCh
}

// Cancel marks a queued-or-in-flight prompt for cancellation. A queued
// prompt is simply skipped when popped; an in-flight interactive prompt
// is interrupted and resolves Cancelled once the driver returns to Ready.
func (sc *Scheduler) Cancel(sessionID, promptID string) {
	if sc.mgr.CancelQueued(sessionID, promptID) {
		return
	}
	st := sc.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != nil && st.current.prompt.ID == promptID {
		close(st.current.prompt.CancelSignal)
	}
}

// runLoop dispatches, one at a time and in FIFO order, every prompt the
// Manager's queue holds for sessionID. It exits after 5 minutes of no
// traffic; the next Submit restarts it via needStart.
func (sc *Scheduler) runLoop(sessionID string) {
	st := sc.state(sessionID)
	for {
		if p, ok := sc.mgr.Dequeue(sessionID); ok {
			sc.runJob(sessionID, p)
			continue
		}

		select {
		case <-st.wake:
			continue
		case <-time.After(5 * time.Minute):
			st.mu.Lock()
			if p, ok := sc.mgr.Dequeue(sessionID); ok {
				st.mu.Unlock()
				sc.runJob(sessionID, p)
				continue
			}
			st.started = false
			st.mu.Unlock()
			return
		}
	}
}

// runJob resolves a dequeued prompt's result channel and either short
// circuits it Cancelled (if it was cancelled before dispatch) or runs it.
func (sc *Scheduler) runJob(sessionID string, p manager.PendingPrompt) {
	st := sc.state(sessionID)
	st.mu.Lock()
	resultCh := st.results[p.ID]
	delete(st.results, p.ID)
	st.mu.Unlock()
	if resultCh == nil {
		return
	}

	j := job{prompt: p, result: resultCh}

	select {
	case <-p.CancelSignal:
		resultCh <- Outcome{Kind: KindCancelled, Err: fmt.Errorf("cancelled before dispatch")}
		return
	default:
	}

	st.mu.Lock()
	st.current = &j
	st.mu.Unlock()

	sc.dispatch(sessionID, j)

	st.mu.Lock()
	st.current = nil
	st.mu.Unlock()
}

func (sc *Scheduler) dispatch(sessionID string, j job) {
	sess, ok := sc.mgr.Get(sessionID)
	if !ok {
		j.result <- Outcome{Kind: KindNotFound, Err: fmt.Errorf("session not found: %s", sessionID)}
		return
	}

	sc.mgr.SetBusy(sessionID, true)
	defer sc.mgr.SetBusy(sessionID, false)

	tc, ok := sc.mgr.ToolConfig(sess.Tool)
	if !ok {
		j.result <- Outcome{Kind: KindSessionDown, Err: fmt.Errorf("unknown tool: %s", sess.Tool)}
		return
	}

	start := time.Now()
	var outcome Outcome
	switch config.Mode(sess.Mode) {
	case config.ModeHeadless:
		outcome = sc.dispatchHeadless(sess, tc, j)
	default:
		outcome = sc.dispatchInteractive(sess, tc, j)
	}

	if sc.reporter != nil {
		sc.reporter.Report(sessionID, len(outcome.Output), time.Since(start).Milliseconds(), string(outcome.Kind))
	}

	if outcome.Kind == KindSessionDown {
		sc.failSession(sessionID)
	}

	j.result <- outcome
}

func (sc *Scheduler) dispatchHeadless(sess *manager.Session, tc config.ToolConfig, j job) Outcome {
	timeout := sc.headlessTimeout
	if !j.prompt.Deadline.IsZero() {
		if d := time.Until(j.prompt.Deadline); d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.prompt.CancelSignal:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := driver.RunHeadless(ctx, tc, sess.WorkDir, j.prompt.Text, sess.ResumeToken, j.prompt.ImagePath, timeout)
	if err != nil {
		if fe, ok := err.(*driver.FailureError); ok {
			switch fe.Kind {
			case driver.KindTimeout:
				return Outcome{Kind: KindTimeout, Err: fe}
			case driver.KindCancelled:
				return Outcome{Kind: KindCancelled, Err: fe}
			default:
				return Outcome{Kind: KindSessionDown, Err: fe}
			}
		}
		return Outcome{Kind: KindSessionDown, Err: err}
	}

	if res.ResumeToken != "" && res.ResumeToken != sess.ResumeToken {
		_ = sc.mgr.SetResume(sess.ID, res.ResumeToken)
	}

	pe := &pipelineAdapter{}
	sc.pipe.Append(sess.ID, j.prompt.Destination, res.OutputBytes, pe)
	sc.pipe.Finalize(sess.ID, j.prompt.Destination, pe)

	return Outcome{Kind: KindOK, Output: pe.inlineOrArtifact()}
}

func (sc *Scheduler) dispatchInteractive(sess *manager.Session, tc config.ToolConfig, j job) Outcome {
	d, _ := sess.Driver.(*driver.Interactive)
	if d == nil {
		var err error
		d, err = driver.NewInteractive(tc, sess.WorkDir)
		if err != nil {
			return Outcome{Kind: KindSessionDown, Err: err}
		}
		if err := d.Start(sess.ResumeToken); err != nil {
			return Outcome{Kind: KindSessionDown, Err: err}
		}
		sess.Driver = d
		if !sc.awaitReady(d) {
			return Outcome{Kind: KindSessionDown, Err: fmt.Errorf("driver stalled before becoming ready")}
		}
		if err := d.RunAutoCommands(); err != nil {
			sc.logger.Warn("auto_commands failed", "session", sess.ID, "err", err)
		}
	}

	if err := d.Submit(j.prompt.Text); err != nil {
		return Outcome{Kind: KindSessionDown, Err: err}
	}

	deadline := time.After(sc.idleTimeout)
	if !j.prompt.Deadline.IsZero() {
		deadline = time.After(time.Until(j.prompt.Deadline))
	}

	pe := &pipelineAdapter{}
	for {
		select {
		case chunk, ok := <-d.Output():
			if !ok {
				return sc.interactiveFailed(sess, d)
			}
			sc.pipe.Append(sess.ID, j.prompt.Destination, chunk.Data, pe)
			if chunk.Final {
				sc.pipe.Finalize(sess.ID, j.prompt.Destination, pe)
				if tok := d.ResumeToken(); tok != "" && tok != sess.ResumeToken {
					_ = sc.mgr.SetResume(sess.ID, tok)
				}
				return Outcome{Kind: KindOK, Output: pe.inlineOrArtifact()}
			}

		case <-j.prompt.CancelSignal:
			_ = d.Interrupt()
			sc.drainUntilReady(d)
			return Outcome{Kind: KindCancelled, Err: fmt.Errorf("cancelled in flight")}

		case <-deadline:
			_ = d.Interrupt()
			sc.drainUntilReady(d)
			return Outcome{Kind: KindTimeout, Err: fmt.Errorf("prompt exceeded deadline")}

		case <-d.Done():
			return sc.interactiveFailed(sess, d)
		}
	}
}

// awaitReady waits for the first PromptReady (state Ready) or declares
// Failed(Stalled) once the idle watchdog fires: no PromptReady and no
// ActivityTick within interactive_idle_timeout.
func (sc *Scheduler) awaitReady(d *driver.Interactive) bool {
	deadline := time.Now().Add(sc.idleTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.State() == driver.StateReady {
			return true
		}
		if d.State() == driver.StateFailed {
			return false
		}
		select {
		case <-ticker.C:
			if time.Now().After(deadline) && time.Since(d.LastActivity()) > sc.idleTimeout {
				return false
			}
		case <-d.Done():
			return false
		}
	}
}

func (sc *Scheduler) drainUntilReady(d *driver.Interactive) {
	grace := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-d.Output():
			if !ok {
				return
			}
			if d.State() == driver.StateReady {
				return
			}
		case <-grace:
			return
		case <-d.Done():
			return
		}
	}
}

func (sc *Scheduler) interactiveFailed(sess *manager.Session, d *driver.Interactive) Outcome {
	sess.Driver = nil
	return Outcome{Kind: KindSessionDown, Err: fmt.Errorf("interactive driver failed")}
}

// failSession marks a session Down and drains its remaining queue with
// SessionDown. It does not auto-restart.
func (sc *Scheduler) failSession(sessionID string) {
	if _, ok := sc.mgr.Get(sessionID); !ok {
		return
	}
	sc.mgr.SetDown(sessionID, true)

	drained := sc.mgr.DrainQueue(sessionID)

	st := sc.state(sessionID)
	st.mu.Lock()
	resultChs := make([]chan Outcome, 0, len(drained))
	for _, p := range drained {
		if ch, ok := st.results[p.ID]; ok {
			resultChs = append(resultChs, ch)
			delete(st.results, p.ID)
		}
	}
	st.mu.Unlock()

	for _, ch := range resultChs {
		ch <- Outcome{Kind: KindSessionDown, Err: fmt.Errorf("session down")}
	}
	sc.logger.Info("session marked down", "id", sessionID)
}

// pipelineAdapter collects the Messages the pipeline emits for one prompt's
// output (interim flushes, a summary, the terminal message);
// inlineOrArtifact reports the last one as the string Outcome.Output.
type pipelineAdapter struct {
	mu   sync.Mutex
	msgs []pipeline.Message
}

func (a *pipelineAdapter) Emit(m pipeline.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, m)
}

func (a *pipelineAdapter) inlineOrArtifact() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.msgs) - 1; i >= 0; i-- {
		m := a.msgs[i]
		if m.Inline != "" {
			return m.Inline
		}
		if m.ArtifactHTML != "" {
			return m.Preview
		}
	}
	return ""
}
