package driver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/match"
)

// State is a driver's lifecycle state.
type State string

const (
	StateSpawning      State = "Spawning"
	StateReady         State = "Ready"
	StateWriting       State = "Writing"
	StateAwaitingPrompt State = "AwaitingPrompt"
	StateClosed        State = "Closed"
	StateFailed        State = "Failed"
)

// Chunk is one piece of raw output delivered to the caller while a turn
// is in progress; Final is set on the chunk that accompanies the
// terminating PromptReady event.
type Chunk struct {
	Data  []byte
	Final bool
}

// Interactive is a long-lived driver owning one pty-backed subprocess.
// All exported methods are safe to call from a single owning goroutine
// only: a session has exactly one logical task driving its driver at a
// time.
type Interactive struct {
	tc      config.ToolConfig
	workdir string

	mu    sync.Mutex
	state State
	fail  *FailureError

	cmd     *exec.Cmd
	ptmx    *os.File
	matcher *match.Matcher

	resumeToken string

	output  chan Chunk
	closed  chan struct{}
	readErr chan error

	// turnBuf accumulates bytes for the in-progress turn, cleared on submit.
	turnBuf []byte

	lastActivity time.Time
}

// NewInteractive constructs a driver for an interactive ToolConfig without
// spawning anything yet.
func NewInteractive(tc config.ToolConfig, workdir string) (*Interactive, error) {
	m, err := match.New(tc)
	if err != nil {
		return nil, fmt.Errorf("compile matcher: %w", err)
	}
	return &Interactive{
		tc:      tc,
		workdir: workdir,
		state:   StateSpawning,
		matcher: m,
		output:  make(chan Chunk, 64),
		closed:  make(chan struct{}),
		readErr: make(chan error, 1),
	}, nil
}

// State returns the current DriverState.
func (d *Interactive) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ResumeToken returns the most recently captured resume token, if any.
func (d *Interactive) ResumeToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeToken
}

// Output exposes the chunk stream for the caller to drain per turn.
func (d *Interactive) Output() <-chan Chunk { return d.output }

// Start spawns the subprocess under a pty and begins the read loop. It
// does not block for the first PromptReady; callers observe that via
// Output()/State().
func (d *Interactive) Start(resumeToken string) error {
	toolPath, err := exec.LookPath(d.tc.Name)
	if err != nil {
		d.fail = &FailureError{Kind: KindSpawnError, Err: err}
		d.setState(StateFailed)
		return d.fail
	}

	template := d.tc.InteractiveCmdTemplate
	if len(template) == 0 {
		template = d.tc.CmdTemplate
	}
	if resumeToken != "" && len(d.tc.ResumeCmdTemplate) > 0 {
		template = d.tc.ResumeCmdTemplate
	}
	argv := substitute(template, "", resumeToken, "")
	var args []string
	if len(argv) > 1 {
		args = argv[1:]
	}

	cmd := exec.Command(toolPath, args...)
	cmd.Dir = d.workdir
	cmd.Env = append(os.Environ(), envSlice(d.tc.Env, os.LookupEnv)...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		d.fail = &FailureError{Kind: KindSpawnError, Err: err}
		d.setState(StateFailed)
		return d.fail
	}

	d.mu.Lock()
	d.cmd = cmd
	d.ptmx = ptmx
	d.resumeToken = resumeToken
	d.lastActivity = time.Now()
	d.mu.Unlock()

	go d.readLoop()
	go d.waitLoop()

	for _, line := range d.tc.AutoCommands {
		// Auto-commands run once the first PromptReady has been observed;
		// the caller drives that ordering by calling RunAutoCommands after
		// seeing the first Ready transition. We just hold them here.
		_ = line
	}

	return nil
}

// Resize adjusts the pty window size.
func (d *Interactive) Resize(cols, rows uint16) error {
	d.mu.Lock()
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("driver has no active pty")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Submit writes a prompt plus trailing newline to the subprocess. It
// requires the driver to be Ready; transitions Writing -> AwaitingPrompt.
func (d *Interactive) Submit(prompt string) error {
	d.mu.Lock()
	if d.state != StateReady {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("driver not ready (state=%s)", st)
	}
	d.state = StateWriting
	d.turnBuf = nil
	ptmx := d.ptmx
	d.mu.Unlock()

	if _, err := ptmx.Write([]byte(prompt + "\n")); err != nil {
		d.setState(StateFailed)
		return err
	}

	d.mu.Lock()
	d.state = StateAwaitingPrompt
	d.mu.Unlock()
	return nil
}

// RunAutoCommands sends the tool's configured auto_commands, one per line.
// Called by the owner exactly once, after the first PromptReady.
func (d *Interactive) RunAutoCommands() error {
	d.mu.Lock()
	ptmx := d.ptmx
	cmds := d.tc.AutoCommands
	d.mu.Unlock()
	for _, line := range cmds {
		if _, err := ptmx.Write([]byte(line + "\n")); err != nil {
			return err
		}
	}
	return nil
}

// Interrupt sends a cancel signal (SIGINT) to the subprocess. When the
// next PromptReady fires, the owner should discard unread output and
// treat the driver as Ready again.
func (d *Interactive) Interrupt() error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("driver has no running process")
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

// Close sends a configured exit sequence, waits briefly, then terminates
// forcefully.
func (d *Interactive) Close(exitSequence string) {
	d.mu.Lock()
	ptmx := d.ptmx
	cmd := d.cmd
	alreadyClosed := d.state == StateClosed
	d.state = StateClosed
	d.mu.Unlock()
	if alreadyClosed {
		return
	}

	if ptmx != nil && exitSequence != "" {
		_, _ = ptmx.Write([]byte(exitSequence))
	}

	if cmd != nil && cmd.Process != nil {
		select {
		case <-d.closed:
			return
		case <-time.After(500 * time.Millisecond):
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-d.closed:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
		}
	}
}

// Done reports the process-exit channel.
func (d *Interactive) Done() <-chan struct{} { return d.closed }

// LastActivity returns the time of the last observed output or
// ActivityTick, for idle-watchdog comparisons.
func (d *Interactive) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

func (d *Interactive) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Interactive) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			d.mu.Lock()
			d.lastActivity = time.Now()
			d.turnBuf = append(d.turnBuf, data...)
			curState := d.state
			d.mu.Unlock()

			ev := d.matcher.Observe(data)
			if ev.ResumeToken != "" {
				d.mu.Lock()
				d.resumeToken = ev.ResumeToken
				d.mu.Unlock()
			}

			final := false
			if ev.PromptReady {
				if curState == StateWriting {
					// Stale PromptReady from the prior turn; ignore it.
				} else {
					d.mu.Lock()
					if d.state == StateSpawning || d.state == StateAwaitingPrompt {
						d.state = StateReady
					}
					d.mu.Unlock()
					final = true
				}
			}

			select {
			case d.output <- Chunk{Data: data, Final: final}:
			default:
				// Slow consumer: drop rather than block the read loop.
			}
		}
		if err != nil {
			if err != io.EOF {
				d.readErr <- err
			}
			return
		}
	}
}

func (d *Interactive) waitLoop() {
	if d.cmd != nil {
		_ = d.cmd.Wait()
	}
	d.mu.Lock()
	if d.ptmx != nil {
		d.ptmx.Close()
	}
	wasClosed := d.state == StateClosed
	if !wasClosed {
		d.state = StateFailed
		d.fail = &FailureError{Kind: KindSpawnError, Err: fmt.Errorf("subprocess exited unexpectedly")}
	}
	d.mu.Unlock()
	close(d.closed)
}
