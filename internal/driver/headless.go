package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/match"
)

// killGrace is how long a headless subprocess gets between SIGTERM and
// SIGKILL once its headless_timeout has expired.
const killGrace = 5 * time.Second

// RunHeadless spawns one subprocess for a single prompt and blocks until
// it exits or the timeout escalates to termination. resumeToken/imagePath
// may be empty.
func RunHeadless(ctx context.Context, tc config.ToolConfig, workdir, prompt, resumeToken, imagePath string, timeout time.Duration) (*Result, error) {
	toolPath, err := exec.LookPath(tc.Name)
	if err != nil {
		return nil, &FailureError{Kind: KindSpawnError, Err: fmt.Errorf("tool not found: %s", tc.Name)}
	}

	template := tc.CmdTemplate
	if resumeToken != "" && len(tc.ResumeCmdTemplate) > 0 {
		template = tc.ResumeCmdTemplate
	}
	argv := substitute(template, prompt, resumeToken, imagePath)
	if len(argv) == 0 {
		return nil, &FailureError{Kind: KindSpawnError, Err: fmt.Errorf("empty cmd_template for tool %s", tc.Name)}
	}
	// argv[0] is conventionally the tool's own binary name inside the
	// template; resolve it to the looked-up path so the command runs
	// regardless of the spawning process's own argv[0].
	args := argv[1:]

	cmd := exec.Command(toolPath, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), envSlice(tc.Env, os.LookupEnv)...)

	var out bytes.Buffer
	m, err := match.New(config.ToolConfig{ResumeRegex: tc.ResumeRegex})
	if err != nil {
		return nil, fmt.Errorf("compile resume regex: %w", err)
	}

	capture := &captureWriter{buf: &out, matcher: m}
	cmd.Stdout = capture
	cmd.Stderr = capture

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &FailureError{Kind: KindSpawnError, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		elapsed := time.Since(start).Milliseconds()
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, &FailureError{Kind: KindSpawnError, Err: err}
			}
		}
		return &Result{
			ExitCode:    exitCode,
			OutputBytes: out.Bytes(),
			ResumeToken: capture.lastToken,
			ElapsedMS:   elapsed,
		}, nil

	case <-time.After(timeout):
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return nil, &FailureError{Kind: KindTimeout, Err: fmt.Errorf("headless run exceeded %s", timeout)}

	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return nil, &FailureError{Kind: KindCancelled, Err: ctx.Err()}
	}
}

// captureWriter both buffers full output and feeds it through a Matcher
// purely for resume-token extraction.
type captureWriter struct {
	buf       *bytes.Buffer
	matcher   *match.Matcher
	lastToken string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	n, err := c.buf.Write(p)
	if err != nil {
		return n, err
	}
	ev := c.matcher.Observe(p)
	if ev.ResumeToken != "" {
		c.lastToken = ev.ResumeToken
	}
	return n, nil
}
