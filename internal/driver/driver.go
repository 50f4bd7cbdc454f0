// Package driver implements the Session Driver: it spawns and owns
// one subprocess, in either a one-shot "headless" flavor or a long-lived
// "interactive" flavor, and serializes all writes to it.
package driver

import (
	"fmt"
	"strings"
)

// FailureKind tags the category of a driver-level failure.
type FailureKind string

const (
	KindSpawnError FailureKind = "SpawnError"
	KindTimeout    FailureKind = "Timeout"
	KindStalled    FailureKind = "Stalled"
	KindCancelled  FailureKind = "Cancelled"
)

// FailureError carries a taxonomy Kind alongside the underlying error so
// callers can prefix user-visible messages with the failure kind token.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Result is what a headless run or a single interactive turn produces.
type Result struct {
	ExitCode    int
	OutputBytes []byte
	ResumeToken string
	ElapsedMS   int64
}

// substitute fills a cmd_template, replacing {prompt}/{resume}/{image}
// placeholders. Since the template is executed directly via exec.Command
// with no intervening shell, every placeholder is substituted as a
// literal argv token — no quoting applies, or is needed.
func substitute(template []string, prompt, resume, image string) []string {
	out := make([]string, 0, len(template))
	for _, tok := range template {
		tok = strings.ReplaceAll(tok, "{prompt}", prompt)
		tok = strings.ReplaceAll(tok, "{resume}", resume)
		tok = strings.ReplaceAll(tok, "{image}", image)
		out = append(out, tok)
	}
	return out
}

// envSlice resolves a ToolConfig.Env map (literal or "${VAR}" indirection)
// against the base process environment and returns KEY=VALUE pairs to
// append to os.Environ().
func envSlice(env map[string]string, lookup func(string) (string, bool)) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			name := v[2 : len(v)-1]
			if resolved, ok := lookup(name); ok {
				v = resolved
			} else {
				v = ""
			}
		}
		out = append(out, k+"="+v)
	}
	return out
}
