// Package mcpserver exposes the supplemented "submit_prompt" / "list_sessions"
// / "tool_status" MCP tools: a thin wrapper over the Scheduler, Manager and
// tool-help cache, not a ReAct loop or a plugin tool registry of its own.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loppo-llc/sessiond/internal/manager"
	"github.com/loppo-llc/sessiond/internal/scheduler"
	"github.com/loppo-llc/sessiond/internal/toolhelp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server, registering the
// session-driving tools against the given Manager, Scheduler and
// tool-help cache. help may be nil, in which case tool_status reports
// help_cached=false for every tool.
func New(mgr *manager.Manager, sched *scheduler.Scheduler, help *toolhelp.Cache) *server.MCPServer {
	s := server.NewMCPServer(
		"sessiond",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	submitTool := mcp.NewTool("submit_prompt",
		mcp.WithDescription("submit a prompt to a session and wait for its reply"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("target session id")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("prompt text")),
		mcp.WithString("image_path", mcp.Description("optional path to an image to attach")),
		mcp.WithNumber("timeout_seconds", mcp.Description("deadline in seconds; 0 or omitted uses the session's default")),
	)
	s.AddTool(submitTool, submitPromptHandler(sched))

	listTool := mcp.NewTool("list_sessions",
		mcp.WithDescription("list known sessions and their queue/busy state"),
	)
	s.AddTool(listTool, listSessionsHandler(mgr))

	statusTool := mcp.NewTool("tool_status",
		mcp.WithDescription("report which configured tools resolve on $PATH and whether their help text is cached"),
		mcp.WithString("tool", mcp.Description("limit the report to a single tool name")),
	)
	s.AddTool(statusTool, toolStatusHandler(mgr, help))

	return s
}

func submitPromptHandler(sched *scheduler.Scheduler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		imagePath := req.GetString("image_path", "")
		timeoutSeconds := req.GetFloat("timeout_seconds", 0)

		timeout := time.Duration(-1)
		if timeoutSeconds > 0 {
			timeout = time.Duration(timeoutSeconds * float64(time.Second))
		}

		out := sched.Submit(sessionID, prompt, imagePath, "mcp", timeout)
		if out.Kind != scheduler.KindOK {
			msg := string(out.Kind)
			if out.Err != nil {
				msg = fmt.Sprintf("%s: %v", out.Kind, out.Err)
			}
			return mcp.NewToolResultError(msg), nil
		}
		return mcp.NewToolResultText(out.Output), nil
	}
}

func listSessionsHandler(mgr *manager.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snaps := mgr.List()
		if len(snaps) == 0 {
			return mcp.NewToolResultText("no sessions"), nil
		}
		text := ""
		for _, s := range snaps {
			text += fmt.Sprintf("%s\ttool=%s\tbusy=%v\tqueue=%d\tworkdir=%s\n", s.ID, s.Tool, s.Busy, s.QueueLen, s.WorkDir)
		}
		return mcp.NewToolResultText(text), nil
	}
}

func toolStatusHandler(mgr *manager.Manager, help *toolhelp.Cache) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		only := req.GetString("tool", "")
		avail := mgr.ToolAvailability()

		text := ""
		for name, ok := range avail {
			if only != "" && name != only {
				continue
			}
			content := ""
			if help != nil {
				if entry, found := help.Get(name); found {
					content = entry.Content
				}
			}
			text += fmt.Sprintf("%s\tavailable=%v\thelp_cached=%v\n", name, ok, content != "")
		}
		if text == "" {
			return mcp.NewToolResultText("no matching tool"), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}
