package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/models"
	"github.com/joescharf/devloop/internal/process"
	"github.com/joescharf/devloop/internal/promote"
)

// Service is the devloop surface exposed as tools.
type Service interface {
	Propose(ctx context.Context, prompt string) (*devloop.Outcome, error)
	ApplyRaw(ctx context.Context, label string, raw []byte) (*devloop.Outcome, error)
	Approve(ctx context.Context) (*promote.Result, error)
	Rollback(ctx context.Context) (*promote.Result, error)
	Undo(ctx context.Context) (*promote.Result, error)
	Confirm(ctx context.Context) (*promote.Result, error)
	Diff(ctx context.Context, stat bool) (*devloop.DiffResult, error)
	Rounds(ctx context.Context, limit int) ([]*models.Round, error)
	StartServers(ctx context.Context, force bool, kinds ...process.Kind) (map[process.Kind]process.Outcome, error)
	StopServers(ctx context.Context, kinds ...process.Kind) error
	ServerStatus(ctx context.Context) []process.Status
	Setup(ctx context.Context, start bool) (*devloop.SetupResult, error)
}

// Server exposes devloop operations as MCP tools.
type Server struct {
	svc     Service
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("devloop", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.proposeTool())
	srv.AddTool(s.applyTool())
	srv.AddTool(s.resolveTool("devloop_approve",
		"Promote the dev workspace into prod: copy changed files, commit, push and resync dev. Stops the dev server for the duration.",
		s.svc.Approve))
	srv.AddTool(s.resolveTool("devloop_rollback",
		"Discard every uncommitted change in the dev workspace and restart the dev server.",
		s.svc.Rollback))
	srv.AddTool(s.resolveTool("devloop_undo",
		"Restore the dev workspace to exactly its state before the open round.",
		s.svc.Undo))
	srv.AddTool(s.resolveTool("devloop_confirm",
		"Keep the open round's edits and discard its snapshot.",
		s.svc.Confirm))
	srv.AddTool(s.diffTool())
	srv.AddTool(s.roundsTool())
	srv.AddTool(s.serversTool())
	srv.AddTool(s.setupTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// devloop_propose
func (s *Server) proposeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_propose",
		mcp.WithDescription("Ask the configured AI provider for changes and apply them to the dev workspaces. Returns the explanation, per-action outcomes and any errors."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What to change")),
	)
	return tool, s.handlePropose
}

func (s *Server) handlePropose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	out, err := s.svc.Propose(ctx, prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("propose failed: %v", err)), nil
	}
	return jsonResult(out)
}

// devloop_apply
func (s *Server) applyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_apply",
		mcp.WithDescription(`Apply a batch of actions to the dev workspaces. The batch is a JSON object {"explanation": "...", "actions": [...]} where each action is CREATE, UPDATE or DELETE with a "file_path" prefixed "dev/" or "backend_dev/", or RUN_SHELL_COMMAND with "command" and optional "cwd".`),
		mcp.WithString("batch", mcp.Required(), mcp.Description("The batch as a JSON document")),
		mcp.WithString("label", mcp.Description("Label recorded on the round")),
	)
	return tool, s.handleApply
}

func (s *Server) handleApply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batch, err := request.RequireString("batch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: batch"), nil
	}
	label := request.GetString("label", "mcp apply")

	out, err := s.svc.ApplyRaw(ctx, label, []byte(batch))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("apply failed: %v", err)), nil
	}
	return jsonResult(out)
}

func (s *Server) resolveTool(name, description string, op func(context.Context) (*promote.Result, error)) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))
	handler := func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := op(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
	return tool, handler
}

// devloop_diff
func (s *Server) diffTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_diff",
		mcp.WithDescription("Show the dev workspace's uncommitted diff against HEAD and its untracked files."),
		mcp.WithBoolean("stat", mcp.Description("Return a diffstat instead of the full patch")),
	)
	return tool, s.handleDiff
}

func (s *Server) handleDiff(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, err := s.svc.Diff(ctx, request.GetBool("stat", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diff failed: %v", err)), nil
	}
	return jsonResult(d)
}

// devloop_rounds
func (s *Server) roundsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_rounds",
		mcp.WithDescription("List recent rounds of edits, newest first, with their status and errors."),
		mcp.WithNumber("limit", mcp.Description("Maximum rounds to return (default 20)")),
	)
	return tool, s.handleRounds
}

func (s *Server) handleRounds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rounds, err := s.svc.Rounds(ctx, request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list rounds: %v", err)), nil
	}
	if rounds == nil {
		rounds = []*models.Round{}
	}
	return jsonResult(rounds)
}

// devloop_servers
func (s *Server) serversTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_servers",
		mcp.WithDescription("Inspect or control the dev and backend servers."),
		mcp.WithString("action", mcp.Enum("status", "start", "stop"), mcp.Description("status (default), start or stop")),
		mcp.WithString("server", mcp.Description("dev or backend; every server when omitted")),
		mcp.WithBoolean("force", mcp.Description("Start with the dev server's cache-clearing flag")),
	)
	return tool, s.handleServers
}

func (s *Server) handleServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var kinds []process.Kind
	if name := request.GetString("server", ""); name != "" {
		kind, err := process.ParseKind(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kinds = append(kinds, kind)
	}

	switch action := request.GetString("action", "status"); action {
	case "status":
		return jsonResult(s.svc.ServerStatus(ctx))
	case "start":
		out, err := s.svc.StartServers(ctx, request.GetBool("force", false), kinds...)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return jsonResult(out)
	case "stop":
		if err := s.svc.StopServers(ctx, kinds...); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
		}
		return jsonResult(s.svc.ServerStatus(ctx))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (want status, start or stop)", action)), nil
	}
}

// devloop_setup
func (s *Server) setupTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devloop_setup",
		mcp.WithDescription("Prepare the workspaces: create missing directories, git init with an initial commit where there is no repository, and install dependencies where the manifest has no install directory yet."),
		mcp.WithBoolean("start", mcp.Description("Start the dev and backend servers afterwards")),
	)
	return tool, s.handleSetup
}

func (s *Server) handleSetup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Setup(ctx, request.GetBool("start", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("setup failed: %v", err)), nil
	}
	return jsonResult(res)
}
