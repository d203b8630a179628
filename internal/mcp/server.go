package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/sessions"
)

// Server exposes the session manager as MCP tools.
type Server struct {
	sessions *sessions.Manager
	version  string
}

// NewServer creates the MCP server wrapper.
func NewServer(m *sessions.Manager, version string) *Server {
	return &Server{sessions: m, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("sidecar", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.captureTool())
	srv.AddTool(s.getStateTool())
	srv.AddTool(s.searchTool())
	srv.AddTool(s.listPatchesTool())
	srv.AddTool(s.commitPatchTool())
	srv.AddTool(s.synthesizeTool())
	srv.AddTool(s.summarizeTool())
	srv.AddTool(s.listArtifactsTool())
	srv.AddTool(s.applyArtifactTool())
	srv.AddTool(s.rejectArtifactTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
// Buffered captures are flushed before it returns.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	err := stdioServer.Listen(ctx, os.Stdin, os.Stdout)
	if cerr := s.sessions.Close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// sidecar_capture
func (s *Server) captureTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_capture",
		mcp.WithDescription("Record one event in a session's log. kind is one of user_prompt, file_change, tool_call, reasoning, user_feedback, checkpoint. payload is the event payload as a JSON object string."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Event kind")),
		mcp.WithString("payload", mcp.Description("JSON payload, e.g. {\"label\":\"tests pass\"} for a checkpoint")),
	)
	return tool, s.handleCapture
}

func (s *Server) handleCapture(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: kind"), nil
	}
	payload := request.GetString("payload", "{}")
	if !json.Valid([]byte(payload)) {
		return mcp.NewToolResultError("payload is not valid JSON"), nil
	}

	e, err := s.sessions.Capture(ctx, sessionID, models.SessionEvent{
		Kind:    models.EventKind(kind),
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("capture failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"id": e.ID, "seq": e.Seq})
}

// sidecar_get_state
func (s *Server) getStateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_get_state",
		mcp.WithDescription("Get the current session state: goals, decisions, errors, open questions, file contexts and a narrative. Folds any unprocessed events first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleGetState
}

func (s *Server) handleGetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	st, err := s.sessions.Process(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get state: %v", err)), nil
	}
	return jsonResult(st)
}

// sidecar_search
func (s *Server) searchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_search",
		mcp.WithDescription("Semantic search over a session's prompts, reasoning, failures, file changes and narratives."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 5)")),
	)
	return tool, s.handleSearch
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	results, err := s.sessions.Search(ctx, sessionID, query, request.GetInt("limit", 5))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(results)
}

// sidecar_list_patches
func (s *Server) listPatchesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_list_patches",
		mcp.WithDescription("List a session's staged patches in sequence order. Runs boundary detection first so closed segments are included."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("status", mcp.Description("Filter by status: pending, committed, discarded")),
		mcp.WithBoolean("include_diff", mcp.Description("Include the unified diff of each patch")),
	)
	return tool, s.handleListPatches
}

func (s *Server) handleListPatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if _, err := s.sessions.DetectPatches(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("boundary detection failed: %v", err)), nil
	}
	list, err := s.sessions.ListPatches(ctx, sessionID, models.PatchStatus(request.GetString("status", "")))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list patches: %v", err)), nil
	}
	if !request.GetBool("include_diff", false) {
		for _, p := range list {
			p.Diff = ""
		}
	}
	if list == nil {
		list = []*models.StagedPatch{}
	}
	return jsonResult(list)
}

// sidecar_commit_patch
func (s *Server) commitPatchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_commit_patch",
		mcp.WithDescription("Commit a pending patch to a format-patch file. Without a message one is synthesized."),
		mcp.WithString("patch_id", mcp.Required(), mcp.Description("Patch ID")),
		mcp.WithString("message", mcp.Description("Commit message")),
	)
	return tool, s.handleCommitPatch
}

func (s *Server) handleCommitPatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patchID, err := request.RequireString("patch_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: patch_id"), nil
	}
	p, err := s.sessions.CommitPatch(ctx, patchID, request.GetString("message", ""), true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("commit failed: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": p.ID, "message": p.Message, "patch_file": p.PatchFile})
}

// sidecar_synthesize
func (s *Server) synthesizeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_synthesize",
		mcp.WithDescription("Generate a conventional commit message for a staged patch. Falls back to the template backend if the configured model fails."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("patch_id", mcp.Required(), mcp.Description("Patch ID")),
		mcp.WithString("backend", mcp.Description("Override the configured backend")),
	)
	return tool, s.handleSynthesize
}

func (s *Server) handleSynthesize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	patchID, err := request.RequireString("patch_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: patch_id"), nil
	}
	res, err := s.sessions.Synthesize(ctx, sessionID, patchID, request.GetString("backend", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("synthesis failed: %v", err)), nil
	}
	return jsonResult(res)
}

// sidecar_summarize
func (s *Server) summarizeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_summarize",
		mcp.WithDescription("Summarize a session in a few bullet points: goal, files, commits and follow-ups. Falls back to the template summary if the configured model fails."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("backend", mcp.Description("Override the configured backend")),
	)
	return tool, s.handleSummarize
}

func (s *Server) handleSummarize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	res, err := s.sessions.SynthesizeSummary(ctx, sessionID, request.GetString("backend", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("summary failed: %v", err)), nil
	}
	return jsonResult(res)
}

// sidecar_list_artifacts
func (s *Server) listArtifactsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_list_artifacts",
		mcp.WithDescription("List documentation update proposals for a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("status", mcp.Description("Filter by status: pending, applied, rejected")),
	)
	return tool, s.handleListArtifacts
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	list, err := s.sessions.ListArtifacts(ctx, sessionID, models.ArtifactStatus(request.GetString("status", "")))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list artifacts: %v", err)), nil
	}
	if list == nil {
		list = []*models.ArtifactFile{}
	}
	return jsonResult(list)
}

// sidecar_apply_artifact
func (s *Server) applyArtifactTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_apply_artifact",
		mcp.WithDescription("Write a pending artifact to its target file. Applying twice is a no-op."),
		mcp.WithString("artifact_id", mcp.Required(), mcp.Description("Artifact ID")),
	)
	return tool, s.handleApplyArtifact
}

func (s *Server) handleApplyArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("artifact_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: artifact_id"), nil
	}
	a, err := s.sessions.ApplyArtifact(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("apply failed: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": a.ID, "target_path": a.TargetPath, "status": string(a.Status)})
}

// sidecar_reject_artifact
func (s *Server) rejectArtifactTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sidecar_reject_artifact",
		mcp.WithDescription("Reject a pending artifact. The target file is left untouched."),
		mcp.WithString("artifact_id", mcp.Required(), mcp.Description("Artifact ID")),
	)
	return tool, s.handleRejectArtifact
}

func (s *Server) handleRejectArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("artifact_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: artifact_id"), nil
	}
	a, err := s.sessions.RejectArtifact(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reject failed: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": a.ID, "target_path": a.TargetPath, "status": string(a.Status)})
}
