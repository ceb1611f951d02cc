// Package mcpserver exposes grading as Model Context Protocol tools over
// stdio, so assistants can grade essays and inspect schemas.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/schema"
)

// Grader runs one grading workflow. *workflow.Engine implements it.
type Grader interface {
	Run(ctx context.Context, req domain.GradingRequest) (*domain.GradingReport, error)
}

// Invoker calls one agent role. *agent.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example, cfg agent.CallConfig) domain.AgentOutput
}

// Server holds the MCP tool set.
type Server struct {
	grader  Grader
	invoker Invoker
	schemas schema.Store
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// New builds the MCP server and registers grade_essay, invoke_agent and
// list_schemas. invoker may be nil, in which case invoke_agent is omitted.
func New(grader Grader, invoker Invoker, schemas schema.Store, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		grader:  grader,
		invoker: invoker,
		schemas: schemas,
		logger:  logger,
		mcp:     server.NewMCPServer("essaygrader", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("grade_essay",
		mcp.WithDescription("Grade a Chinese primary-school essay and return the grading report as JSON."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Essay text")),
		mcp.WithString("grade", mcp.Required(), mcp.Description("Grade level, grade_1 to grade_6 or 1 to 6")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Essay type: narrative, descriptive, expository, argumentative or practical")),
		mcp.WithString("schema_id", mcp.Description("Stored schema to reuse, e.g. grade_3/narrative/v1")),
		mcp.WithString("focus", mcp.Description("Optional teacher focus for the analysis")),
		mcp.WithString("essay_id", mcp.Description("Caller-chosen essay id")),
	), s.gradeEssay)

	if invoker != nil {
		s.mcp.AddTool(mcp.NewTool("invoke_agent",
			mcp.WithDescription("Invoke a single grading agent with a JSON input and return its typed output."),
			mcp.WithString("role", mcp.Required(), mcp.Enum(roleNames()...), mcp.Description("Agent role")),
			mcp.WithString("input", mcp.Required(), mcp.Description("JSON object with the role's input fields")),
			mcp.WithString("prompt", mcp.Description("Task prompt prepended to the input")),
		), s.invokeAgent)
	}

	s.mcp.AddTool(mcp.NewTool("list_schemas",
		mcp.WithDescription("List the stored extraction schemas."),
	), s.listSchemas)

	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) gradeEssay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	grade, err := domain.ParseGradeLevel(req.GetString("grade", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	typ, err := domain.ParseEssayType(req.GetString("type", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rep, err := s.grader.Run(ctx, domain.GradingRequest{
		ID:       req.GetString("essay_id", ""),
		Text:     text,
		Grade:    grade,
		Type:     typ,
		SchemaID: req.GetString("schema_id", ""),
		Focus:    req.GetString("focus", ""),
	})
	if err != nil {
		msg := err.Error()
		var wfErr *domain.WorkflowError
		if errors.As(err, &wfErr) {
			msg = fmt.Sprintf("grading failed at %s (%s): %v", wfErr.Stage, wfErr.Kind(), wfErr.Cause)
		}
		s.logger.WarnContext(ctx, "mcp grading failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(msg), nil
	}
	return jsonResult(rep)
}

func (s *Server) invokeAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role, err := domain.ParseAgentRole(req.GetString("role", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input, err := domain.DecodeInput(role, []byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := s.invoker.Invoke(ctx, role, req.GetString("prompt", ""), input, nil, agent.CallConfig{})
	if !out.OK() {
		return mcp.NewToolResultError(fmt.Sprintf("%s agent failed (%s): %v", role, out.Cause, out.Failure())), nil
	}
	return jsonResult(out.Payload)
}

func (s *Server) listSchemas(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schemas, err := s.schemas.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	type entry struct {
		Key        string `json:"key"`
		Name       string `json:"name"`
		Dimensions int    `json:"dimensions"`
	}
	out := make([]entry, len(schemas))
	for i := range schemas {
		out[i] = entry{Key: schemas[i].Key().String(), Name: schemas[i].Name, Dimensions: len(schemas[i].Dimensions)}
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func roleNames() []string {
	names := make([]string, len(domain.AgentRoles))
	for i, r := range domain.AgentRoles {
		names[i] = string(r)
	}
	return names
}
