package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sage-tutor/sage/internal/ingest"
	"github.com/sage-tutor/sage/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. UserID names the student
// the session serves; tools accept an explicit user_id to override it.
type MCPDeps struct {
	Store  *storage.Store
	Tutor  TutorService
	UserID string
}

// NewMCPServer creates an MCP server with the tutoring tools and student
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sage",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sage — personalized tutoring for school students, grounded in each student's profile and interests."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_tutor",
			mcp.WithDescription("Ask the tutor a question on behalf of the student and get a structured, personalized answer."),
			mcp.WithString("question", mcp.Description("The student's question"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Student ID (defaults to the session's student)")),
		),
		mcpAskTutor(deps),
	)

	s.AddTool(
		mcp.NewTool("record_interest",
			mcp.WithDescription("Record something the student is interested in learning, for use in future personalization."),
			mcp.WithString("content", mcp.Description("Free-text interest, e.g. 'User interested in learning fractions'"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Student ID (defaults to the session's student)")),
		),
		mcpRecordInterest(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"student://profile",
			"Student Profile",
			mcp.WithResourceDescription("The current student's profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"student://recent",
			"Recent Conversation",
			mcp.WithResourceDescription("The current student's last 10 conversation turns"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAskTutor(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		userID := req.GetString("user_id", deps.UserID)
		if userID == "" {
			return mcpError("no student configured: pass user_id"), nil
		}

		resp := deps.Tutor.GetResponse(ctx, userID, question)

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordInterest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		userID := req.GetString("user_id", deps.UserID)
		if userID == "" {
			return mcpError("no student configured: pass user_id"), nil
		}

		entry := storage.InterestEntry{
			ID:      uuid.NewString(),
			UserID:  userID,
			Content: content,
		}
		if err := deps.Store.AddInterestEntry(entry); err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}

		payload, err := json.Marshal(ingest.Payload{EntryID: entry.ID})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job payload: %v", err)), nil
		}
		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			return mcpError(fmt.Sprintf("saved entry but failed to queue embedding: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded interest %s", entry.ID)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.UserID == "" {
			return nil, fmt.Errorf("no student configured")
		}

		p, err := deps.Store.GetProfile(deps.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.UserID == "" {
			return nil, fmt.Errorf("no student configured")
		}

		turns, err := deps.Store.GetRecentConversationTurns(deps.UserID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent conversation: %w", err)
		}

		type turnSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Role      string `json:"role"`
			Message   string `json:"message"`
		}

		summaries := make([]turnSummary, len(turns))
		for i, t := range turns {
			msg := t.Message
			if utf8.RuneCountInString(msg) > 200 {
				runes := []rune(msg)
				msg = string(runes[:200]) + "..."
			}
			summaries[i] = turnSummary{
				ID:        t.ID,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
				Role:      t.Role,
				Message:   msg,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
