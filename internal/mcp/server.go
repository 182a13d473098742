package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskagent/internal/core"
	"taskagent/internal/timer"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Scheduler is the part of core.Scheduler exposed as tools.
type Scheduler interface {
	Snapshot() []core.TaskView
	Contains(taskID string) bool
	Cancel(ctx context.Context, info core.StopTaskInfo) bool
	Kick(ctx context.Context) (int, error)
}

// Journal lists recorded runs.
type Journal interface {
	ListRuns(ctx context.Context, taskID string, limit int) ([]*core.RunRecord, error)
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	scheduler Scheduler
	journal   Journal
	logger    *slog.Logger
	version   string
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(scheduler Scheduler, journal Journal, logger *slog.Logger, version string) *MCPServer {
	return &MCPServer{
		scheduler: scheduler,
		journal:   journal,
		logger:    logger.With("component", "mcp"),
		version:   version,
	}
}

func (s *MCPServer) build() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"taskagent",
		s.version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	return mcpServer
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := s.build()
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

// Handler serves the same tools over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.build())
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("agent_list_tasks",
		mcp.WithDescription("List the tasks currently registered with the agent"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("agent_cancel_task",
		mcp.WithDescription("Cancel a registered task, killing it if it is running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("agent_fetch_now",
		mcp.WithDescription("Fetch pending tasks from the control plane immediately"),
	), s.handleFetchNow)

	mcpServer.AddTool(mcp.NewTool("agent_list_runs",
		mcp.WithDescription("Show the run history journal"),
		mcp.WithString("task_id",
			mcp.Description("Only runs of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, seconds field optional"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 5)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views := s.scheduler.Snapshot()
	if len(views) == 0 {
		return mcp.NewToolResultText("No tasks registered"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n\n", len(views))
	for _, v := range views {
		fmt.Fprintf(&b, "%s [%s]\n", v.TaskID, v.State)
		if v.CommandType != "" {
			fmt.Fprintf(&b, "  Type: %s\n", v.CommandType)
		}
		if v.Cron != "" {
			fmt.Fprintf(&b, "  Cron: %s\n", v.Cron)
		}
		if v.Canceled {
			b.WriteString("  Canceled: yes\n")
		}
		if !v.StartedAt.IsZero() {
			fmt.Fprintf(&b, "  Started: %s\n", formatTime(v.StartedAt))
		}
		if !v.NextFireAt.IsZero() {
			fmt.Fprintf(&b, "  Next fire: %s\n", formatTime(v.NextFireAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	if !s.scheduler.Cancel(ctx, core.StopTaskInfo{TaskID: taskID}) {
		return mcp.NewToolResultError(fmt.Sprintf("task %s not found", taskID)), nil
	}
	s.logger.Info("task canceled", "task_id", taskID)
	return mcp.NewToolResultText(fmt.Sprintf("Task %s canceled", taskID)), nil
}

func (s *MCPServer) handleFetchNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handled, err := s.scheduler.Kick(ctx)
	if errors.Is(err, core.ErrKickThrottled) {
		return mcp.NewToolResultError("fetch requested too often, try again shortly"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Fetched, %d task(s) handled", handled)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	runs, err := s.journal.ListRuns(ctx, taskID, limit)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d run(s):\n\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "%s %s %s\n", outcomeToIcon(run.Outcome), run.TaskID, run.Outcome)
		fmt.Fprintf(&b, "  Run: %s\n", run.ID)
		fmt.Fprintf(&b, "  Started: %s\n", formatTime(run.StartedAt))
		fmt.Fprintf(&b, "  Duration: %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
		fmt.Fprintf(&b, "  Exit code: %d\n", run.ExitCode)
		if run.Dropped > 0 {
			fmt.Fprintf(&b, "  Dropped bytes: %d\n", run.Dropped)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := timer.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 20 {
		count = 5
	}
	nextTimes := timer.NextOccurrences(schedule, time.Now(), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n\n", cronExpr)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func outcomeToIcon(outcome core.Outcome) string {
	switch outcome {
	case core.OutcomeCompleted:
		return "✅"
	case core.OutcomeFailed:
		return "❌"
	case core.OutcomeTimedOut:
		return "⏱️"
	case core.OutcomeCanceled:
		return "🚫"
	default:
		return "❓"
	}
}
