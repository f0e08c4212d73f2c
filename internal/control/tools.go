// Package control exposes the engine's command interface to operators as
// MCP tools served over HTTP.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/treesync/internal/engine"
	"github.com/alexjbarnes/treesync/internal/journal"
)

// Controller is the command interface of the sync engine.
type Controller interface {
	Status() []engine.Status
	Pause(root string) error
	Resume(root string) error
	Abort(root string) (bool, error)
	Resync(root string) error
	Conflicts(root string) ([]journal.ConflictRecord, error)
	SetExclusions(root string, paths []string) ([]string, error)
}

var _ Controller = (*engine.Manager)(nil)

// RegisterTools adds all sync control tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Controller, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show every sync root with its state (idle, running, paused, blocked, aborted, failed) and the report of its last run.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_pause",
		Description: "Pause a sync root. An active run is cancelled and no new run starts until sync_resume.",
	}, commandHandler(logger, "pause", c.Pause))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resume",
		Description: "Resume a paused sync root and queue a run.",
	}, commandHandler(logger, "resume", c.Resume))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_abort",
		Description: "Cancel the active run of a sync root. Work already committed is kept; the next run picks up the rest.",
	}, abortHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resync",
		Description: "Queue an immediate run of a sync root.",
	}, commandHandler(logger, "resync", c.Resync))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_conflicts",
		Description: "List the conflicts kept for a sync root: the original path, the conflict copy holding the local version, and a diff preview for text files.",
	}, conflictsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_set_exclusions",
		Description: "Replace the selective-sync exclusion list of a sync root. Newly excluded folders are removed locally on the next run and kept on the server.",
	}, exclusionsHandler(c, logger))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// RootInput names a sync root.
type RootInput struct {
	Root string `json:"root" jsonschema:"required,name of the sync root"`
}

// ExclusionsInput holds parameters for sync_set_exclusions.
type ExclusionsInput struct {
	Root  string   `json:"root" jsonschema:"required,name of the sync root"`
	Paths []string `json:"paths" jsonschema:"folder paths relative to the root; an empty list syncs everything"`
}

// --- Output types ---

// StatusResult is the output of sync_status.
type StatusResult struct {
	Roots []engine.Status `json:"roots"`
}

// CommandResult is the output of the simple commands.
type CommandResult struct {
	Root    string `json:"root"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
}

// AbortResult is the output of sync_abort.
type AbortResult struct {
	Root    string `json:"root"`
	Aborted bool   `json:"aborted"`
}

// ConflictsResult is the output of sync_conflicts.
type ConflictsResult struct {
	Root      string                   `json:"root"`
	Total     int                      `json:"total"`
	Conflicts []journal.ConflictRecord `json:"conflicts"`
}

// ExclusionsResult is the output of sync_set_exclusions.
type ExclusionsResult struct {
	Root       string   `json:"root"`
	Exclusions []string `json:"exclusions"`
}

// --- Handlers ---

func statusHandler(c Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{Roots: c.Status()}
		return textResult(result), result, nil
	}
}

func commandHandler(logger *slog.Logger, name string, fn func(string) error) mcp.ToolHandlerFor[RootInput, *CommandResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RootInput) (*mcp.CallToolResult, *CommandResult, error) {
		logCommand(ctx, logger, name, input.Root)

		if err := fn(input.Root); err != nil {
			return nil, nil, err
		}

		result := &CommandResult{Root: input.Root, Command: name, OK: true}

		return textResult(result), result, nil
	}
}

func abortHandler(c Controller, logger *slog.Logger) mcp.ToolHandlerFor[RootInput, *AbortResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RootInput) (*mcp.CallToolResult, *AbortResult, error) {
		logCommand(ctx, logger, "abort", input.Root)

		aborted, err := c.Abort(input.Root)
		if err != nil {
			return nil, nil, err
		}

		result := &AbortResult{Root: input.Root, Aborted: aborted}

		return textResult(result), result, nil
	}
}

func conflictsHandler(c Controller) mcp.ToolHandlerFor[RootInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RootInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		conflicts, err := c.Conflicts(input.Root)
		if err != nil {
			return nil, nil, err
		}

		if conflicts == nil {
			conflicts = []journal.ConflictRecord{}
		}

		result := &ConflictsResult{Root: input.Root, Total: len(conflicts), Conflicts: conflicts}

		return textResult(result), result, nil
	}
}

func exclusionsHandler(c Controller, logger *slog.Logger) mcp.ToolHandlerFor[ExclusionsInput, *ExclusionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExclusionsInput) (*mcp.CallToolResult, *ExclusionsResult, error) {
		logCommand(ctx, logger, "set_exclusions", input.Root)

		exclusions, err := c.SetExclusions(input.Root, input.Paths)
		if err != nil {
			return nil, nil, err
		}

		if exclusions == nil {
			exclusions = []string{}
		}

		result := &ExclusionsResult{Root: input.Root, Exclusions: exclusions}

		return textResult(result), result, nil
	}
}

func logCommand(ctx context.Context, logger *slog.Logger, command, root string) {
	logger.Info("control command",
		slog.String("command", command),
		slog.String("root", root),
		slog.String("user_id", RequestUserID(ctx)),
		slog.String("ip", RequestRemoteIP(ctx)),
	)
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
