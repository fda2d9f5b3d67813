// Package mcp provides a Model Context Protocol server for driftline.
//
// It exposes the engine's state as read-only MCP tools: themes, per-theme
// history, term surges, and store statistics. Runs are never triggered over
// MCP; mutation stays on the CLI. Supports stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kestrelo/driftline/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   *store.Store
	Version string
}

// dbMu serializes MCP tool calls that touch the database. The mcp-go
// library dispatches handlers concurrently via goroutines; SQLite supports
// only one writer at a time, and runs may be committing on the CLI side.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all driftline tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Driftline",
		ver,
		server.WithToolCapabilities(false),
	)

	registerThemesTool(s, cfg.Store)
	registerHistoryTool(s, cfg.Store)
	registerSurgesTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	return s
}

// ServeStdio runs the server over stdio until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func registerThemesTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("driftline_themes",
		mcp.WithDescription("List discussion themes with their current signal, delta, novelty, and persistence scores. By default only active themes are returned."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithBoolean("all",
			mcp.Description("Include inactive themes (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		all := req.GetBool("all", false)

		var themes []*themeView
		var err error
		if all {
			themes, err = loadThemeViews(ctx, st.LoadAllThemes)
		} else {
			themes, err = loadThemeViews(ctx, st.LoadActiveThemes)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing themes: %v", err)), nil
		}

		data, _ := json.MarshalIndent(themes, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerHistoryTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("driftline_history",
		mcp.WithDescription("Return the per-run snapshot history of one theme, oldest first: signal, delta, novelty, persistence, and item counts at each run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("theme_id",
			mcp.Required(),
			mcp.Description("Theme ID to fetch history for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum snapshots to return (default: all)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("theme_id")
		if err != nil {
			return mcp.NewToolResultError("theme_id is required"), nil
		}
		themeID := int64(idVal)

		limit := 0
		if limitVal, err := req.RequireFloat("limit"); err == nil && limitVal > 0 {
			limit = int(limitVal)
		}

		if _, err := st.GetTheme(ctx, themeID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("theme %d: %v", themeID, err)), nil
		}
		snaps, err := st.ListSnapshots(ctx, themeID, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing snapshots: %v", err)), nil
		}

		data, _ := json.MarshalIndent(snaps, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSurgesTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("driftline_surges",
		mcp.WithDescription("List term surges flagged in a run, highest ratio first. Defaults to the most recent run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Description("Run ID to fetch surges for (default: latest run)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runID := ""
		if v, err := req.RequireString("run_id"); err == nil {
			runID = v
		}
		if runID == "" {
			latest, err := st.LatestRunID(ctx)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("finding latest run: %v", err)), nil
			}
			if latest == "" {
				return mcp.NewToolResultText("[]"), nil
			}
			runID = latest
		}

		surges, err := st.ListSurges(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing surges: %v", err)), nil
		}

		data, _ := json.MarshalIndent(surges, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("driftline_stats",
		mcp.WithDescription("Return store statistics: theme, item, snapshot, surge, and run counts plus database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.GetStats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading stats: %v", err)), nil
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}
