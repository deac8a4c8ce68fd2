package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hpungsan/termctx/internal/config"
	"github.com/hpungsan/termctx/internal/contextmgr"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"context_open_session": {
		def:     openSessionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOpenSession },
	},
	"context_ingest": {
		def:     ingestToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIngest },
	},
	"context_flush": {
		def:     flushToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFlush },
	},
	"context_get": {
		def:     getToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGet },
	},
	"context_set_window": {
		def:     setWindowToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSetWindow },
	},
	"context_end_session": {
		def:     endSessionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEndSession },
	},
	"context_stats": {
		def:     statsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
	"context_sessions": {
		def:     sessionsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessions },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the context tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(mgr *contextmgr.Manager, cfg *config.Config, version string, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"termctx",
		version,
		server.WithToolCapabilities(true),
	)

	if unknown := ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("ignoring unknown disabled tools", zap.Strings("tools", unknown))
	}

	h := NewHandlers(mgr)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	// Register tools (skip disabled)
	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(mgr *contextmgr.Manager, cfg *config.Config, version string, logger *zap.Logger) error {
	s := NewServer(mgr, cfg, version, logger)
	logger.Info("mcp server listening on stdio", zap.String("version", version))
	return server.ServeStdio(s)
}
