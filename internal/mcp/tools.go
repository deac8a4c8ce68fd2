package mcp

import "github.com/mark3labs/mcp-go/mcp"

var sessionIDParam = mcp.WithString("session_id",
	mcp.Required(),
	mcp.Description("Terminal session identifier"),
)

var openSessionToolDef = mcp.NewTool("context_open_session",
	mcp.WithDescription("Create a terminal session. Omit session_id to have one generated."),
	mcp.WithString("session_id", mcp.Description("Session identifier (optional)")),
)

var ingestToolDef = mcp.NewTool("context_ingest",
	mcp.WithDescription("Append a chunk of terminal output to a session. Chunks may split lines anywhere; an unterminated trailing line is held until completed or flushed."),
	sessionIDParam,
	mcp.WithString("text", mcp.Required(), mcp.Description("Raw output chunk")),
	mcp.WithString("timestamp", mcp.Description("Capture time, RFC 3339 (optional)")),
)

var flushToolDef = mcp.NewTool("context_flush",
	mcp.WithDescription("Commit a session's held partial line (e.g. a shell prompt) to its buffer."),
	sessionIDParam,
)

var getToolDef = mcp.NewTool("context_get",
	mcp.WithDescription("Return the current context window for a session. Window fields override the session default for this call only."),
	sessionIDParam,
	mcp.WithString("mode", mcp.Description("Window mode override: fixed|percentage|auto")),
	mcp.WithNumber("value", mcp.Description("Lines (fixed), percent (percentage) or token budget (auto)")),
	mcp.WithNumber("min_lines", mcp.Description("Lower bound for percentage/auto windows")),
	mcp.WithNumber("max_lines", mcp.Description("Upper bound for percentage/auto windows (0 = none)")),
)

var setWindowToolDef = mcp.NewTool("context_set_window",
	mcp.WithDescription("Set a session's default window policy. Invalid policies are rejected and the previous one is kept."),
	sessionIDParam,
	mcp.WithString("mode", mcp.Required(), mcp.Description("fixed|percentage|auto")),
	mcp.WithNumber("value", mcp.Required(), mcp.Description("Lines (fixed), percent (percentage) or token budget (auto)")),
	mcp.WithNumber("min_lines", mcp.Description("Lower bound for percentage/auto windows")),
	mcp.WithNumber("max_lines", mcp.Description("Upper bound for percentage/auto windows (0 = none)")),
)

var endSessionToolDef = mcp.NewTool("context_end_session",
	mcp.WithDescription("End a session, releasing its buffer and cached windows. The id cannot be reused."),
	sessionIDParam,
)

var statsToolDef = mcp.NewTool("context_stats",
	mcp.WithDescription("Return counters and timestamps for a session."),
	sessionIDParam,
)

var sessionsToolDef = mcp.NewTool("context_sessions",
	mcp.WithDescription("List live sessions with their counters."),
)
