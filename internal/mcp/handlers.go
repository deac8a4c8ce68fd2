package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/termctx/internal/contextmgr"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/session"
	"github.com/hpungsan/termctx/internal/window"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	mgr *contextmgr.Manager
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(mgr *contextmgr.Manager) *Handlers {
	return &Handlers{mgr: mgr}
}

// Request types for each tool

// SessionRequest represents the arguments for tools addressing one session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// IngestRequest represents the arguments for ingest.
type IngestRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// WindowRequest represents the arguments for get and set_window.
type WindowRequest struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode,omitempty"`
	Value     *int   `json:"value,omitempty"`
	MinLines  int    `json:"min_lines,omitempty"`
	MaxLines  int    `json:"max_lines,omitempty"`
}

// toWindow converts the request to a window config. ok is false when no mode
// was given.
func (r WindowRequest) toWindow() (cfg window.Config, ok bool, err error) {
	if r.Mode == "" {
		return window.Config{}, false, nil
	}
	mode, err := window.ParseMode(r.Mode)
	if err != nil {
		return window.Config{}, false, err
	}
	if r.Value == nil {
		return window.Config{}, false, errors.NewConfiguration("window_value", "value is required with mode")
	}
	return window.Config{
		Mode:     mode,
		Value:    *r.Value,
		MinLines: r.MinLines,
		MaxLines: r.MaxLines,
	}, true, nil
}

// Output types

// IngestOutput is returned by ingest.
type IngestOutput struct {
	SessionID     string `json:"session_id"`
	BufferedLines int    `json:"buffered_lines"`
	PendingBytes  int    `json:"pending_bytes"`
	TotalLines    int64  `json:"total_lines_ingested"`
}

// FlushOutput is returned by flush.
type FlushOutput struct {
	SessionID    string `json:"session_id"`
	LinesFlushed int    `json:"lines_flushed"`
}

// SetWindowOutput is returned by set_window.
type SetWindowOutput struct {
	SessionID string        `json:"session_id"`
	Window    window.Config `json:"window"`
}

// SessionsOutput is returned by sessions.
type SessionsOutput struct {
	Sessions      []session.Stats `json:"sessions"`
	CachedWindows int             `json:"cached_windows"`
}

// Handler implementations

// HandleOpenSession handles the open_session tool call.
func (h *Handlers) HandleOpenSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.mgr.OpenSession(input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleIngest handles the ingest tool call.
func (h *Handlers) HandleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IngestRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	ev := contextmgr.Event{SessionID: input.SessionID, Chunk: input.Text}
	if input.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, input.Timestamp)
		if err != nil {
			return errorResult(errors.NewInvalidRequest("timestamp must be RFC 3339: " + err.Error())), nil
		}
		ev.Timestamp = ts
	}

	if err := h.mgr.IngestEvent(ev); err != nil {
		return errorResult(err), nil
	}
	st, err := h.mgr.Stats(input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(IngestOutput{
		SessionID:     st.SessionID,
		BufferedLines: st.BufferedLines,
		PendingBytes:  st.PendingBytes,
		TotalLines:    st.TotalLinesIngested,
	})
}

// HandleFlush handles the flush tool call.
func (h *Handlers) HandleFlush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	n, err := h.mgr.Flush(input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(FlushOutput{SessionID: input.SessionID, LinesFlushed: n})
}

// HandleGet handles the get tool call.
func (h *Handlers) HandleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[WindowRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	override, ok, err := input.toWindow()
	if err != nil {
		return errorResult(err), nil
	}
	var overridePtr *window.Config
	if ok {
		overridePtr = &override
	}

	result, err := h.mgr.GetContext(input.SessionID, overridePtr)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSetWindow handles the set_window tool call.
func (h *Handlers) HandleSetWindow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[WindowRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	cfg, ok, err := input.toWindow()
	if err != nil {
		return errorResult(err), nil
	}
	if !ok {
		return errorResult(errors.NewConfiguration("window_mode", "mode is required")), nil
	}

	if err := h.mgr.SetWindowConfig(input.SessionID, cfg); err != nil {
		return errorResult(err), nil
	}
	return successResult(SetWindowOutput{SessionID: input.SessionID, Window: cfg})
}

// HandleEndSession handles the end_session tool call.
func (h *Handlers) HandleEndSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.mgr.EndSession(input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStats handles the stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.mgr.Stats(input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSessions handles the sessions tool call.
func (h *Handlers) HandleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(SessionsOutput{
		Sessions:      h.mgr.Sessions(),
		CachedWindows: h.mgr.CachedWindows(),
	})
}

// errorResult creates an MCP error result from an error.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if cErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    cErr.Code,
			"message": cErr.Message,
			"status":  cErr.Status,
		}
		// Only include details for non-internal errors
		if cErr.Code != errors.ErrInternal && cErr.Details != nil {
			errorObj["details"] = cErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
