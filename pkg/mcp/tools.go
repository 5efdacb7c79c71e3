package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

const defaultPendingLimit = 50

// handlePending lists correlation entries, pending ones by default.
func (s *Server) handlePending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := schema.RequestStatus(req.GetString("status", string(schema.RequestStatusPending)))
	limit := req.GetInt("limit", defaultPendingLimit)
	if limit <= 0 {
		limit = defaultPendingLimit
	}

	reqs, err := s.requests.ListPendingRequests(ctx, store.PendingRequestFilter{
		ExecutionID: req.GetString("execution_id", ""),
		Status:      status,
		Limit:       limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list requests failed: %v", err)), nil
	}
	if reqs == nil {
		reqs = []*schema.PendingRequest{}
	}
	return marshalResult(map[string]any{"requests": reqs, "count": len(reqs)})
}

// handleStatus returns an execution with its snapshot and timeline.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.operator.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(view)
}

// handleRespond delivers a response through the same path as the decision
// service webhook, so it races deadlines the same way.
func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	token, err := req.RequireString("correlation_token")
	if err != nil {
		return mcp.NewToolResultError("correlation_token is required"), nil
	}

	body := map[string]any{"correlationToken": token}
	if v := req.GetString("response", ""); v != "" {
		body["response"] = v
	}
	if v := mcp.ParseStringMap(req, "response_value", nil); v != nil {
		body["responseValue"] = v
	}
	if v := req.GetString("responded_by", ""); v != "" {
		body["respondedBy"] = v
	}
	if v := req.GetString("comment", ""); v != "" {
		body["comment"] = v
	}
	if v := mcp.ParseStringMap(req, "data", nil); v != nil {
		body["data"] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode response: %v", err)), nil
	}

	res, err := s.operator.HandleWebhook(ctx, id, s.operator.WebhookPath(), raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond failed: %v", err)), nil
	}
	if !res.Accepted() {
		return mcp.NewToolResultError(fmt.Sprintf("response rejected (%d): %v", res.StatusCode, res.Body["error"])), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": id,
		"message":      res.Body["message"],
	})
}

// handleCancel cancels an execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.operator.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id, "status": exec.Status})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
