package capture

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scrollcap/scrollcap/kit"
)

// RegisterMCP registers capture tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStartTool(srv)
	s.registerStatusTool(srv)
	s.registerDetectTool(srv)
	s.registerGetConfigTool(srv)
	s.registerSetConfigTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- start capture ---

func (s *Service) registerStartTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollcap_start_capture",
		Description: "Start an asynchronous full-page capture of a URL. Returns the session ID to poll.",
		InputSchema: inputSchema(map[string]any{
			"url":  map[string]any{"type": "string", "description": "Page URL to capture"},
			"mode": map[string]any{"type": "string", "description": "full (default), region or site-center"},
			"region": map[string]any{
				"type":        "object",
				"description": "Capture rectangle in page coordinates, required for mode=region",
				"properties": map[string]any{
					"x":      map[string]any{"type": "integer"},
					"y":      map[string]any{"type": "integer"},
					"width":  map[string]any{"type": "integer"},
					"height": map[string]any{"type": "integer"},
				},
			},
			"stabilize": map[string]any{"type": "boolean", "description": "Override the persisted stabilization setting"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*StartRequest)
		id, err := s.StartCapture(ctx, *r)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": id, "status": string(StatusIdle)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r StartRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- capture status ---

type statusReq struct {
	SessionID string `json:"session_id"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollcap_capture_status",
		Description: "Get the status record of a capture session.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session ID returned by scrollcap_start_capture"},
		}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusReq)
		rec, err := s.Status(ctx, r.SessionID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return map[string]any{"found": false}, nil
		}
		return rec, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r statusReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request:   &r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSessionID(ctx, r.SessionID) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- detect site ---

type detectReq struct {
	URL string `json:"url"`
}

func (s *Service) registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollcap_detect_site",
		Description: "Open a URL and report whether a site handler recognizes its layout.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL to probe"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*detectReq)
		return s.DetectSite(ctx, r.URL)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r detectReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- get config ---

func (s *Service) registerGetConfigTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollcap_get_config",
		Description: "Read the persisted runtime capture configuration.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Settings(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- set config ---

func (s *Service) registerSetConfigTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollcap_set_config",
		Description: "Persist the runtime capture configuration.",
		InputSchema: inputSchema(map[string]any{
			"stabilize_enabled": map[string]any{"type": "boolean"},
			"stabilize_max_ms":  map[string]any{"type": "integer"},
			"settle_delay_ms":   map[string]any{"type": "integer"},
		}, nil),
	}

	// Provided keys are merged over the current record; absent keys keep
	// their stored values.
	endpoint := func(ctx context.Context, req any) (any, error) {
		raw := req.(json.RawMessage)
		cur, err := s.Settings(ctx)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, err
		}
		if err := s.UpdateSettings(ctx, cur); err != nil {
			return nil, err
		}
		return s.Settings(ctx)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		raw := json.RawMessage(req.Params.Arguments)
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		var probe map[string]any
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: raw}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
