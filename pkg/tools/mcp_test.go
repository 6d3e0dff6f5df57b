package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
)

func TestMCPTool_ValidateDefinition(t *testing.T) {
	cases := []struct {
		name    string
		def     *config.ToolDefinition
		wantErr string
	}{
		{
			name: "stdio without command",
			def: &config.ToolDefinition{
				Name:      "t",
				Transport: config.TransportMCP,
				MCP:       &config.MCPToolOptions{Transport: "stdio"},
			},
			wantErr: "requires a command",
		},
		{
			name: "http with ws source",
			def: &config.ToolDefinition{
				Name:      "t",
				Transport: config.TransportMCP,
				Source:    "ws://host/mcp",
				MCP:       &config.MCPToolOptions{Transport: "http"},
			},
			wantErr: "http(s) source",
		},
		{
			name: "websocket with http source",
			def: &config.ToolDefinition{
				Name:      "t",
				Transport: config.TransportMCP,
				Source:    "https://host/mcp",
				MCP:       &config.MCPToolOptions{Transport: "websocket"},
			},
			wantErr: "ws(s) source",
		},
		{
			name: "valid sse",
			def: &config.ToolDefinition{
				Name:      "t",
				Transport: config.TransportMCP,
				Source:    "https://host/mcp",
				MCP:       &config.MCPToolOptions{Transport: "sse"},
			},
		},
		{
			name: "valid stdio",
			def: &config.ToolDefinition{
				Name:      "t",
				Transport: config.TransportMCP,
				MCP:       &config.MCPToolOptions{Transport: "stdio", Command: "server"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tool := newMCPTool(tc.def, newMCPPool())
			errs := tool.ValidateDefinition(tc.def)
			if tc.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("unexpected errors: %v", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(errs[0].Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", errs[0], tc.wantErr)
			}
		})
	}
}

func TestReadSSEMessage(t *testing.T) {
	cases := []struct {
		name    string
		stream  string
		want    string
		wantErr bool
	}{
		{
			name:   "single event",
			stream: "event: message\ndata: {\"id\":1}\n\n",
			want:   `{"id":1}`,
		},
		{
			name:   "multi-line data",
			stream: "data: line1\ndata: line2\n\n",
			want:   "line1\nline2",
		},
		{
			name:   "only first event read",
			stream: "data: first\n\ndata: second\n\n",
			want:   "first",
		},
		{
			name:   "stream ends without blank line",
			stream: "data: tail",
			want:   "tail",
		},
		{
			name:    "no data",
			stream:  ": keepalive\n\n",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readSSEMessage(strings.NewReader(tc.stream))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("readSSEMessage: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseToolCallResult(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"isError":false}`)
	text, err := parseToolCallResult(raw)
	if err != nil {
		t.Fatalf("parseToolCallResult: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}

	raw = json.RawMessage(`{"content":[{"type":"text","text":"disk full"}],"isError":true}`)
	_, err = parseToolCallResult(raw)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error = %v, want the server-reported message", err)
	}
}

// jsonrpcTestServer implements just enough of the MCP http transport
// for connection tests: initialize, the initialized notification and
// tools/call, with a session id issued at initialize.
func jsonrpcTestServer(t *testing.T, sse bool, initializes *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := func(result any) {
			payload, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  result,
			})
			if sse {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(payload)
		}

		switch req.Method {
		case "initialize":
			if initializes != nil {
				initializes.Add(1)
			}
			w.Header().Set(mcpSessionHeader, "sess-1")
			reply(map[string]any{"protocolVersion": mcpProtocolVersion})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/call":
			if r.Header.Get(mcpSessionHeader) != "sess-1" {
				http.Error(w, "missing session", http.StatusBadRequest)
				return
			}
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]any)
			if name == "broken" {
				reply(map[string]any{
					"content": []map[string]any{{"type": "text", "text": "tool exploded"}},
					"isError": true,
				})
				return
			}
			reply(map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": fmt.Sprintf("%s:%v", name, args["city"])},
				},
			})
		default:
			http.Error(w, "unknown method "+req.Method, http.StatusBadRequest)
		}
	}))
}

func TestHTTPMCPConn_CallTool(t *testing.T) {
	srv := jsonrpcTestServer(t, false, nil)
	defer srv.Close()

	conn, err := dialHTTPMCP(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dialHTTPMCP: %v", err)
	}
	text, err := conn.callTool(context.Background(), "weather", map[string]any{"city": "Porto"})
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if text != "weather:Porto" {
		t.Errorf("text = %q", text)
	}
}

func TestHTTPMCPConn_SSEResponse(t *testing.T) {
	srv := jsonrpcTestServer(t, true, nil)
	defer srv.Close()

	conn, err := dialHTTPMCP(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dialHTTPMCP: %v", err)
	}
	text, err := conn.callTool(context.Background(), "weather", map[string]any{"city": "Faro"})
	if err != nil {
		t.Fatalf("callTool: %v", err)
	}
	if text != "weather:Faro" {
		t.Errorf("text = %q", text)
	}
}

func TestHTTPMCPConn_ToolError(t *testing.T) {
	srv := jsonrpcTestServer(t, false, nil)
	defer srv.Close()

	conn, err := dialHTTPMCP(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dialHTTPMCP: %v", err)
	}
	_, err = conn.callTool(context.Background(), "broken", nil)
	if err == nil || !strings.Contains(err.Error(), "tool exploded") {
		t.Errorf("error = %v, want the server-reported message", err)
	}
}

func TestMCPTool_PoolSharesConnections(t *testing.T) {
	var initializes atomic.Int32
	srv := jsonrpcTestServer(t, false, &initializes)
	defer srv.Close()

	pool := newMCPPool()
	def := &config.ToolDefinition{
		Name:      "weather",
		Transport: config.TransportMCP,
		Source:    srv.URL,
		MCP:       &config.MCPToolOptions{Transport: "http"},
	}
	def.SetDefaults()

	tool := newMCPTool(def, pool)
	ctx := context.Background()
	if _, err := tool.Execute(ctx, map[string]any{"city": "Porto"}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	sibling := &config.ToolDefinition{
		Name:      "forecast",
		Transport: config.TransportMCP,
		Source:    srv.URL,
		MCP:       &config.MCPToolOptions{Transport: "http", ToolName: "weather"},
	}
	other := newMCPTool(sibling, pool)
	text, err := other.Execute(ctx, map[string]any{"city": "Faro"})
	if err != nil {
		t.Fatalf("sibling Execute: %v", err)
	}
	if text != "weather:Faro" {
		t.Errorf("text = %v (tool_name override not applied)", text)
	}
	if initializes.Load() != 1 {
		t.Errorf("initialize called %d times, want 1 (shared connection)", initializes.Load())
	}
}
