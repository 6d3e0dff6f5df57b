package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"
	mcpClientName      = "ensemble"
	mcpClientVersion   = "0.1.0"
	mcpSessionHeader   = "mcp-session-id"

	// wsCallTimeout bounds a websocket round trip when the caller's
	// context carries no deadline.
	wsCallTimeout = 30 * time.Second
)

// MCPTool proxies one tool exposed by an MCP server. Connections are
// pooled per server so several definitions pointing at the same
// process or endpoint share a session.
type MCPTool struct {
	def  *config.ToolDefinition
	pool *mcpPool
}

func newMCPTool(def *config.ToolDefinition, pool *mcpPool) *MCPTool {
	return &MCPTool{def: def, pool: pool}
}

// Info implements Tool.
func (t *MCPTool) Info() ToolInfo { return infoFromDefinition(t.def) }

// remoteName is the tool's name on the server, which may differ from
// the local definition name.
func (t *MCPTool) remoteName() string {
	if t.def.MCP != nil && t.def.MCP.ToolName != "" {
		return t.def.MCP.ToolName
	}
	return t.def.Name
}

// Execute dials the server on first use and issues a tools/call.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	conn, err := t.pool.get(ctx, t.def)
	if err != nil {
		return nil, newToolError(t.def.Name, "connect", errkind.ProviderMisconfigured, err)
	}
	text, err := conn.callTool(ctx, t.remoteName(), args)
	if err != nil {
		return nil, newToolError(t.def.Name, "call", errkind.ToolExecutionFailed, err)
	}
	return text, nil
}

// ValidateDefinition checks transport-specific requirements the
// config loader cannot: command presence for stdio and URL schemes
// for the network transports.
func (t *MCPTool) ValidateDefinition(def *config.ToolDefinition) []error {
	opts := def.MCP
	if opts == nil {
		return []error{fmt.Errorf("tool %q: missing mcp options", def.Name)}
	}
	var errs []error
	switch opts.Transport {
	case "stdio":
		if opts.Command == "" {
			errs = append(errs, fmt.Errorf("tool %q: stdio mcp requires a command", def.Name))
		}
	case "http", "sse":
		if u, err := url.Parse(def.Source); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("tool %q: %s mcp requires an http(s) source URL, got %q",
				def.Name, opts.Transport, def.Source))
		}
	case "websocket":
		if u, err := url.Parse(def.Source); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("tool %q: websocket mcp requires a ws(s) source URL, got %q",
				def.Name, def.Source))
		}
	}
	return errs
}

// mcpConn is one session with an MCP server.
type mcpConn interface {
	callTool(ctx context.Context, name string, args map[string]any) (string, error)
	close() error
}

// mcpPool caches connections keyed by transport and server identity.
type mcpPool struct {
	mu    sync.Mutex
	conns map[string]mcpConn
}

func newMCPPool() *mcpPool {
	return &mcpPool{conns: make(map[string]mcpConn)}
}

func (p *mcpPool) get(ctx context.Context, def *config.ToolDefinition) (mcpConn, error) {
	opts := def.MCP
	if opts == nil {
		return nil, errors.New("missing mcp options")
	}
	key := opts.Transport + "|" + def.Source + "|" + opts.Command

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[key]; ok {
		return c, nil
	}

	var (
		conn mcpConn
		err  error
	)
	switch opts.Transport {
	case "stdio":
		conn, err = dialStdioMCP(ctx, opts)
	case "http", "sse":
		conn, err = dialHTTPMCP(ctx, def.Source)
	case "websocket":
		conn, err = dialWebsocketMCP(ctx, def.Source)
	default:
		err = fmt.Errorf("unsupported mcp transport %q", opts.Transport)
	}
	if err != nil {
		return nil, err
	}
	p.conns[key] = conn
	return conn, nil
}

func (p *mcpPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.conns {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: %w", key, err))
		}
		delete(p.conns, key)
	}
	return errors.Join(errs...)
}

// stdioMCPConn talks to a child process over stdin/stdout.
type stdioMCPConn struct {
	client *client.Client
}

func dialStdioMCP(ctx context.Context, opts *config.MCPToolOptions) (*stdioMCPConn, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	mcpClient, err := client.NewStdioMCPClient(opts.Command, env, opts.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to launch mcp server: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    mcpClientName,
		Version: mcpClientVersion,
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize mcp session: %w", err)
	}
	return &stdioMCPConn{client: mcpClient}, nil
}

func (c *stdioMCPConn) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, item := range result.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		msg := sb.String()
		if msg == "" {
			msg = "tool reported an error"
		}
		return "", errors.New(msg)
	}
	return sb.String(), nil
}

func (c *stdioMCPConn) close() error { return c.client.Close() }

// JSON-RPC wire types for the network transports.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    mcpClientName,
			"version": mcpClientVersion,
		},
	}
}

// mcpCallResult is the tools/call result shape.
type mcpCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func parseToolCallResult(raw json.RawMessage) (string, error) {
	var result mcpCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("bad tools/call result: %w", err)
	}
	var sb strings.Builder
	for _, item := range result.Content {
		if item.Type == "text" {
			sb.WriteString(item.Text)
		}
	}
	if result.IsError {
		msg := sb.String()
		if msg == "" {
			msg = "tool reported an error"
		}
		return "", errors.New(msg)
	}
	return sb.String(), nil
}

// httpMCPConn speaks JSON-RPC over POST. Servers answer with plain
// JSON or with an SSE stream carrying the response as its first data
// event; both are handled. The session id header is captured from the
// initialize response and replayed on every call.
type httpMCPConn struct {
	endpoint string
	client   *httpclient.Client
	nextID   atomic.Int64

	mu      sync.Mutex
	session string
}

func dialHTTPMCP(ctx context.Context, endpoint string) (*httpMCPConn, error) {
	c := &httpMCPConn{
		endpoint: endpoint,
		client:   httpclient.New(httpclient.WithMaxRetries(0)),
	}
	if _, err := c.call(ctx, "initialize", initializeParams()); err != nil {
		return nil, fmt.Errorf("failed to initialize mcp session: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return nil, fmt.Errorf("failed to complete mcp handshake: %w", err)
	}
	return c, nil
}

func (c *httpMCPConn) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	return parseToolCallResult(result)
}

func (c *httpMCPConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	raw, err := c.post(ctx, jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("bad jsonrpc response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *httpMCPConn) notify(ctx context.Context, method string) error {
	_, err := c.post(ctx, jsonrpcRequest{JSONRPC: "2.0", Method: method})
	return err
}

func (c *httpMCPConn) post(ctx context.Context, payload jsonrpcRequest) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s := c.currentSession(); s != "" {
		req.Header.Set(mcpSessionHeader, s)
	}

	resp, err := c.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if s := resp.Header.Get(mcpSessionHeader); s != "" {
		c.storeSession(s)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp server returned status %d: %s", resp.StatusCode, truncateForError(string(raw)))
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEMessage(resp.Body)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func (c *httpMCPConn) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *httpMCPConn) storeSession(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *httpMCPConn) close() error { return nil }

// readSSEMessage returns the first data payload of an SSE stream.
// Multi-line data fields are joined per the SSE format.
func readSSEMessage(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if line == "" && len(data) > 0 {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("event stream ended without a data payload")
	}
	return []byte(strings.Join(data, "\n")), nil
}

// wsMCPConn speaks JSON-RPC over a websocket. Calls are serialised on
// the connection; interleaved server notifications are skipped while
// waiting for the matching response id.
type wsMCPConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

func dialWebsocketMCP(ctx context.Context, endpoint string) (*wsMCPConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial mcp server: %w", err)
	}
	c := &wsMCPConn{conn: conn}
	if _, err := c.call(ctx, "initialize", initializeParams()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize mcp session: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to complete mcp handshake: %w", err)
	}
	return c, nil
}

func (c *wsMCPConn) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	return parseToolCallResult(result)
}

func (c *wsMCPConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	deadline := time.Now().Add(wsCallTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(deadline)
	for {
		var resp jsonrpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, err
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *wsMCPConn) notify(ctx context.Context, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(wsCallTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(jsonrpcRequest{JSONRPC: "2.0", Method: method})
}

func (c *wsMCPConn) close() error { return c.conn.Close() }
