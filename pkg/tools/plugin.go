package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"os"
	"os/exec"
	"sync"

	"log/slog"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// Handshake guards against launching arbitrary binaries as plugins:
// the child must echo the cookie before the protocol starts.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ENSEMBLE_PLUGIN",
	MagicCookieValue: "ensemble_tool_v1",
}

// pluginSetName is the dispense key both sides agree on.
const pluginSetName = "tool"

// PluginTool runs a tool served by an external plugin binary over
// net/rpc. The process launches lazily on first execution and is
// killed when the registry closes.
type PluginTool struct {
	def *config.ToolDefinition

	mu     sync.Mutex
	client *plugin.Client
	remote *pluginRPCClient
}

func newPluginTool(def *config.ToolDefinition) *PluginTool {
	return &PluginTool{def: def}
}

// Info implements Tool. The schema comes from the definition; the
// plugin's own description is only consulted for a liveness check.
func (t *PluginTool) Info() ToolInfo { return infoFromDefinition(t.def) }

// Execute forwards the call to the plugin process. net/rpc calls
// cannot carry a context, so cancellation abandons the in-flight call
// and leaves the process to finish it.
func (t *PluginTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	remote, err := t.connect()
	if err != nil {
		return nil, newToolError(t.def.Name, "connect", errkind.ProviderMisconfigured, err)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := remote.Execute(t.def.Name, args)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			return nil, newToolError(t.def.Name, "execute", errkind.ToolExecutionFailed, out.err)
		}
		return out.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect launches the plugin process once and performs the describe
// handshake against it.
func (t *PluginTool) connect() (*pluginRPCClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote != nil {
		return t.remote, nil
	}

	pluginClient := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginSet(nil),
		Cmd:             exec.Command(t.def.Source),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + t.def.Name,
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
	})
	rpcClient, err := pluginClient.Client()
	if err != nil {
		pluginClient.Kill()
		return nil, fmt.Errorf("failed to start plugin %q: %w", t.def.Source, err)
	}
	raw, err := rpcClient.Dispense(pluginSetName)
	if err != nil {
		pluginClient.Kill()
		return nil, fmt.Errorf("failed to dispense plugin tool: %w", err)
	}
	remote, ok := raw.(*pluginRPCClient)
	if !ok {
		pluginClient.Kill()
		return nil, fmt.Errorf("plugin %q served an unexpected type %T", t.def.Source, raw)
	}

	info, err := remote.Describe()
	if err != nil {
		pluginClient.Kill()
		return nil, fmt.Errorf("failed to describe plugin tool: %w", err)
	}
	if info.Name != "" && info.Name != t.def.Name {
		slog.Warn("Plugin tool name differs from definition",
			"tool", t.def.Name, "plugin_tool", info.Name)
	}

	t.client = pluginClient
	t.remote = remote
	return remote, nil
}

// Close kills the plugin process.
func (t *PluginTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Kill()
		t.client = nil
		t.remote = nil
	}
	return nil
}

// ValidateDefinition checks that the source points at an existing
// file. Whether it actually speaks the protocol is only knowable at
// launch.
func (t *PluginTool) ValidateDefinition(def *config.ToolDefinition) []error {
	info, err := os.Stat(def.Source)
	if err != nil {
		return []error{fmt.Errorf("tool %q: plugin binary %q: %w", def.Name, def.Source, err)}
	}
	if info.IsDir() {
		return []error{fmt.Errorf("tool %q: plugin source %q is a directory", def.Name, def.Source)}
	}
	return nil
}

// Wire types. Payloads cross the RPC boundary as JSON so arbitrary
// argument and result shapes survive without gob registration.
type pluginExecuteArgs struct {
	Name string
	Args []byte
}

type pluginExecuteReply struct {
	Result []byte
	Err    string
}

type pluginInfoReply struct {
	Info []byte
}

// rpcPlugin implements plugin.Plugin for the tool set.
type rpcPlugin struct {
	impl Tool
}

func pluginSet(impl Tool) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{pluginSetName: &rpcPlugin{impl: impl}}
}

func (p *rpcPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &pluginRPCServer{impl: p.impl}, nil
}

func (p *rpcPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &pluginRPCClient{client: c}, nil
}

// pluginRPCServer runs inside the plugin process.
type pluginRPCServer struct {
	impl Tool
}

func (s *pluginRPCServer) Describe(_ struct{}, reply *pluginInfoReply) error {
	raw, err := json.Marshal(s.impl.Info())
	if err != nil {
		return err
	}
	reply.Info = raw
	return nil
}

func (s *pluginRPCServer) Execute(req pluginExecuteArgs, reply *pluginExecuteReply) error {
	if req.Name != "" && req.Name != s.impl.Info().Name {
		return fmt.Errorf("plugin serves tool %q, not %q", s.impl.Info().Name, req.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return fmt.Errorf("bad arguments payload: %w", err)
	}
	value, err := s.impl.Execute(context.Background(), args)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("unencodable result: %w", err)
	}
	reply.Result = raw
	return nil
}

// pluginRPCClient runs inside the host.
type pluginRPCClient struct {
	client *rpc.Client
}

func (c *pluginRPCClient) Describe() (ToolInfo, error) {
	var reply pluginInfoReply
	if err := c.client.Call("Plugin.Describe", struct{}{}, &reply); err != nil {
		return ToolInfo{}, err
	}
	var info ToolInfo
	if err := json.Unmarshal(reply.Info, &info); err != nil {
		return ToolInfo{}, err
	}
	return info, nil
}

func (c *pluginRPCClient) Execute(name string, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("unencodable arguments: %w", err)
	}
	var reply pluginExecuteReply
	if err := c.client.Call("Plugin.Execute", pluginExecuteArgs{Name: name, Args: raw}, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	if len(reply.Result) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(reply.Result, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// ServePlugin is the entry point for plugin binaries:
//
//	func main() {
//		tools.ServePlugin(&searchTool{})
//	}
//
// The binary must be declared in configuration as a tool with
// transport "custom" and its path as the source.
func ServePlugin(impl Tool) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginSet(impl),
	})
}
