package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

// maxResponseBytes caps how much of a tool response is read.
const maxResponseBytes = 10 << 20

// HTTPTool invokes a remote HTTP endpoint. GET sends arguments as
// query parameters; every other method sends them as a JSON body.
type HTTPTool struct {
	def    *config.ToolDefinition
	opts   *config.HTTPToolOptions
	client *httpclient.Client
}

// newHTTPTool builds the adapter. Retries belong to the tool's retry
// policy, so the underlying client performs exactly one request per
// attempt.
func newHTTPTool(def *config.ToolDefinition) (Tool, []error) {
	opts := def.HTTP
	if opts == nil {
		opts = &config.HTTPToolOptions{Method: http.MethodPost}
	}

	var errs []error
	tlsCfg := &httpclient.TLSConfig{}
	if opts.VerifySSL != nil && !*opts.VerifySSL {
		tlsCfg.InsecureSkipVerify = true
	}
	transport, err := httpclient.ConfigureTLS(tlsCfg)
	if err != nil {
		errs = append(errs, fmt.Errorf("tool %q: %w", def.Name, err))
	}

	hc := &http.Client{}
	if transport != nil {
		hc.Transport = transport
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(hc),
		httpclient.WithMaxRetries(0),
	)
	return &HTTPTool{def: def, opts: opts, client: client}, errs
}

// Info implements Tool.
func (t *HTTPTool) Info() ToolInfo { return infoFromDefinition(t.def) }

// Execute performs one HTTP request. Non-2xx responses and transport
// failures classify as tool_execution_failed so retry policies apply.
func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	method := strings.ToUpper(t.opts.Method)
	endpoint := t.def.Source

	var body io.Reader
	if method == http.MethodGet {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, newToolError(t.def.Name, "parse url", errkind.ToolValidationFailed, err)
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	} else {
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, newToolError(t.def.Name, "encode arguments", errkind.ToolValidationFailed, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, newToolError(t.def.Name, "build request", errkind.ToolValidationFailed, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token := t.authToken()
	for k, v := range t.opts.Headers {
		req.Header.Set(k, substitutePlaceholders(v, token))
	}
	if err := t.applyAuth(req, token); err != nil {
		return nil, err
	}

	// Do reports retryable statuses as an error alongside the
	// response; the response is the better diagnostic when present.
	resp, err := t.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, newToolError(t.def.Name, "request", errkind.ToolExecutionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newToolError(t.def.Name, "read response", errkind.ToolExecutionFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newToolError(t.def.Name, "request", errkind.ToolExecutionFailed,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncateForError(string(raw))))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON; hand back the raw text.
		return string(raw), nil
	}
	if t.opts.ResponsePath == "" {
		return decoded, nil
	}
	extracted, err := extractPath(decoded, t.opts.ResponsePath)
	if err != nil {
		return nil, newToolError(t.def.Name, "extract response", errkind.ToolExecutionFailed, err)
	}
	return extracted, nil
}

// authToken resolves the configured token, substituting environment
// placeholders such as {API_KEY}.
func (t *HTTPTool) authToken() string {
	if t.opts.Auth == nil {
		return ""
	}
	return substitutePlaceholders(t.opts.Auth.Token, "")
}

func (t *HTTPTool) applyAuth(req *http.Request, token string) error {
	auth := t.opts.Auth
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		req.SetBasicAuth(
			substitutePlaceholders(auth.Username, ""),
			substitutePlaceholders(auth.Password, ""),
		)
	case "api-key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, token)
	default:
		return newToolError(t.def.Name, "auth", errkind.ToolValidationFailed,
			fmt.Errorf("unknown auth type %q", auth.Type))
	}
	return nil
}

// ValidateDefinition adds the checks the config loader cannot make:
// the method allowlist and auth completeness.
func (t *HTTPTool) ValidateDefinition(def *config.ToolDefinition) []error {
	var errs []error
	switch strings.ToUpper(t.opts.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		errs = append(errs, fmt.Errorf("tool %q: unsupported method %q", def.Name, t.opts.Method))
	}
	if auth := t.opts.Auth; auth != nil {
		switch auth.Type {
		case "bearer", "api-key":
			if auth.Token == "" {
				errs = append(errs, fmt.Errorf("tool %q: %s auth requires a token", def.Name, auth.Type))
			}
		case "basic":
			if auth.Username == "" {
				errs = append(errs, fmt.Errorf("tool %q: basic auth requires a username", def.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("tool %q: unknown auth type %q (valid: bearer, basic, api-key)",
				def.Name, auth.Type))
		}
	}
	return errs
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitutePlaceholders expands {token} to the resolved auth token
// and {ENV_NAME} to the environment variable's value. Unknown
// placeholders pass through unchanged.
func substitutePlaceholders(s, token string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "token" {
			return token
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// extractPath walks a dotted path through decoded JSON. Map keys and
// numeric array indices are supported.
func extractPath(value any, path string) (any, error) {
	current := value
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("response path %q: key %q not found", path, seg)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("response path %q: bad array index %q", path, seg)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("response path %q: cannot descend into %T at %q", path, current, seg)
		}
	}
	return current, nil
}

func truncateForError(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
