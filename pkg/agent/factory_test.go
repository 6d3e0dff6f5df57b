package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// stubProvider replaces the builtin vendor-native provider so factory
// tests never need provider credentials.
type stubProvider struct {
	clients int
}

func (p *stubProvider) Kind() string                         { return "vendor-native" }
func (p *stubProvider) RequiredEnvVars() []string            { return nil }
func (p *stubProvider) SupportedModels() []string            { return nil }
func (p *stubProvider) HealthCheck(ctx context.Context) bool { return true }

func (p *stubProvider) CreateClient(ref *config.ModelReference) (llms.ChatClient, error) {
	p.clients++
	return &scriptedClient{model: ref.Deployment}, nil
}

func fixtureConfig() *config.Config {
	return &config.Config{
		Version: "1",
		Name:    "fixture",
		Resources: config.ResourcesConfig{
			Models: map[string]*config.ModelReference{
				"main": {ProviderKind: config.ProviderVendorNative, Deployment: "gpt-test"},
			},
		},
		Agents: []*config.AgentDefinition{
			{
				ID:                "writer",
				Role:              "Writes the report",
				ModelRef:          "main",
				Instructions:      "Write well.",
				ToolIDs:           []string{"lookup"},
				MaxToolIterations: 5,
			},
			{ID: "broken", Role: "r", ModelRef: "absent"},
			{ID: "mw", Role: "r", ModelRef: "main", MiddlewareIDs: []string{"custom"}},
			{ID: "kb", Role: "r", ModelRef: "main", Knowledge: &config.KnowledgeBinding{Collections: []string{"docs"}}},
			{ID: "vendor", Role: "r", ModelRef: "main", ToolIDs: []string{"vendor_search"}},
		},
	}
}

func fixtureTools(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	if err := reg.Callables().Register("test.lookup", func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatal(err)
	}
	for _, def := range []*config.ToolDefinition{
		{Name: "lookup", Transport: config.TransportLocal, Source: "test.lookup"},
		{Name: "vendor_search", Transport: config.TransportHosted, Source: "hosted://web_search"},
	} {
		if err := reg.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func fixtureFactory(t *testing.T) (*Factory, *stubProvider) {
	t.Helper()
	provider := &stubProvider{}
	providers := llms.NewRegistry()
	if err := providers.RegisterProvider(provider); err != nil {
		t.Fatal(err)
	}
	mws := NewMiddlewareRegistry()
	if err := mws.Register("custom", PassthroughEvents); err != nil {
		t.Fatal(err)
	}
	f, err := NewFactory(Dependencies{
		Config:     fixtureConfig(),
		Providers:  providers,
		Tools:      fixtureTools(t),
		Middleware: mws,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f, provider
}

func TestNewFactory_RequiresCoreDependencies(t *testing.T) {
	if _, err := NewFactory(Dependencies{}); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := NewFactory(Dependencies{Config: &config.Config{}}); err == nil {
		t.Error("nil provider registry accepted")
	}
	if _, err := NewFactory(Dependencies{Config: &config.Config{}, Providers: llms.NewRegistry()}); err == nil {
		t.Error("nil tool registry accepted")
	}
}

func TestFactory_BuildsAgent(t *testing.T) {
	f, _ := fixtureFactory(t)

	a, err := f.Agent("writer")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if a.ID != "writer" || a.Name != "writer" {
		t.Errorf("identity = %q/%q", a.ID, a.Name)
	}
	if a.Description != "Participant ID: writer. Role/Description: Writes the report" {
		t.Errorf("Description = %q", a.Description)
	}
	if a.Instructions != "Write well." {
		t.Errorf("Instructions = %q", a.Instructions)
	}
	if a.Client.ModelName() != "gpt-test" {
		t.Errorf("model = %q", a.Client.ModelName())
	}
	if len(a.Tools) != 1 || a.Tools[0].Name() != "lookup" {
		t.Errorf("Tools = %+v", a.Tools)
	}
	if len(a.Middleware) != 2 {
		t.Errorf("base chain = %d middleware, want 2", len(a.Middleware))
	}
	if a.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d", a.MaxToolIterations)
	}
	if a.ContextProvider != nil {
		t.Error("agent without knowledge binding got a context provider")
	}
}

func TestFactory_CachesUntilReset(t *testing.T) {
	f, provider := fixtureFactory(t)

	first, err := f.Agent("writer")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.Agent("writer")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the cached instance")
	}
	if provider.clients != 1 {
		t.Errorf("clients created = %d, want 1", provider.clients)
	}

	f.Reset()
	third, err := f.Agent("writer")
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("Reset did not discard the cache")
	}
	if provider.clients != 2 {
		t.Errorf("clients created = %d, want 2", provider.clients)
	}
}

func TestFactory_UnknownAgent(t *testing.T) {
	f, _ := fixtureFactory(t)
	_, err := f.Agent("nobody")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Errorf("kind = %q", errkind.KindOf(err))
	}
	if !strings.Contains(err.Error(), "not declared") {
		t.Errorf("err = %v", err)
	}
}

func TestFactory_UnknownModelRef(t *testing.T) {
	f, _ := fixtureFactory(t)
	_, err := f.Agent("broken")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Errorf("kind = %q", errkind.KindOf(err))
	}
	if !strings.Contains(err.Error(), `"absent"`) {
		t.Errorf("error does not name the ref: %v", err)
	}
}

func TestFactory_ResolvesMiddleware(t *testing.T) {
	f, _ := fixtureFactory(t)
	a, err := f.Agent("mw")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Middleware) != 3 {
		t.Errorf("chain = %d middleware, want base 2 + custom", len(a.Middleware))
	}
}

func TestFactory_UnknownMiddleware(t *testing.T) {
	cfg := fixtureConfig()
	cfg.Agents = append(cfg.Agents, &config.AgentDefinition{
		ID: "bad-mw", Role: "r", ModelRef: "main", MiddlewareIDs: []string{"ghost"},
	})
	providers := llms.NewRegistry()
	if err := providers.RegisterProvider(&stubProvider{}); err != nil {
		t.Fatal(err)
	}
	f, err := NewFactory(Dependencies{Config: cfg, Providers: providers, Tools: fixtureTools(t)})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.Agent("bad-mw")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Errorf("kind = %q", errkind.KindOf(err))
	}
}

func TestFactory_KnowledgeWithoutStore(t *testing.T) {
	f, _ := fixtureFactory(t)
	_, err := f.Agent("kb")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errkind.KindOf(err) != errkind.ConfigInvalid {
		t.Errorf("kind = %q", errkind.KindOf(err))
	}
}

func TestFactory_SeparatesHostedTools(t *testing.T) {
	f, _ := fixtureFactory(t)
	a, err := f.Agent("vendor")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Tools) != 0 {
		t.Errorf("hosted tool leaked into executables: %+v", a.Tools)
	}
	if len(a.Hosted) != 1 || a.Hosted[0].Kind() != "web_search" {
		t.Errorf("Hosted = %+v", a.Hosted)
	}
}
