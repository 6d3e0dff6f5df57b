package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
)

func TestStrategyValidation(t *testing.T) {
	reg := NewStrategyRegistry()

	cases := []struct {
		name string
		def  *config.WorkflowDefinition
		want []string
	}{
		{
			name: "sequential needs steps",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowSequential},
			want: []string{"at least one step"},
		},
		{
			name: "sequential with a step is valid",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowSequential, Steps: steps("a")},
		},
		{
			name: "parallel needs steps",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowParallel},
			want: []string{"at least one step"},
		},
		{
			name: "parallel rejects human steps",
			def: &config.WorkflowDefinition{
				Kind: config.WorkflowParallel,
				Steps: []config.WorkflowStep{
					{ID: "a", Kind: config.StepAgent, AgentID: "a"},
					{ID: "gate", Kind: config.StepHuman},
				},
			},
			want: []string{"human steps are only supported in sequential"},
		},
		{
			name: "group chat needs steps",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowGroupChat},
			want: []string{"at least one step"},
		},
		{
			name: "handoff accumulates violations",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowHandoff, Steps: steps("a")},
			want: []string{"start_id is required", "at least one transition"},
		},
		{
			name: "router needs a target besides the classifier",
			def: &config.WorkflowDefinition{
				Kind:    config.WorkflowRouter,
				StartID: "classifier",
				Steps:   steps("classifier"),
			},
			want: []string{"at least one target step"},
		},
		{
			name: "router needs a start",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowRouter, Steps: steps("a", "b")},
			want: []string{"start_id is required"},
		},
		{
			name: "magentic needs a manager model",
			def:  &config.WorkflowDefinition{Kind: config.WorkflowMagentic, Steps: steps("a")},
			want: []string{"manager_model_ref is required"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, ok := reg.Get(string(tc.def.Kind))
			if !ok {
				t.Fatalf("no strategy registered for %q", tc.def.Kind)
			}
			errs := s.Validate(tc.def)
			if len(tc.want) == 0 {
				if len(errs) != 0 {
					t.Fatalf("unexpected violations: %v", errors.Join(errs...))
				}
				return
			}
			joined := errors.Join(errs...)
			if joined == nil {
				t.Fatalf("expected violations %v, got none", tc.want)
			}
			for _, fragment := range tc.want {
				if !strings.Contains(joined.Error(), fragment) {
					t.Fatalf("violations %v are missing %q", joined, fragment)
				}
			}
		})
	}
}

func TestNewStrategyRegistry_CoversAllKinds(t *testing.T) {
	reg := NewStrategyRegistry()
	kinds := []config.WorkflowKind{
		config.WorkflowSequential,
		config.WorkflowParallel,
		config.WorkflowGroupChat,
		config.WorkflowHandoff,
		config.WorkflowRouter,
		config.WorkflowMagentic,
	}
	for _, kind := range kinds {
		s, ok := reg.Get(string(kind))
		if !ok {
			t.Fatalf("kind %q is not registered", kind)
		}
		if s.Kind() != kind {
			t.Fatalf("strategy for %q reports kind %q", kind, s.Kind())
		}
	}
}

type stubStrategy struct {
	kind config.WorkflowKind
}

func (s *stubStrategy) Kind() config.WorkflowKind                  { return s.kind }
func (s *stubStrategy) Validate(*config.WorkflowDefinition) []error { return nil }
func (s *stubStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	return newGraph(def, b), nil
}

func TestRegisterStrategy(t *testing.T) {
	reg := NewStrategyRegistry()

	if err := reg.RegisterStrategy(nil); err == nil {
		t.Fatal("nil strategy accepted")
	}
	if err := reg.RegisterStrategy(&stubStrategy{}); err == nil {
		t.Fatal("empty kind accepted")
	}

	custom := &stubStrategy{kind: config.WorkflowKind("debate")}
	if err := reg.RegisterStrategy(custom); err != nil {
		t.Fatalf("RegisterStrategy: %v", err)
	}
	if got, ok := reg.Get("debate"); !ok || got != Strategy(custom) {
		t.Fatalf("Get(debate) = %v, %v", got, ok)
	}

	// Registering over a builtin replaces it.
	replacement := &stubStrategy{kind: config.WorkflowSequential}
	if err := reg.RegisterStrategy(replacement); err != nil {
		t.Fatalf("RegisterStrategy replace: %v", err)
	}
	if got, _ := reg.Get(string(config.WorkflowSequential)); got != Strategy(replacement) {
		t.Fatal("builtin strategy was not replaced")
	}
}

func TestAutoReviewer(t *testing.T) {
	ok, err := AutoReviewer{}.Review(context.Background(), "any plan")
	if err != nil || !ok {
		t.Fatalf("Review = %v, %v", ok, err)
	}
}

func TestOrderedSteps(t *testing.T) {
	t.Run("declaration order without links", func(t *testing.T) {
		def := &config.WorkflowDefinition{Steps: steps("a", "b", "c")}
		got := orderedSteps(def)
		if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
			t.Fatalf("orderedSteps = %+v", got)
		}
	})

	t.Run("next_id chain overrides declaration order", func(t *testing.T) {
		def := &config.WorkflowDefinition{
			StartID: "c",
			Steps: []config.WorkflowStep{
				{ID: "a", Kind: config.StepAgent, AgentID: "a"},
				{ID: "b", Kind: config.StepAgent, AgentID: "b", NextID: "a"},
				{ID: "c", Kind: config.StepAgent, AgentID: "c", NextID: "b"},
			},
		}
		got := orderedSteps(def)
		if len(got) != 3 || got[0].ID != "c" || got[1].ID != "b" || got[2].ID != "a" {
			t.Fatalf("orderedSteps = %+v", got)
		}
	})

	t.Run("cycles stop at the first repeat", func(t *testing.T) {
		def := &config.WorkflowDefinition{
			Steps: []config.WorkflowStep{
				{ID: "a", Kind: config.StepAgent, AgentID: "a", NextID: "b"},
				{ID: "b", Kind: config.StepAgent, AgentID: "b", NextID: "a"},
			},
		}
		got := orderedSteps(def)
		if len(got) != 2 {
			t.Fatalf("orderedSteps = %+v", got)
		}
	})
}
