// Package rag injects retrieved knowledge into agent conversations.
//
// A Provider embeds a query built from the conversation, searches the
// vector store and renders the matches as chat messages that the agent
// layer prepends to the model call.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/vector"
)

// Query strategies.
const (
	StrategyLastMessage  = "last_message"
	StrategyConversation = "conversation"
)

const defaultInstruction = "Relevant context retrieved from the knowledge base. " +
	"Use it when answering and cite entries by their number where helpful."

// Context carries the messages a provider injects ahead of a model
// call. An empty Context injects nothing.
type Context struct {
	Messages []llms.Message
}

// Empty reports whether the context carries no messages.
func (c *Context) Empty() bool {
	return c == nil || len(c.Messages) == 0
}

// ContextProvider supplies conversation context before an agent
// invokes its model.
type ContextProvider interface {
	Invoking(ctx context.Context, messages []llms.Message) (*Context, error)
}

// Provider is the retrieval-backed ContextProvider.
type Provider struct {
	store       vector.Store
	embedder    embedders.EmbeddingClient
	strategy    string
	instruction string
	topK        int
	minScore    float32
	namespace   string
	filters     map[string]any
}

// NewProvider builds a provider over the given store and embedder.
func NewProvider(store vector.Store, embedder embedders.EmbeddingClient, cfg *config.RAGConfig) *Provider {
	p := &Provider{
		store:       store,
		embedder:    embedder,
		strategy:    StrategyLastMessage,
		instruction: defaultInstruction,
		topK:        5,
	}
	if cfg == nil {
		return p
	}
	if cfg.Strategy != "" {
		p.strategy = cfg.Strategy
	}
	if cfg.ContextPrompt != "" {
		p.instruction = cfg.ContextPrompt
	}
	if cfg.TopK > 0 {
		p.topK = cfg.TopK
	}
	p.minScore = cfg.MinScore
	p.namespace = cfg.Namespace
	return p
}

// ForCollections returns a copy of the provider whose searches are
// restricted to the given knowledge collections. The receiver is not
// modified.
func (p *Provider) ForCollections(collectionIDs ...string) *Provider {
	if len(collectionIDs) == 0 {
		return p
	}
	wanted := make([]any, len(collectionIDs))
	for i, id := range collectionIDs {
		wanted[i] = id
	}

	clone := *p
	clone.filters = make(map[string]any, len(p.filters)+1)
	for k, v := range p.filters {
		clone.filters[k] = v
	}
	clone.filters[vector.MetaCollectionID] = map[string]any{"$in": wanted}
	return &clone
}

// ForBinding derives a provider scoped to an agent's knowledge
// binding: collection filter plus any per-agent retrieval overrides.
func (p *Provider) ForBinding(binding *config.KnowledgeBinding) *Provider {
	if binding == nil {
		return p
	}
	scoped := p.ForCollections(binding.Collections...)
	if binding.TopK == 0 && binding.MinScore == 0 && binding.Strategy == "" {
		return scoped
	}

	clone := *scoped
	if binding.TopK > 0 {
		clone.topK = binding.TopK
	}
	if binding.MinScore > 0 {
		clone.minScore = binding.MinScore
	}
	if binding.Strategy != "" {
		clone.strategy = binding.Strategy
	}
	return &clone
}

// Invoking builds the query per the configured strategy, embeds it,
// searches the store and renders matches as an instruction message
// followed by one user message per match. No matches, no messages.
func (p *Provider) Invoking(ctx context.Context, messages []llms.Message) (*Context, error) {
	query := p.buildQuery(messages)
	if strings.TrimSpace(query) == "" {
		return &Context{}, nil
	}

	embedding, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed context query: %w", err)
	}

	matches, err := p.store.SimilaritySearch(ctx, vector.Query{
		Vector:         embedding,
		TopK:           p.topK,
		ScoreThreshold: p.minScore,
		Namespace:      p.namespace,
		Filters:        p.filters,
	})
	if err != nil {
		return nil, fmt.Errorf("context retrieval failed: %w", err)
	}
	if len(matches) == 0 {
		return &Context{}, nil
	}

	rendered := make([]llms.Message, 0, len(matches)+1)
	rendered = append(rendered, llms.NewSystemMessage(p.instruction))
	for i, match := range matches {
		rendered = append(rendered, llms.NewUserMessage(formatMatch(i+1, match)))
	}
	return &Context{Messages: rendered}, nil
}

func (p *Provider) buildQuery(messages []llms.Message) string {
	switch p.strategy {
	case StrategyConversation:
		var parts []string
		for _, m := range messages {
			if m.Role != llms.RoleUser && m.Role != llms.RoleAssistant {
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, "\n")
	default:
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == llms.RoleUser {
				return messages[i].Content
			}
		}
		return ""
	}
}

// formatMatch renders one match as a numbered citation. The label is
// the document's source when present, its id otherwise.
func formatMatch(index int, match vector.Match) string {
	label := match.Document.ID
	if source, ok := match.Document.Metadata[vector.MetaSource].(string); ok && source != "" {
		label = source
	}
	return fmt.Sprintf("[%d] %s (score=%.3f)\n%s", index, label, match.Score, match.Document.Text)
}

var _ ContextProvider = (*Provider)(nil)
