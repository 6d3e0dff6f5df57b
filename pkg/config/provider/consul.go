package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider loads config from a Consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	client *api.Client
	key    string
}

// NewConsulProvider creates a provider backed by Consul KV.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("consul provider requires at least one endpoint")
	}

	client, err := api.NewClient(&api.Config{Address: endpoints[0]})
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulProvider{
		client: client,
		key:    key,
	}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the config key from Consul KV.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := p.client.KV().Get(p.key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key not found: %s", p.key)
	}
	return pair.Value, nil
}

// Watch starts a blocking-query loop on the config key.
// Returns a channel that receives a value when the key changes.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	// Establish the initial modify index so only subsequent writes signal.
	pair, meta, err := p.client.KV().Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to watch consul key %s: %w", p.key, err)
	}

	var lastIndex uint64
	if meta != nil {
		lastIndex = meta.LastIndex
	}
	if pair == nil {
		slog.Warn("Consul key does not exist yet, watching for creation", "key", p.key)
	}

	ch := make(chan struct{}, 1)

	go p.watchLoop(ctx, lastIndex, ch)

	slog.Info("Watching consul key", "key", p.key)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, lastIndex uint64, ch chan<- struct{}) {
	defer close(ch)

	for {
		opts := (&api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		}).WithContext(ctx)

		_, meta, err := p.client.KV().Get(p.key, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consul blocking query failed, retrying", "key", p.key, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if meta == nil {
			continue
		}

		// Index reset means the backend state was rebuilt; reload to be safe.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		if meta.LastIndex == lastIndex {
			// Wait timeout expired without a change
			continue
		}

		lastIndex = meta.LastIndex
		select {
		case ch <- struct{}{}:
			slog.Debug("Consul key changed", "key", p.key, "index", lastIndex)
		default:
			// Change already pending
		}
	}
}

// Close releases resources. The consul client holds no persistent
// connections, so this is a no-op.
func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
