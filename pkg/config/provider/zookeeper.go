package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider loads config from a ZooKeeper znode and watches it
// with a GetW re-arm loop.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider creates a provider backed by ZooKeeper.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper provider requires at least one endpoint")
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	return &ZookeeperProvider{
		conn: conn,
		path: path,
	}, nil
}

// Type returns TypeZookeeper.
func (p *ZookeeperProvider) Type() Type {
	return TypeZookeeper
}

// Load reads the config znode.
func (p *ZookeeperProvider) Load(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper node %s: %w", p.path, err)
	}
	return data, nil
}

// Watch arms a data watch on the znode and re-arms it after every event.
// Returns a channel that receives a value when the node changes.
func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	// Arm the first watch up front so setup errors surface to the caller.
	_, _, eventCh, err := p.conn.GetW(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to watch zookeeper node %s: %w", p.path, err)
	}

	ch := make(chan struct{}, 1)

	go p.watchLoop(ctx, eventCh, ch)

	slog.Info("Watching zookeeper node", "path", p.path)
	return ch, nil
}

func (p *ZookeeperProvider) watchLoop(ctx context.Context, eventCh <-chan zk.Event, ch chan<- struct{}) {
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-eventCh:
			switch evt.Type {
			case zk.EventNodeDataChanged, zk.EventNodeCreated:
				select {
				case ch <- struct{}{}:
					slog.Debug("Zookeeper node changed", "path", p.path)
				default:
					// Change already pending
				}
			case zk.EventNodeDeleted:
				slog.Warn("Zookeeper node was deleted", "path", p.path)
			}
		}

		// ZooKeeper watches are one-shot; re-arm after every event.
		var err error
		for {
			_, _, eventCh, err = p.conn.GetW(p.path)
			if err == nil {
				break
			}
			if err == zk.ErrNoNode {
				// Wait for the node to reappear via an existence watch.
				var exists bool
				exists, _, eventCh, err = p.conn.ExistsW(p.path)
				if err == nil {
					if exists {
						continue // Node reappeared between calls, arm data watch
					}
					break
				}
			}
			slog.Error("Failed to re-arm zookeeper watch, retrying", "path", p.path, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Close shuts down the ZooKeeper connection.
func (p *ZookeeperProvider) Close() error {
	p.conn.Close()
	return nil
}

var _ Provider = (*ZookeeperProvider)(nil)
