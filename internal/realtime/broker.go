// Package realtime fans stock change events out to open cashier sessions over
// Redis pub/sub. Delivery is best effort; the ledger never depends on it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tokoroti/tokoroti/internal/stock"
)

const channelPrefix = "stock:branch:"

// Broker publishes and subscribes to per-branch stock channels.
type Broker struct {
	client *redis.Client
	logger *slog.Logger
	buffer int
}

// NewBroker instantiates the broker.
func NewBroker(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger.With(slog.String("component", "realtime")), buffer: 32}
}

// Channel returns the pub/sub channel of a branch.
func Channel(branchID string) string {
	return channelPrefix + branchID
}

// Publish sends evt to the branch channel.
func (b *Broker) Publish(ctx context.Context, evt stock.ChangeEvent) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, Channel(evt.BranchID), payload).Err()
}

// Subscribe returns a channel of events for branchID. The channel closes when
// ctx is done or the subscription breaks.
func (b *Broker) Subscribe(ctx context.Context, branchID string) (<-chan stock.ChangeEvent, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("realtime: broker not initialised")
	}
	if branchID == "" {
		return nil, errors.New("realtime: branch id required")
	}
	pubsub := b.client.Subscribe(ctx, Channel(branchID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe: %w", err)
	}

	out := make(chan stock.ChangeEvent, b.buffer)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt stock.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("drop malformed stock event", slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				default:
					// slow reader; the next event carries the fresh quantity anyway
					b.logger.Debug("drop stock event for slow subscriber", slog.String("branch_id", branchID))
				}
			}
		}
	}()
	return out, nil
}
