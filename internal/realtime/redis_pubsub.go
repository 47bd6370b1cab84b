package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "presentation:"

// Bridge fans session events out to the other server instances.
type Bridge interface {
	Publish(ctx context.Context, code, msgType string, payload interface{}) error
	// Subscribe calls handler for events published by other instances until cancel is called.
	Subscribe(code string, handler func(msgType string, data json.RawMessage)) (cancel func(), err error)
}

// redisPayload is the message published to Redis for cross-instance fan-out.
type redisPayload struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisBridge implements Bridge using Redis pub/sub.
type RedisBridge struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.Logger
}

// NewRedisBridge creates a Redis pub/sub bridge. instanceID tags published events so an instance skips its own.
func NewRedisBridge(client redis.UniversalClient, instanceID string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, instanceID: instanceID, logger: logger}
}

// Channel returns the pub/sub channel of a session.
func Channel(code string) string {
	return channelPrefix + code
}

// Publish publishes an event to the session channel.
func (r *RedisBridge) Publish(ctx context.Context, code, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	body, err := json.Marshal(redisPayload{Origin: r.instanceID, Type: msgType, Data: data, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel(code), body).Err()
}

// Subscribe subscribes to the session channel and calls handler for each foreign event.
func (r *RedisBridge) Subscribe(code string, handler func(msgType string, data json.RawMessage)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, Channel(code))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("invalid fan-out payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Origin == r.instanceID {
					continue
				}
				handler(p.Type, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
