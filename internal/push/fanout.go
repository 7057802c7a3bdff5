// Package push relays record store notifications between server instances over redis pub/sub.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

var (
	errMissingTransport = errors.New("push: transport is required")
	errMissingLocal     = errors.New("push: local notifier is required")
)

// Transport carries encoded envelopes between instances.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Receive streams payloads until ctx ends. The returned channel is closed when the subscription ends.
	Receive(ctx context.Context) (<-chan []byte, error)
}

type envelope struct {
	Origin       string               `json:"origin"`
	UserID       string               `json:"userId"`
	Notification records.Notification `json:"notification"`
}

type Config struct {
	Transport Transport
	// Local receives every notification, including the ones this instance published.
	Local          recordstore.Notifier
	Logger         *zap.Logger
	PublishTimeout time.Duration
}

// Fanout implements recordstore.Notifier by broadcasting through the transport.
type Fanout struct {
	transport      Transport
	local          recordstore.Notifier
	logger         *zap.Logger
	origin         string
	publishTimeout time.Duration
}

func NewFanout(cfg Config) (*Fanout, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Fanout{
		transport:      cfg.Transport,
		local:          cfg.Local,
		logger:         logger,
		origin:         uuid.NewString(),
		publishTimeout: timeout,
	}, nil
}

// Notify publishes the notification. When the broker is unreachable only local streams are served.
func (f *Fanout) Notify(userID string, notification records.Notification) {
	payload, err := json.Marshal(envelope{Origin: f.origin, UserID: userID, Notification: notification})
	if err != nil {
		f.logger.Error("failed to encode notification", zap.String("user_id", userID), zap.Error(err))
		f.local.Notify(userID, notification)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.publishTimeout)
	defer cancel()
	if err := f.transport.Publish(ctx, payload); err != nil {
		f.logger.Warn("failed to publish notification", zap.String("user_id", userID), zap.Error(err))
		f.local.Notify(userID, notification)
	}
}

// Run forwards broadcast notifications to the local notifier until ctx ends.
func (f *Fanout) Run(ctx context.Context) error {
	payloads, err := f.transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("push: subscribe: %w", err)
	}
	return f.forward(ctx, payloads)
}

func (f *Fanout) forward(ctx context.Context, payloads <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-payloads:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("push: subscription closed")
			}
			var decoded envelope
			if err := json.Unmarshal(payload, &decoded); err != nil {
				f.logger.Warn("dropping malformed notification", zap.Error(err))
				continue
			}
			if decoded.UserID == "" {
				continue
			}
			f.logger.Debug("relaying notification",
				zap.String("user_id", decoded.UserID),
				zap.Bool("remote_origin", decoded.Origin != f.origin),
			)
			f.local.Notify(decoded.UserID, decoded.Notification)
		}
	}
}

// RedisTransport publishes on a single redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

// NewRedisClient opens a client for address (host:port).
func NewRedisClient(address, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Receive(ctx context.Context) (<-chan []byte, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(message.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
