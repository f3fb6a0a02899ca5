// Package bus mirrors room fan-out across sibling instances over Redis
// pub/sub. It is optional; a nil service means single-instance mode.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/voxelink/mediabridge/internal/v1/metrics"
)

// PubSubPayload is the envelope for messages moving between instances.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // Used to prevent echo
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts a room event to every other instance watching this
// session. Publishes are dropped, not failed, while the breaker is open.
func (s *Service) Publish(ctx context.Context, sessionID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   sessionID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(sessionID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "sessionId", sessionID)
			return nil
		}
		slog.Error("Redis Publish Failed", "sessionId", sessionID, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that listens for events published
// by other instances for this session. The loop exits when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, sessionID string, handler func(event string, payload json.RawMessage, senderID string)) {
	if s == nil || s.client == nil {
		return
	}

	channel := channelFor(sessionID)
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(payload.Event, payload.Payload, payload.SenderID)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func channelFor(sessionID string) string {
	return fmt.Sprintf("media:room:%s", sessionID)
}
