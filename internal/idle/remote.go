package idle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/messaging"
)

const (
	ControlActionStart = "start"
	ControlActionStop  = "stop"

	stateKeyTTL = 24 * time.Hour
)

// SessionControl is the command the API process publishes when a mailbox
// connects or disconnects. The worker owning the sessions acts on it.
type SessionControl struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

// RedisStateStore mirrors session states in redis so processes that do not
// own the sessions can still report channel health.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func stateKey(userID string) string {
	return fmt.Sprintf("idle:state:%s", userID)
}

func (s *RedisStateStore) Set(ctx context.Context, userID string, state State) {
	s.client.Set(ctx, stateKey(userID), string(state), stateKeyTTL)
}

func (s *RedisStateStore) Get(ctx context.Context, userID string) State {
	val, err := s.client.Get(ctx, stateKey(userID)).Result()
	if err != nil {
		return StateDisconnected
	}
	return State(val)
}

// RemoteSessions is the API process's view of the worker's idle manager:
// start/stop commands go over the broker, state reads come from the redis
// mirror.
type RemoteSessions struct {
	broker messaging.Broker
	store  StateStore
	logger *logger.Logger
}

func NewRemoteSessions(broker messaging.Broker, store StateStore, log *logger.Logger) *RemoteSessions {
	return &RemoteSessions{
		broker: broker,
		store:  store,
		logger: log.With("idle_remote"),
	}
}

func (r *RemoteSessions) StartSession(userID string) {
	r.publish(userID, ControlActionStart)
}

func (r *RemoteSessions) StopSession(userID string) {
	r.publish(userID, ControlActionStop)
}

func (r *RemoteSessions) SessionState(userID string) State {
	return r.store.Get(context.Background(), userID)
}

func (r *RemoteSessions) publish(userID, action string) {
	msg := SessionControl{UserID: userID, Action: action}
	if err := r.broker.Publish(context.Background(), messaging.ChannelSessionControl, msg); err != nil {
		r.logger.Error(err, "failed to publish session control",
			"user_id", userID, "action", action)
	}
}

// RunControlListener consumes session control commands and applies them to
// the manager. It blocks until ctx is canceled.
func RunControlListener(ctx context.Context, broker messaging.Broker, manager *Manager, log *logger.Logger) error {
	msgs, err := broker.Subscribe(ctx, messaging.ChannelSessionControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session control: %w", err)
	}

	logger := log.With("idle_control")
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg SessionControl
			if err := json.Unmarshal(payload, &msg); err != nil {
				logger.Error(err, "failed to decode session control")
				continue
			}
			switch msg.Action {
			case ControlActionStart:
				manager.StartSession(msg.UserID)
			case ControlActionStop:
				manager.StopSession(msg.UserID)
			default:
				logger.Warn("unknown session control action", "action", msg.Action)
			}
		}
	}
}
