package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// DefaultStateTTL is how long recorded run state is kept.
const DefaultStateTTL = 24 * time.Hour

// RedisRecorder keeps the latest state, message and execution outcome of
// every node of a run in Redis hashes keyed by node id:
//
//	<prefix>:<run>:state     node id -> state
//	<prefix>:<run>:message   node id -> message ("" when cleared)
//	<prefix>:<run>:outcome   node id -> success | failure | cancelled
type RedisRecorder struct {
	client  redis.Cmdable
	prefix  string
	runID   string
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

var _ workflow.Listener = (*RedisRecorder)(nil)

// NewRedisRecorder creates a recorder for runID. A zero ttl selects
// DefaultStateTTL.
func NewRedisRecorder(client redis.Cmdable, prefix, runID string, ttl time.Duration, logger *zap.Logger) (*RedisRecorder, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if prefix == "" {
		prefix = "daedalus"
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisRecorder{
		client:  client,
		prefix:  prefix,
		runID:   runID,
		ttl:     ttl,
		timeout: 5 * time.Second,
		logger:  logger,
	}, nil
}

// NewRedisClient connects to the server at url (redis://...) and checks it
// answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisRecorder) key(kind string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, r.runID, kind)
}

// OnEvent records node state changes, messages and execution outcomes.
func (r *RedisRecorder) OnEvent(ev workflow.Event) {
	var kind, value string
	switch ev.Type {
	case workflow.EventNodeStateChanged:
		kind, value = "state", ev.NewState.String()
	case workflow.EventNodeMessageChanged:
		kind, value = "message", ev.Message.String()
	case workflow.EventNodeExecuted:
		kind, value = "outcome", ev.Status.Outcome.String()
	case workflow.EventNodeRemoved:
		r.forget(ev.NodeID.String())
		return
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := r.key(kind)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, ev.NodeID.String(), value)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Warn("Failed to record node event",
			zap.String("key", key),
			zap.String("node_id", ev.NodeID.String()),
			zap.Error(err))
	}
}

func (r *RedisRecorder) forget(nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for _, kind := range []string{"state", "message", "outcome"} {
		if err := r.client.HDel(ctx, r.key(kind), nodeID).Err(); err != nil {
			r.logger.Warn("Failed to remove node from run state",
				zap.String("node_id", nodeID),
				zap.Error(err))
			return
		}
	}
}

// States returns the recorded state of every node of the run.
func (r *RedisRecorder) States(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key("state")).Result()
}

// Outcomes returns the recorded execution outcome of every executed node.
func (r *RedisRecorder) Outcomes(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key("outcome")).Result()
}

// Messages returns the recorded node messages.
func (r *RedisRecorder) Messages(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key("message")).Result()
}
