package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"qtube/internal/config"
)

// Message is one unit of work carried between pipeline stages.
type Message struct {
	ID        string          `json:"id"`
	Stage     string          `json:"stage"`
	Body      json.RawMessage `json:"body"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Stage, m.ID, err)
	}
	return nil
}

// RedisQueue coordinates per-stage ready lists plus shared in-flight and
// scheduled sets in Redis. Delivery is at-least-once: a leased message that
// is not acked before its visibility deadline is handed out again.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	msgPrefix     string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client with the queue key layout.
func NewRedisQueue(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if dlqKey == "" {
		dlqKey = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		msgPrefix:     "queue:msg:",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

// VisibilityTimeout is the lease granted by Dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) readyKey(stage string) string {
	return fmt.Sprintf("queue:%s:ready", stage)
}

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix + id
}

// Enqueue serializes payload and appends it to the stage's ready list. It
// returns the generated message id.
func (q *RedisQueue) Enqueue(ctx context.Context, stage string, payload any) (string, error) {
	if stage == "" {
		return "", errors.New("enqueue: stage is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", stage, err)
	}
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id), "stage", stage, "body", string(body), "attempts", 0)
	pipe.RPush(ctx, q.readyKey(stage), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return id, nil
}

// Dequeue leases the first available message from the given stages, tried in
// order. It returns nil when every stage is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, stages []string) (*Message, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(stages)+1)
	for _, s := range stages {
		keys = append(keys, q.readyKey(s))
	}
	keys = append(keys, q.inflightKey)

	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.msgPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 5 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	vals := make([]string, len(fields))
	for i, f := range fields {
		s, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected field type from dequeue script: %T", f)
		}
		vals[i] = s
	}
	attempts, _ := strconv.Atoi(vals[3])
	return &Message{
		ID:        vals[0],
		Stage:     vals[1],
		Body:      json.RawMessage(vals[2]),
		Attempts:  attempts,
		LastError: vals[4],
	}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking along with its record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases a leased message and schedules it to run again at runAt,
// recording the failed attempt.
func (q *RedisQueue) Retry(ctx context.Context, msg *Message, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.HSet(ctx, q.msgKey(msg.ID), "attempts", msg.Attempts+1, "last_error", lastErr)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter moves a leased message to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	dead := *msg
	dead.Attempts = msg.Attempts + 1
	dead.LastError = reason
	raw, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.Del(ctx, q.msgKey(msg.ID))
	pipe.RPush(ctx, q.dlqKey, string(raw))
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into their ready lists. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	stages, err := q.stagesOf(ctx, ids)
	if err != nil {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for i, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		if stages[i] != "" {
			pipe.RPush(ctx, q.readyKey(stages[i]), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose deadline passed, counting the lost
// delivery as an attempt. It returns the reclaimed message ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	stages, err := q.stagesOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for i, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		if stages[i] != "" {
			pipe.HIncrBy(ctx, q.msgKey(id), "attempts", 1)
			pipe.RPush(ctx, q.readyKey(stages[i]), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// stagesOf reads the stage of each message; a purged record yields "".
func (q *RedisQueue) stagesOf(ctx context.Context, ids []string) ([]string, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, q.msgKey(id), "stage")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	stages := make([]string, len(ids))
	for i, c := range cmds {
		stages[i] = c.Val()
	}
	return stages, nil
}

// DLQPeek reads up to count dead-lettered messages, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Message, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Depth returns the ready list length of each stage.
func (q *RedisQueue) Depth(ctx context.Context, stages []string) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(stages))
	for _, s := range stages {
		cmds[s] = pipe.LLen(ctx, q.readyKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	depth := make(map[string]int64, len(stages))
	for s, c := range cmds {
		depth[s] = c.Val()
	}
	return depth, nil
}

// InFlight returns the number of leased messages.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Messages whose record was purged are dropped from the lists as they surface.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local prefix = ARGV[2]
for i=1,#KEYS-1 do
  while true do
    local id = redis.call('LPOP', KEYS[i])
    if not id then break end
    local rec = redis.call('HMGET', prefix .. id, 'stage', 'body', 'attempts', 'last_error')
    if rec[2] then
      redis.call('ZADD', inflight, ARGV[1], id)
      return {id, rec[1] or '', rec[2], rec[3] or '0', rec[4] or ''}
    end
  end
end
return nil
`)
