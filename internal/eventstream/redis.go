package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisBuffer shares execution buffers across engine and worker processes.
//
// Layout per execution:
//
//	<prefix>:exec:<id>:meta    hash
//	<prefix>:exec:<id>:seq     counter
//	<prefix>:exec:<id>:events  sorted set scored by event id
type RedisBuffer struct {
	client *redis.Client
	prefix string
	cfg    Config
	now    func() time.Time
}

func NewRedisBuffer(client *redis.Client, keyPrefix string, cfg Config) *RedisBuffer {
	return &RedisBuffer{client: client, prefix: strings.TrimSuffix(keyPrefix, ":"), cfg: cfg, now: time.Now}
}

func (b *RedisBuffer) key(executionID, part string) string {
	return fmt.Sprintf("%s:exec:%s:%s", b.prefix, executionID, part)
}

func (b *RedisBuffer) keys(executionID string) []string {
	return []string{b.key(executionID, "meta"), b.key(executionID, "seq"), b.key(executionID, "events")}
}

func (b *RedisBuffer) Create(ctx context.Context, meta domain.ExecutionMeta) error {
	id := strings.TrimSpace(meta.ExecutionID)
	if id == "" {
		return errMissingID
	}
	now := b.now().UTC()
	if meta.Status == "" {
		meta.Status = domain.ExecutionRunning
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = now
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range b.keys(id) {
			pipe.Del(ctx, k)
		}
		pipe.HSet(ctx, b.key(id, "meta"), map[string]any{
			"workflowId": meta.WorkflowID,
			"userId":     meta.UserID,
			"status":     string(meta.Status),
			"startedAt":  meta.StartedAt.Format(time.RFC3339Nano),
			"updatedAt":  now.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, b.key(id, "meta"), b.cfg.ActiveTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create execution buffer: %w", err)
	}
	return nil
}

// appendScript allocates the event id and stores the event in one step, so a
// reader never observes id N+1 before id N. Members are prefixed with the id
// to stay unique when two payloads encode identically.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local id = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[3], id, id .. ':' .. ARGV[1])
redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -tonumber(ARGV[2]) - 1)
for i = 1, 3 do
	redis.call('PEXPIRE', KEYS[i], ARGV[3])
end
return id
`)

func (b *RedisBuffer) Append(ctx context.Context, executionID string, event domain.ExecutionEvent) (int64, error) {
	event.EventID = 0
	event.ExecutionID = executionID
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	id, err := appendScript.Run(ctx, b.client, b.keys(executionID),
		string(payload), b.cfg.MaxEvents, b.cfg.ActiveTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if id < 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

func (b *RedisBuffer) ReadAfter(ctx context.Context, executionID string, from int64, limit int) ([]domain.ExecutionEvent, error) {
	if _, err := b.Meta(ctx, executionID); err != nil {
		return nil, err
	}
	opt := &redis.ZRangeBy{Min: "(" + strconv.FormatInt(from, 10), Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	raw, err := b.client.ZRangeByScore(ctx, b.key(executionID, "events"), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]domain.ExecutionEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := decodeEvent(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(member string) (domain.ExecutionEvent, error) {
	rawID, payload, ok := strings.Cut(member, ":")
	if !ok {
		return domain.ExecutionEvent{}, errors.New("decode event: missing id prefix")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("decode event id: %w", err)
	}
	var ev domain.ExecutionEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("decode event: %w", err)
	}
	ev.EventID = id
	return ev, nil
}

func (b *RedisBuffer) Meta(ctx context.Context, executionID string) (domain.ExecutionMeta, error) {
	fields, err := b.client.HGetAll(ctx, b.key(executionID, "meta")).Result()
	if err != nil {
		return domain.ExecutionMeta{}, fmt.Errorf("read execution meta: %w", err)
	}
	if len(fields) == 0 {
		return domain.ExecutionMeta{}, ErrNotFound
	}
	return decodeMeta(executionID, fields)
}

func (b *RedisBuffer) SetStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error {
	metaKey := b.key(executionID, "meta")
	exists, err := b.client.Exists(ctx, metaKey).Result()
	if err != nil {
		return fmt.Errorf("check execution buffer: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	ttl := b.cfg.ActiveTTL
	if status.Terminal() {
		ttl = b.cfg.TerminalTTL
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, "status", string(status), "updatedAt", b.now().UTC().Format(time.RFC3339Nano))
		for _, k := range b.keys(executionID) {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set execution status: %w", err)
	}
	return nil
}

func decodeMeta(executionID string, fields map[string]string) (domain.ExecutionMeta, error) {
	meta := domain.ExecutionMeta{
		ExecutionID: executionID,
		WorkflowID:  fields["workflowId"],
		UserID:      fields["userId"],
		Status:      domain.ExecutionStatus(fields["status"]),
	}
	var err error
	if v := fields["startedAt"]; v != "" {
		if meta.StartedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return domain.ExecutionMeta{}, errors.New("execution meta has invalid startedAt")
		}
	}
	if v := fields["updatedAt"]; v != "" {
		if meta.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return domain.ExecutionMeta{}, errors.New("execution meta has invalid updatedAt")
		}
	}
	return meta, nil
}
