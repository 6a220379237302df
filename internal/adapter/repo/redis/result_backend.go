// Package redis implements the shared-state contracts on Redis: results with
// pub/sub wakeups and revocation fan-out across workers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/celerity/internal/domain"
)

const (
	resultKeyPrefix     = "celerity:result:"
	resultChannelPrefix = "celerity:result:done:"
)

// ResultBackend stores task results as JSON values. Terminal monotonicity is
// enforced inside a Lua script, and terminal writes publish the payload so
// waiters wake without polling.
type ResultBackend struct {
	redis        *redis.Client
	store        *redis.Script
	update       *redis.Script
	Clock        domain.Clock
	PollInterval time.Duration
}

// NewResultBackend constructs a ResultBackend over the given client.
func NewResultBackend(rdb *redis.Client, clock domain.Clock) *ResultBackend {
	if clock == nil {
		clock = time.Now
	}
	return &ResultBackend{
		redis:        rdb,
		store:        redis.NewScript(luaStoreResultScript),
		update:       redis.NewScript(luaUpdateStateScript),
		Clock:        clock,
		PollInterval: 2 * time.Second,
	}
}

// luaStoreResultScript writes the payload unless it would replace a terminal
// record with a non-terminal one. ttl_ms: >0 sets PX, -1 keeps the current
// TTL, 0 clears it. Terminal writes publish to the waiter channel.
const luaStoreResultScript = `
local key = KEYS[1]
local chan = KEYS[2]
local payload = ARGV[1]
local new_terminal = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local existing = redis.call("GET", key)
if existing then
  local cur = cjson.decode(existing)
  local s = cur["state"]
  local cur_terminal = s == "Success" or s == "Failure" or s == "Revoked" or s == "Rejected"
  if cur_terminal and new_terminal == 0 then
    return 0
  end
end
if ttl_ms > 0 then
  redis.call("SET", key, payload, "PX", ttl_ms)
elseif ttl_ms < 0 then
  redis.call("SET", key, payload, "KEEPTTL")
else
  redis.call("SET", key, payload)
end
if new_terminal == 1 then
  redis.call("PUBLISH", chan, payload)
end
return 1
`

// luaUpdateStateScript merges a state transition into the stored record
// server-side, so concurrent updates cannot lose each other's fields.
// Monotonicity matches the store script. Metadata replaces wholesale when
// provided and is kept as-is otherwise.
const luaUpdateStateScript = `
local key = KEYS[1]
local chan = KEYS[2]
local task_id = ARGV[1]
local new_state = ARGV[2]
local meta = ARGV[3]
local completed_at = ARGV[4]
local new_terminal = tonumber(ARGV[5])

local cur
local existing = redis.call("GET", key)
if existing then
  cur = cjson.decode(existing)
  local s = cur["state"]
  local cur_terminal = s == "Success" or s == "Failure" or s == "Revoked" or s == "Rejected"
  if cur_terminal and new_terminal == 0 then
    return 0
  end
else
  cur = {}
  cur["taskId"] = task_id
  cur["completedAt"] = completed_at
  cur["retries"] = 0
end
cur["state"] = new_state
if meta ~= "" then
  cur["metadata"] = cjson.decode(meta)
end
local payload = cjson.encode(cur)
if existing then
  redis.call("SET", key, payload, "KEEPTTL")
else
  redis.call("SET", key, payload)
end
if new_terminal == 1 then
  redis.call("PUBLISH", chan, payload)
end
return 1
`

func (b *ResultBackend) runStore(ctx context.Context, result domain.TaskResult, ttlMs int64) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=results.store task_id=%s: %w", result.TaskID, err)
	}
	terminal := 0
	if result.State.IsTerminal() {
		terminal = 1
	}
	keys := []string{resultKeyPrefix + result.TaskID, resultChannelPrefix + result.TaskID}
	if err := b.store.Run(ctx, b.redis, keys, payload, terminal, ttlMs).Err(); err != nil {
		return fmt.Errorf("op=results.store task_id=%s: %w", result.TaskID, err)
	}
	return nil
}

// StoreResult implements domain.ResultBackend.
func (b *ResultBackend) StoreResult(ctx context.Context, result domain.TaskResult, expiry time.Duration) error {
	now := b.Clock().UTC()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	var ttlMs int64
	if result.ExpiresAt != nil {
		ttlMs = result.ExpiresAt.Sub(now).Milliseconds()
		if ttlMs <= 0 {
			ttlMs = 1
		}
	} else if expiry > 0 {
		t := now.Add(expiry)
		result.ExpiresAt = &t
		ttlMs = expiry.Milliseconds()
	}
	return b.runStore(ctx, result, ttlMs)
}

// GetResult implements domain.ResultBackend; nil when absent (expired keys
// are gone, Redis evicts them).
func (b *ResultBackend) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	raw, err := b.redis.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
	}
	var res domain.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
	}
	return &res, nil
}

// WaitForResult implements domain.ResultBackend. The waiter subscribes before
// reading, so a terminal write between the read and the wait is never missed;
// a slow poll backs up the pub/sub path.
func (b *ResultBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	sub := b.redis.Subscribe(ctx, resultChannelPrefix+taskID)
	defer func() { _ = sub.Close() }()

	res, err := b.GetResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if res != nil && res.State.IsTerminal() {
		return res, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	ch := sub.Channel()
	for {
		select {
		case msg := <-ch:
			var res domain.TaskResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				return nil, fmt.Errorf("op=results.wait task_id=%s: %w", taskID, err)
			}
			return &res, nil
		case <-ticker.C:
			res, err := b.GetResult(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if res != nil && res.State.IsTerminal() {
				return res, nil
			}
		case <-deadline:
			return nil, domain.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// UpdateState implements domain.ResultBackend. The merge runs inside a Lua
// script, so two concurrent updates cannot lose each other's fields and a
// racing terminal store always wins.
func (b *ResultBackend) UpdateState(ctx context.Context, taskID string, state domain.TaskState, metadata map[string]string) error {
	meta := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("op=results.updateState task_id=%s: %w", taskID, err)
		}
		meta = string(raw)
	}
	terminal := 0
	if state.IsTerminal() {
		terminal = 1
	}
	keys := []string{resultKeyPrefix + taskID, resultChannelPrefix + taskID}
	completedAt := b.Clock().UTC().Format(time.RFC3339Nano)
	err := b.update.Run(ctx, b.redis, keys, taskID, string(state), meta, completedAt, terminal).Err()
	if err != nil {
		return fmt.Errorf("op=results.updateState task_id=%s: %w", taskID, err)
	}
	return nil
}

// GetState implements domain.ResultBackend; empty when absent.
func (b *ResultBackend) GetState(ctx context.Context, taskID string) (domain.TaskState, error) {
	res, err := b.GetResult(ctx, taskID)
	if err != nil || res == nil {
		return "", err
	}
	return res.State, nil
}
