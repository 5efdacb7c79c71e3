package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/hitl/pkg/schema"
)

// DefaultRetention keeps resolved markers around after waitUntil so that late
// deliveries still observe ErrAlreadyResolved instead of ErrNotFound.
const DefaultRetention = 24 * time.Hour

// claimScript resolves KEYS[1] by setting KEYS[2] with NX.
// Returns {0} when the request is missing, {1, data} on success and
// {2, data, marker} when another caller won.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  ttl = tonumber(ARGV[2])
end
local ok = redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ttl)
if not ok then
  return {2, redis.call('GET', KEYS[1]), redis.call('GET', KEYS[2])}
end
return {1, redis.call('GET', KEYS[1])}
`)

// RedisStore shares the registry across processes. Each request is stored
// as JSON under <prefix>req:<token>; the resolution marker lives under
// <prefix>res:<token> and is written with SET NX.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRetention overrides how long entries outlive their waitUntil.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.retention = d }
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore wraps a go-redis client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: DefaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) reqKey(token string) string { return s.prefix + "req:" + token }
func (s *RedisStore) resKey(token string) string { return s.prefix + "res:" + token }

func (s *RedisStore) Register(ctx context.Context, req *schema.PendingRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	entry := clone(req)
	entry.Status = schema.RequestStatusPending
	entry.ResolvedBy = ""
	entry.ResolvedAt = nil

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}
	ttl := entry.WaitUntil.Sub(s.now()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.reqKey(req.CorrelationToken), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("register %s: %w", req.CorrelationToken, err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, token string) (*schema.PendingRequest, error) {
	return s.resolve(ctx, token, schema.ResolvedByWebhook)
}

func (s *RedisStore) Expire(ctx context.Context, token string) (*schema.PendingRequest, error) {
	return s.resolve(ctx, token, schema.ResolvedByDeadline)
}

func (s *RedisStore) resolve(ctx context.Context, token string, by schema.Resolution) (*schema.PendingRequest, error) {
	now := s.now()
	marker := encodeMarker(by, now)
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.reqKey(token), s.resKey(token)},
		marker, s.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", token, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("resolve %s: empty script reply", token)
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		return nil, ErrNotFound
	case 1:
		req, err := decodeRequest(res[1])
		if err != nil {
			return nil, err
		}
		req.Status = schema.RequestStatusResolved
		req.ResolvedBy = by
		req.ResolvedAt = &now
		return req, nil
	default:
		req, err := decodeRequest(res[1])
		if err != nil {
			return nil, err
		}
		if m, ok := res[2].(string); ok {
			applyMarker(req, m)
		}
		return req, ErrAlreadyResolved
	}
}

func (s *RedisStore) Remove(ctx context.Context, token string) error {
	n, err := s.client.Del(ctx, s.reqKey(token), s.resKey(token)).Result()
	if err != nil {
		return fmt.Errorf("remove %s: %w", token, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*schema.PendingRequest, error) {
	vals, err := s.client.MGet(ctx, s.reqKey(token), s.resKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", token, err)
	}
	if vals[0] == nil {
		return nil, ErrNotFound
	}
	req, err := decodeRequest(vals[0])
	if err != nil {
		return nil, err
	}
	if m, ok := vals[1].(string); ok {
		applyMarker(req, m)
	}
	return req, nil
}

func (s *RedisStore) Forget(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.reqKey(token), s.resKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("forget %s: %w", token, err)
	}
	return nil
}

// Ping checks connectivity, used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeRequest(v any) (*schema.PendingRequest, error) {
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected redis value %T", v)
	}
	var req schema.PendingRequest
	if err := json.Unmarshal([]byte(str), &req); err != nil {
		return nil, fmt.Errorf("decode pending request: %w", err)
	}
	return &req, nil
}

// Markers are "<resolution>|<unix millis>".
func encodeMarker(by schema.Resolution, at time.Time) string {
	return string(by) + "|" + strconv.FormatInt(at.UnixMilli(), 10)
}

func applyMarker(req *schema.PendingRequest, marker string) {
	by, ms, _ := strings.Cut(marker, "|")
	req.Status = schema.RequestStatusResolved
	req.ResolvedBy = schema.Resolution(by)
	if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
		t := time.UnixMilli(n).UTC()
		req.ResolvedAt = &t
	}
}
