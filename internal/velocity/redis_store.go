package velocity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// incrScript increments every key and sets its TTL on first write. ARGV[i]
// is the TTL in milliseconds for KEYS[i]. One script call is one atomic
// step on the server, so the three windows are read together.
var incrScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
  local n = redis.call("INCR", key)
  if n == 1 then
    redis.call("PEXPIRE", key, ARGV[i])
  end
  out[i] = n
end
return out
`)

// RedisStore shares counters across instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed counter store. Keys are prefixed
// with "vel:".
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, prefix: "vel:", opts: buildOptions(opts)}
}

func (r *RedisStore) keys(s Subject) []string {
	b := BucketsAt(r.opts.now())
	base := r.prefix + s.Key()
	return []string{
		base + ":m:" + b.Minute,
		base + ":h:" + b.Hour,
		base + ":d:" + b.Day,
	}
}

// IncrementAndGet implements Store.
func (r *RedisStore) IncrementAndGet(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	res, err := incrScript.Run(ctx, r.client, r.keys(s),
		MinuteTTL.Milliseconds(), HourTTL.Milliseconds(), DayTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Counts{}, fmt.Errorf("velocity: redis increment %s: %w", s.Key(), err)
	}
	if len(res) != 3 {
		return Counts{}, fmt.Errorf("velocity: redis increment %s: unexpected reply length %d", s.Key(), len(res))
	}
	return Counts{Minute: res[0], Hour: res[1], Day: res[2]}, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, s Subject) (Counts, error) {
	if err := s.Validate(); err != nil {
		return Counts{}, err
	}
	vals, err := r.client.MGet(ctx, r.keys(s)...).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("velocity: redis get %s: %w", s.Key(), err)
	}
	var out [3]int64
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return Counts{}, errors.New("velocity: redis get: unexpected value type")
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("velocity: redis get %s: %w", s.Key(), err)
		}
		out[i] = n
	}
	return Counts{Minute: out[0], Hour: out[1], Day: out[2]}, nil
}
