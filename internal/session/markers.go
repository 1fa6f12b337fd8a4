package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// MarkerStore keeps the small amount of state session rotation needs.
type MarkerStore interface {
	// Reserve claims a freshly minted token; false means it was issued before.
	Reserve(ctx context.Context, token string, ttl time.Duration) (bool, error)
	MarkLoggedOut(ctx context.Context, token string, ttl time.Duration) error
	// ConsumeLoggedOut clears the logout marker and, when there was one,
	// retires the token for ttl. Both happen or neither does.
	ConsumeLoggedOut(ctx context.Context, token string, ttl time.Duration) (bool, error)
	Retire(ctx context.Context, token string, ttl time.Duration) error
	IsRetired(ctx context.Context, token string) (bool, error)
}

// consumeLogoutScript drops the logout marker and retires the token in one
// atomic step, so a failure can never leave the token usable again.
var consumeLogoutScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) then
	redis.call("DEL", KEYS[1])
	redis.call("SET", KEYS[2], 1, "PX", ARGV[1])
	return 1
end
return 0
`)

type RedisMarkerStore struct {
	client *redis.Client
}

func NewRedisMarkerStore(client *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: client}
}

func (s *RedisMarkerStore) Reserve(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "session:issued:"+token, 1, ttl).Result()
}

func (s *RedisMarkerStore) MarkLoggedOut(ctx context.Context, token string, ttl time.Duration) error {
	return s.client.Set(ctx, "session:logout:"+token, 1, ttl).Err()
}

func (s *RedisMarkerStore) ConsumeLoggedOut(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	n, err := consumeLogoutScript.Run(ctx, s.client,
		[]string{"session:logout:" + token, "session:retired:" + token}, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisMarkerStore) Retire(ctx context.Context, token string, ttl time.Duration) error {
	return s.client.Set(ctx, "session:retired:"+token, 1, ttl).Err()
}

func (s *RedisMarkerStore) IsRetired(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, "session:retired:"+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
