package serverstate

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the JSON encoded State.
const DefaultRedisKey = "walletbridge:state"

type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

// NewRedisStore returns a Store persisting under key. The key is
// initialized to not_ready if it does not exist.
func NewRedisStore(client redis.UniversalClient, key string) Store {
	if key == "" {
		key = DefaultRedisKey
	}
	rs := &redisStore{client: client, key: key, ctx: context.Background()}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	_ = client.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: StatusUnknown}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: StatusUnknown}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, r.key, b, 0).Err()
}
