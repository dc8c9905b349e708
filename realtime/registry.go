package realtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry records which dashboard connections exist. RedisRegistry is shared by
// every instance behind the load balancer; LocalRegistry only sees this process.
type Registry interface {
	Add(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Touch marks ids as still connected.
	Touch(ctx context.Context, ids []string) error
	Members(ctx context.Context) ([]string, error)
}

const keyConnectedDashboards = "connected_dashboards"

// RedisRegistry keeps ids in a sorted set scored by last heartbeat. Ids not touched
// within ttl are pruned on read, so connections of a crashed instance age out.
type RedisRegistry struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
}

func NewRedisRegistry(rdb redis.UniversalClient, timeout, ttl time.Duration) *RedisRegistry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisRegistry{rdb: rdb, timeout: timeout, ttl: ttl, now: time.Now}
}

func (r *RedisRegistry) Add(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	member := redis.Z{Score: float64(r.now().Unix()), Member: id}
	if err := r.rdb.ZAdd(ctx, keyConnectedDashboards, member).Err(); err != nil {
		return fmt.Errorf("register dashboard %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.rdb.ZRem(ctx, keyConnectedDashboards, id).Err(); err != nil {
		return fmt.Errorf("unregister dashboard %s: %w", id, err)
	}
	return nil
}

// Touch refreshes existing ids only; an id removed concurrently stays removed.
func (r *RedisRegistry) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	score := float64(r.now().Unix())
	members := make([]redis.Z, len(ids))
	for i, id := range ids {
		members[i] = redis.Z{Score: score, Member: id}
	}
	if err := r.rdb.ZAddXX(ctx, keyConnectedDashboards, members...).Err(); err != nil {
		return fmt.Errorf("refresh dashboards: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Members(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).Unix(), 10)
	var members *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, keyConnectedDashboards, "-inf", "("+cutoff)
		members = pipe.ZRange(ctx, keyConnectedDashboards, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	ids := members.Val()
	sort.Strings(ids)
	return ids, nil
}

type LocalRegistry struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{ids: make(map[string]struct{})}
}

func (r *LocalRegistry) Add(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *LocalRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *LocalRegistry) Touch(context.Context, []string) error { return nil }

func (r *LocalRegistry) Members(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
