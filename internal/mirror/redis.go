package mirror

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hireloop/notisync/internal/notify"
)

const (
	redisMirrorKey        = "notisync:notifications"
	redisOperationTimeout = 5 * time.Second
)

// RedisBackend stores the serialized collection under one fixed key, fully
// overwritten on every persisted change.
type RedisBackend struct {
	client *redis.Client
	key    string
}

func NewRedisBackend(addr, password string, db int) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(addr),
		Password: password,
		DB:       db,
	})
	return &RedisBackend{client: client, key: redisMirrorKey}
}

// NewRedisBackendWithClient injects an existing client; used by tests.
func NewRedisBackendWithClient(client *redis.Client, key string) *RedisBackend {
	if strings.TrimSpace(key) == "" {
		key = redisMirrorKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Load() ([]notify.Notification, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading mirror key")
	}
	var list []notify.Notification
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		return nil, errors.Wrap(err, "decoding mirror snapshot")
	}
	return list, nil
}

func (b *RedisBackend) Save(list []notify.Notification) error {
	if list == nil {
		list = []notify.Notification{}
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, payload, 0).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
