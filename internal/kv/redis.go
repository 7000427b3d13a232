package kv

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// Redis implements Store on a single Redis instance.
type Redis struct {
	client *redis.Client
}

// delIfEquals is the standard compare-and-delete unlock script: the key is
// removed only while it still holds the caller's value.
var delIfEquals = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrap(err, "kv: redis ping")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "kv: get %s", key)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return eris.Wrapf(r.client.Set(ctx, key, value, ttl).Err(), "kv: set %s", key)
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, eris.Wrapf(err, "kv: setnx %s", key)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return eris.Wrapf(r.client.Del(ctx, key).Err(), "kv: del %s", key)
}

func (r *Redis) DelIfEquals(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfEquals.Run(ctx, r.client, []string{key}, string(value)).Int()
	if err != nil {
		return false, eris.Wrapf(err, "kv: del-if-equals %s", key)
	}
	return n == 1, nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "kv: incrby %s", key)
	}
	return incr.Val(), nil
}

func (r *Redis) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "kv: get counter %s", key)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "kv: counter %s is not numeric", key)
	}
	return n, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
