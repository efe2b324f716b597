package redis

import (
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/knadh/sagawidget/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	// Key overrides store.StorageKey.
	Key string `koanf:"key"`
}

// Redis represents the Redis implementation of the Store interface. The
// whole map lives under one key, so two processes sharing it overwrite
// each other (last write wins).
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	if cfg.Key == "" {
		cfg.Key = store.StorageKey
	}

	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Load gets the token map from Redis. A missing key is an empty map.
func (r *Redis) Load() (store.Tokens, error) {
	c := r.pool.Get()
	defer c.Close()

	b, err := redis.Bytes(c.Do("GET", r.cfg.Key))
	if err != nil {
		if err == redis.ErrNil {
			return store.Tokens{}, nil
		}
		return store.Tokens{}, err
	}
	return store.Decode(b)
}

// Save sets the token map in Redis.
func (r *Redis) Save(t store.Tokens) error {
	b, err := store.Encode(t)
	if err != nil {
		return err
	}

	c := r.pool.Get()
	defer c.Close()

	_, err = c.Do("SET", r.cfg.Key, b)
	return err
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
