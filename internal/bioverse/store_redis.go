package bioverse

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"tls"`
	// Prefix keeps this service's keys apart from other users of the database.
	Prefix string `yaml:"prefix"`
}

type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(cfg RedisConfig) (*redisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &redisStore{client: redis.NewClient(opts), prefix: cfg.Prefix}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Put stores without a redis TTL; expiry is enforced by the cache envelope and
// the sweep, the same as for leveldb.
func (r *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// deleteIfScript deletes KEYS[1] only while it still holds ARGV[1].
var deleteIfScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *redisStore) DeleteIf(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := deleteIfScript.Run(ctx, r.client, []string{r.prefix + key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	it := r.client.Scan(ctx, 0, escapeGlob(r.prefix+prefix)+"*", 200).Iterator()
	for it.Next(ctx) {
		full := it.Val()
		v, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			// deleted between SCAN and GET
			continue
		}
		if err != nil {
			return err
		}
		if !fn(full[len(r.prefix):], v) {
			return nil
		}
	}
	return it.Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the SCAN MATCH metacharacters in s so it matches literally.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
