package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// saveIfHigher sets KEYS[1] to ARGV[1] only when it is above the stored value.
var saveIfHigher = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
    redis.call("SET", KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// Redis stores the checkpoint under relay:checkpoint:<contract>.
type Redis struct {
	client *redis.Client
	key    string
}

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedis(client *redis.Client, contract string) *Redis {
	return &Redis{client: client, key: Key(contract)}
}

// Key is the Redis key for a contract's checkpoint.
func Key(contract string) string {
	if contract == "" {
		contract = "default"
	}
	return "relay:checkpoint:" + strings.ToLower(contract)
}

func (r *Redis) Load(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	block, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: bad value %q: %w", v, err)
	}
	return block, nil
}

func (r *Redis) Save(ctx context.Context, block uint64) error {
	if err := saveIfHigher.Run(ctx, r.client, []string{r.key}, strconv.FormatUint(block, 10)).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
