package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotObtained is returned when a Redis lock stays taken past the retry budget.
var ErrNotObtained = errors.New("lock not obtained")

// RedisOptions tunes Redis lock acquisition.
type RedisOptions struct {
	Prefix  string
	TTL     time.Duration
	Backoff time.Duration
	Retries int
}

// Redis is a Locker shared by every instance pointing at the same Redis.
type Redis struct {
	client *redislock.Client
	opts   RedisOptions
	logger logrus.FieldLogger
}

func NewRedis(rdb *redis.Client, opts RedisOptions, logger logrus.FieldLogger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "bomcost:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	if opts.Retries <= 0 {
		opts.Retries = 100
	}
	return &Redis{client: redislock.New(rdb), opts: opts, logger: logger}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := r.client.Obtain(ctx, r.opts.Prefix+key, r.opts.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.opts.Backoff), r.opts.Retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock %s: %w", key, ErrNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	return func() {
		// The lock may already have expired; Release reports that and the TTL
		// has freed the key either way.
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithField("key", key).WithError(err).Warn("release redis lock")
		}
	}, nil
}
