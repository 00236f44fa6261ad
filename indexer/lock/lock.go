// Package lock provides per-epoch mutual exclusion between workers through
// Redis. Ownership is an atomic set-if-absent with an expiry; the completion
// table stays the authority on idempotence, so the lock value is an opaque
// token and holders are not identity-checked.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/config/params"
)

var log = logrus.WithField("prefix", "lock")

var (
	lockContentions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_lock_contentions_total",
		Help: "Number of epoch lock acquisitions lost to another worker.",
	})
	lockFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_lock_failures_total",
		Help: "Number of lock operations that failed against redis.",
	})
)

// lockToken is the opaque value stored under the lock key.
const lockToken = "processing"

// redisCmdable is the slice of the redis client the service uses.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Service hands out per-epoch locks under a namespaced key.
type Service struct {
	client    redisCmdable
	namespace string
}

// New connects a redis client from the configured URL and verifies it is
// reachable.
func New(ctx context.Context, cfg *params.Config) (*Service, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "could not reach redis")
	}
	log.WithField("addr", opts.Addr).Info("Connected to redis")
	return &Service{client: client, namespace: cfg.LockNamespace}, nil
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client redisCmdable, namespace string) *Service {
	return &Service{client: client, namespace: namespace}
}

// Key renders the lock key for an epoch.
func (s *Service) Key(epoch uint64) string {
	return fmt.Sprintf("lock:%s:epoch:%d", s.namespace, epoch)
}

// Acquire attempts to take the epoch lock for ttl. It returns true only when
// this caller now owns the lock; any redis failure reads as not-owned so two
// workers can never both believe they hold it.
func (s *Service) Acquire(ctx context.Context, epoch uint64, ttl time.Duration) bool {
	ok, err := s.client.SetNX(ctx, s.Key(epoch), lockToken, ttl).Result()
	if err != nil {
		lockFailures.Inc()
		log.WithError(err).WithField("epoch", epoch).Error("Lock acquisition failed, treating as held")
		return false
	}
	if !ok {
		lockContentions.Inc()
	}
	return ok
}

// Release removes the epoch lock unconditionally.
func (s *Service) Release(ctx context.Context, epoch uint64) {
	if err := s.client.Del(ctx, s.Key(epoch)).Err(); err != nil {
		lockFailures.Inc()
		log.WithError(err).WithField("epoch", epoch).Error("Could not release epoch lock, expiry will reclaim it")
	}
}

// Extend resets the lock's expiry for a pipeline running past its TTL
// budget. It reports whether the key still existed.
func (s *Service) Extend(ctx context.Context, epoch uint64, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.Key(epoch), ttl).Result()
	if err != nil {
		lockFailures.Inc()
		return false, errors.Wrapf(err, "could not extend lock for epoch %d", epoch)
	}
	return ok, nil
}
