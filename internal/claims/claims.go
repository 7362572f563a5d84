// Package claims marks reports as "in evaluation" so concurrent verify calls
// and bulk runs never evaluate the same report at once.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mr1hm/report-verification/internal/repository"
)

// ErrClaimed is returned when another evaluation holds the report.
var ErrClaimed = errors.New("report already claimed")

type Claim interface {
	Release(ctx context.Context) error
}

type Claimer interface {
	// Acquire claims reportID or returns ErrClaimed.
	Acquire(ctx context.Context, reportID string) (Claim, error)
}

// StoreClaimer keeps claims in the report database. Expired claims can be
// taken over, so a crashed evaluator never blocks a report for longer than ttl.
type StoreClaimer struct {
	repo  repository.ClaimRepository
	owner string
	ttl   time.Duration
	clock clockwork.Clock
}

func NewStoreClaimer(repo repository.ClaimRepository, owner string, ttl time.Duration, clock clockwork.Clock) *StoreClaimer {
	return &StoreClaimer{repo: repo, owner: owner, ttl: ttl, clock: clock}
}

func (c *StoreClaimer) Acquire(ctx context.Context, reportID string) (Claim, error) {
	ok, err := c.repo.Claim(ctx, reportID, c.owner, c.clock.Now(), c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClaimed
	}
	return &storeClaim{repo: c.repo, reportID: reportID, owner: c.owner}, nil
}

type storeClaim struct {
	repo     repository.ClaimRepository
	reportID string
	owner    string
}

func (c *storeClaim) Release(ctx context.Context) error {
	return c.repo.Release(ctx, c.reportID, c.owner)
}

// RedisClaimer holds claims as redis locks, shared by every instance
// pointed at the same redis.
type RedisClaimer struct {
	locker *redislock.Client
	ttl    time.Duration
}

func NewRedisClaimer(client redislock.RedisClient, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{locker: redislock.New(client), ttl: ttl}
}

func (c *RedisClaimer) Acquire(ctx context.Context, reportID string) (Claim, error) {
	lock, err := c.locker.Obtain(ctx, lockKey(reportID), c.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("error obtaining claim for %s: %w", reportID, err)
	}
	return &redisClaim{lock: lock}, nil
}

type redisClaim struct {
	lock *redislock.Lock
}

func (c *redisClaim) Release(ctx context.Context) error {
	err := c.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		slog.Warn("claim expired before release", "key", c.lock.Key())
		return nil
	}
	return err
}

func lockKey(reportID string) string {
	return "claim:report:" + reportID
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
