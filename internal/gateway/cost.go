package gateway

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CostTracker accumulates daily spend. Totals are approximate; they are
// stored as integer nano-dollars so increments stay atomic.
type CostTracker interface {
	Add(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, error)
	Total(ctx context.Context) (decimal.Decimal, error)
	Reset(ctx context.Context) error
}

var nanoPerUSD = decimal.New(1, 9)

func toNano(usd decimal.Decimal) int64 {
	return usd.Mul(nanoPerUSD).Round(0).IntPart()
}

func fromNano(n int64) decimal.Decimal {
	return decimal.New(n, -9)
}

type MemoryCostTracker struct {
	nano atomic.Int64
}

func NewMemoryCostTracker() *MemoryCostTracker {
	return &MemoryCostTracker{}
}

func (t *MemoryCostTracker) Add(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	return fromNano(t.nano.Add(toNano(usd))), nil
}

func (t *MemoryCostTracker) Total(ctx context.Context) (decimal.Decimal, error) {
	_ = ctx
	return fromNano(t.nano.Load()), nil
}

func (t *MemoryCostTracker) Reset(ctx context.Context) error {
	_ = ctx
	t.nano.Store(0)
	return nil
}

// RedisCostTracker shares one counter between replicas.
type RedisCostTracker struct {
	client *redis.Client
	key    string
}

func NewRedisCostTracker(client *redis.Client, key string) *RedisCostTracker {
	return &RedisCostTracker{client: client, key: key}
}

func (t *RedisCostTracker) Add(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, error) {
	n, err := t.client.IncrBy(ctx, t.key, toNano(usd)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return fromNano(n), nil
}

func (t *RedisCostTracker) Total(ctx context.Context) (decimal.Decimal, error) {
	raw, err := t.client.Get(ctx, t.key).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, err
	}
	return fromNano(n), nil
}

func (t *RedisCostTracker) Reset(ctx context.Context) error {
	return t.client.Set(ctx, t.key, 0, 0).Err()
}
