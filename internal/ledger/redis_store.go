package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"topup-reconciler/internal/cache"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisStore keeps balances in the user hash and entries as JSON documents.
type RedisStore struct {
	redis *cache.Redis
}

var (
	_ BalanceStore = (*RedisStore)(nil)
	_ EntryStore   = (*RedisStore)(nil)
)

// NewRedisStore wraps the shared Redis client.
func NewRedisStore(r *cache.Redis) *RedisStore {
	return &RedisStore{redis: r}
}

// GetBalance reads the balance fields of the user document. A missing user has a zero balance.
func (s *RedisStore) GetBalance(ctx context.Context, userID string) (Balance, error) {
	vals, err := s.redis.Client().HMGet(ctx, cache.UserKey(userID),
		cache.FieldBalance, cache.FieldLastCreditRequest, cache.FieldLastCreditPrevious,
	).Result()
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}

	var b Balance
	if b.Amount, err = decimalField(vals[0]); err != nil {
		return Balance{}, fmt.Errorf("parse balance of %s: %w", userID, err)
	}
	if last, ok := vals[1].(string); ok {
		b.LastRequestID = last
	}
	if b.LastPrevious, err = decimalField(vals[2]); err != nil {
		return Balance{}, fmt.Errorf("parse previous balance of %s: %w", userID, err)
	}
	return b, nil
}

// SetBalance writes balance and credit marker in one HSET, so they change atomically.
func (s *RedisStore) SetBalance(ctx context.Context, userID string, b Balance) error {
	return s.redis.HSet(ctx, cache.UserKey(userID), map[string]any{
		cache.FieldBalance:            b.Amount.String(),
		cache.FieldLastCreditRequest:  b.LastRequestID,
		cache.FieldLastCreditPrevious: b.LastPrevious.String(),
	})
}

// UpsertEntry overwrites the entry document and indexes it under the user.
func (s *RedisStore) UpsertEntry(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	_, err = s.redis.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, cache.LedgerEntryKey(e.ID), data, 0)
		p.ZAdd(ctx, cache.LedgerUserIndexKey(e.UserID), redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: e.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry loads an entry by id.
func (s *RedisStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	ok, err := s.redis.GetJSON(ctx, cache.LedgerEntryKey(id), &e)
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

// ListEntries returns the user's entries oldest first.
func (s *RedisStore) ListEntries(ctx context.Context, userID string) ([]Entry, error) {
	ids, err := s.redis.Client().ZRange(ctx, cache.LedgerUserIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ledger index: %w", err)
	}
	res := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, *e)
	}
	return res, nil
}

func decimalField(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
