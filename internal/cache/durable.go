package cache

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// DurableTier is the L3 tier backed by the cache_entries table.
type DurableTier struct {
	repo repository.CacheEntryRepository
	now  func() time.Time
}

func NewDurableTier(repo repository.CacheEntryRepository, now func() time.Time) *DurableTier {
	if now == nil {
		now = time.Now
	}
	return &DurableTier{repo: repo, now: now}
}

func (d *DurableTier) Name() string { return TierDurable }

func (d *DurableTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	e, err := d.repo.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	left := e.ExpiresAt.Sub(d.now())
	if left <= 0 {
		return nil, 0, false, nil
	}
	return e.Value, left, true, nil
}

func (d *DurableTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return d.repo.Upsert(ctx, &entity.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: d.now().Add(ttl),
	})
}

func (d *DurableTier) Delete(ctx context.Context, key string) (bool, error) {
	n, err := d.repo.Delete(ctx, key)
	return n > 0, err
}

func (d *DurableTier) DeleteMatching(ctx context.Context, glob string) (int64, error) {
	return d.repo.DeleteMatching(ctx, glob)
}

// SweepExpired removes rows whose expiry has passed.
func (d *DurableTier) SweepExpired(ctx context.Context) (int64, error) {
	return d.repo.DeleteExpired(ctx)
}
