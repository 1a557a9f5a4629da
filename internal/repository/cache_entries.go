package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

// CacheEntryRepository is the durable cache tier.
type CacheEntryRepository interface {
	// Get returns the live entry for key; expired rows are reported as not found.
	Get(ctx context.Context, key string) (*entity.CacheEntry, error)
	Upsert(ctx context.Context, entry *entity.CacheEntry) error
	Delete(ctx context.Context, key string) (int64, error)
	// DeleteMatching removes rows whose key matches glob, where '*' is the only wildcard.
	DeleteMatching(ctx context.Context, glob string) (int64, error)
	// DeleteExpired removes exactly the rows with expires_at <= now.
	DeleteExpired(ctx context.Context) (int64, error)
}

type cacheEntryRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewCacheEntryRepository(db *DB, logger *slog.Logger) CacheEntryRepository {
	return &cacheEntryRepo{
		db:     db,
		logger: logger,
	}
}

func (r *cacheEntryRepo) Get(ctx context.Context, key string) (*entity.CacheEntry, error) {
	now := r.db.utcNow()
	q, args := r.db.sql().Select("cache_key", "cache_value", "expires_at", "created_at").
		From(entsql.Table(tableCacheEntries)).
		Where(entsql.And(entsql.EQ("cache_key", key), entsql.GT("expires_at", now))).
		Query()

	var e entity.CacheEntry
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
		return rows.Scan(&e.Key, &e.Value, &e.ExpiresAt, &e.CreatedAt)
	})
	if err != nil {
		return nil, notFoundOr(err, "cache entry", key)
	}
	e.ExpiresAt, e.CreatedAt = e.ExpiresAt.UTC(), e.CreatedAt.UTC()
	// Guard against drivers that compare timestamps as text.
	if !e.ExpiresAt.After(now) {
		return nil, common.NotFoundErrorf("cache entry %s expired", key)
	}
	return &e, nil
}

func (r *cacheEntryRepo) Upsert(ctx context.Context, entry *entity.CacheEntry) error {
	now := r.db.utcNow()
	q, args := r.db.sql().Insert(tableCacheEntries).
		Columns("cache_key", "cache_value", "expires_at", "created_at").
		Values(entry.Key, entry.Value, entry.ExpiresAt.UTC(), now).
		OnConflict(
			entsql.ConflictColumns("cache_key"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("cache_value")
				u.SetExcluded("expires_at")
				u.SetExcluded("created_at")
			}),
		).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to write cache entry", "key", entry.Key, "error", err)
		return common.PersistenceError(fmt.Sprintf("write cache entry %s", entry.Key), err)
	}
	return nil
}

func (r *cacheEntryRepo) Delete(ctx context.Context, key string) (int64, error) {
	q, args := r.db.sql().Delete(tableCacheEntries).
		Where(entsql.EQ("cache_key", key)).
		Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		return 0, common.PersistenceError(fmt.Sprintf("delete cache entry %s", key), err)
	}
	return n, nil
}

func (r *cacheEntryRepo) DeleteMatching(ctx context.Context, glob string) (int64, error) {
	pattern := GlobToLike(glob)
	q, args := r.db.sql().Delete(tableCacheEntries).
		Where(entsql.P(func(b *entsql.Builder) {
			b.Ident("cache_key").WriteString(" LIKE ").Arg(pattern).WriteString(` ESCAPE '\'`)
		})).
		Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to delete cache entries by pattern", "pattern", glob, "error", err)
		return 0, common.PersistenceError(fmt.Sprintf("delete cache entries %s", glob), err)
	}
	r.logger.Debug("cache entries deleted by pattern", "pattern", glob, "rows", n)
	return n, nil
}

func (r *cacheEntryRepo) DeleteExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	q, args := r.db.sql().Delete(tableCacheEntries).
		Where(entsql.LTE("expires_at", r.db.utcNow())).
		Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to sweep expired cache entries", "error", err)
		return 0, common.PersistenceError("sweep cache entries", err)
	}
	r.logger.Info("expired cache entries swept", "rows", n, "elapsed_ms", time.Since(start).Milliseconds())
	return n, nil
}

// GlobToLike converts a '*' glob into a LIKE pattern escaped with backslash.
func GlobToLike(glob string) string {
	var b strings.Builder
	b.Grow(len(glob) + 4)
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
