package cache

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Tier is one cache layer. Keys reaching a tier are already namespaced.
type Tier interface {
	Name() string
	// Get returns the stored envelope and its remaining lifetime. A ttl of zero means
	// the tier does not know it.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteMatching removes keys matching glob ('*' is the only wildcard) and returns how many went.
	DeleteMatching(ctx context.Context, glob string) (int64, error)
}

// Tier names, also used as metric labels.
const (
	TierMemory  = "memory"
	TierRedis   = "redis"
	TierDurable = "durable"
)

// globMatcher compiles a '*'-only glob into an anchored matcher.
func globMatcher(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
