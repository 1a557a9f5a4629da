package entity

import "time"

// CacheEntry is the durable (L3) copy of a cached value.
type CacheEntry struct {
	Key       string    `json:"cache_key"`
	Value     []byte    `json:"cache_value"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
