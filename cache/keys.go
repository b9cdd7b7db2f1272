package cache

// Key namespaces. Each store-backed primitive owns exactly one prefix so the
// logical keyspaces never collide on the shared store.
const (
	CachePrefix     = "cache:"
	LockPrefix      = "lock:"
	RateLimitPrefix = "rate_limit:"
	CounterPrefix   = "counter:"
	SessionPrefix   = "session:"
)

// ShareKey is the cache key for a share record.
func ShareKey(shareID string) string {
	return "share:" + shareID
}

// UserKey is the cache key for a user record.
func UserKey(userID string) string {
	return "user:" + userID
}
