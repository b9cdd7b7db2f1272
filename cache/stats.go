package cache

import (
	"context"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Stats summarises store usage as reported by INFO.
type Stats struct {
	UsedMemory               string  `json:"used_memory"`
	UsedMemoryPeak           string  `json:"used_memory_peak"`
	TotalConnectionsReceived int64   `json:"total_connections_received"`
	TotalCommandsProcessed   int64   `json:"total_commands_processed"`
	InstantaneousOpsPerSec   int64   `json:"instantaneous_ops_per_sec"`
	KeyspaceHits             int64   `json:"keyspace_hits"`
	KeyspaceMisses           int64   `json:"keyspace_misses"`
	HitRate                  float64 `json:"hit_rate"` // Percentage, two decimals
}

// Stats reads usage statistics from the store. Failures return zero Stats.
func (s *Store) Stats(ctx context.Context) Stats {
	var info map[string]map[string]string
	err := s.Exec(ctx, func(ctx context.Context, c *redis.Client) error {
		var err error
		info, err = c.InfoMap(ctx).Result()
		return err
	})
	if err != nil {
		s.logger.Errorf("Failed to read Redis stats | Error: %v", err)
		return Stats{}
	}
	return statsFromInfo(info)
}

// statsFromInfo reads the fields from INFO sections keyed as the server
// names them ("Memory", "Stats").
func statsFromInfo(info map[string]map[string]string) Stats {
	field := func(key string) (string, bool) {
		for _, section := range info {
			if v, ok := section[key]; ok {
				return v, true
			}
		}
		return "", false
	}
	intField := func(key string) int64 {
		raw, _ := field(key)
		v, _ := strconv.ParseInt(raw, 10, 64)
		return v
	}
	strField := func(key string) string {
		if v, ok := field(key); ok {
			return v
		}
		return "N/A"
	}

	stats := Stats{
		UsedMemory:               strField("used_memory_human"),
		UsedMemoryPeak:           strField("used_memory_peak_human"),
		TotalConnectionsReceived: intField("total_connections_received"),
		TotalCommandsProcessed:   intField("total_commands_processed"),
		InstantaneousOpsPerSec:   intField("instantaneous_ops_per_sec"),
		KeyspaceHits:             intField("keyspace_hits"),
		KeyspaceMisses:           intField("keyspace_misses"),
	}
	if total := stats.KeyspaceHits + stats.KeyspaceMisses; total > 0 {
		stats.HitRate = math.Round(float64(stats.KeyspaceHits)/float64(total)*10000) / 100
	}
	return stats
}
