package models

import "time"

// MetricsSnapshot summarises process counters for the admin metrics endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	TokenVerifications       uint64    `json:"token_verifications"`
	TokenRejections          uint64    `json:"token_rejections"`
	RevocationRegistryErrors uint64    `json:"revocation_registry_errors"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
