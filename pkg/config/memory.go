package config

import (
	"fmt"
	"time"
)

type IsolationMode string

const (
	IsolationStrict IsolationMode = "strict"
	IsolationShared IsolationMode = "shared"
)

type MemoryConfig struct {
	QuickTTL             time.Duration
	ReviewInterval       time.Duration
	MaxMemoryUnits       int
	QualityThreshold     float64
	CompressionWindow    time.Duration
	CompressionMinAge    time.Duration
	CompressionAttempts  int
	CompressionCooldown  time.Duration
	RetrievalTopK        int
	TokenBudgetLimit     int
	RecencyHalfLife      time.Duration
	Isolation            IsolationMode
	SharedScope          string
	TouchOnRead          bool
	ArchiveSearchback    bool
	RetentionGracePeriod time.Duration
	RetentionInterval    time.Duration
	RetrievalCacheTTL    time.Duration
	SweepLeaseTTL        time.Duration
	ClusterLeaseTTL      time.Duration
}

func loadMemoryConfig() MemoryConfig {
	return MemoryConfig{
		QuickTTL:             getEnvDuration("QUICK_TTL", 24*time.Hour),
		ReviewInterval:       getEnvDuration("GLOBAL_REVIEW_INTERVAL", time.Hour),
		MaxMemoryUnits:       getEnvInt("MAX_MEMORY_UNITS", 5000),
		QualityThreshold:     getEnvFloat("COMPRESSION_QUALITY_THRESHOLD", 0.6),
		CompressionWindow:    getEnvDuration("COMPRESSION_WINDOW", 30*time.Minute),
		CompressionMinAge:    getEnvDuration("COMPRESSION_MIN_AGE", 10*time.Minute),
		CompressionAttempts:  getEnvInt("COMPRESSION_MAX_ATTEMPTS", 3),
		CompressionCooldown:  getEnvDuration("COMPRESSION_EXEMPT_COOLDOWN", 6*time.Hour),
		RetrievalTopK:        getEnvInt("MEMORY_RETRIEVAL_TOP_K", 20),
		TokenBudgetLimit:     getEnvInt("TOKEN_BUDGET_LIMIT", 2048),
		RecencyHalfLife:      getEnvDuration("RECENCY_HALF_LIFE", 168*time.Hour),
		Isolation:            IsolationMode(getEnv("ISOLATION_MODE", "strict")),
		SharedScope:          getEnv("SHARED_SCOPE", "global"),
		TouchOnRead:          getEnvBool("TOUCH_ON_READ", false),
		ArchiveSearchback:    getEnvBool("ARCHIVE_SEARCH_FALLBACK", false),
		RetentionGracePeriod: getEnvDuration("RETENTION_GRACE_PERIOD", 720*time.Hour),
		RetentionInterval:    getEnvDuration("RETENTION_INTERVAL", 12*time.Hour),
		RetrievalCacheTTL:    getEnvDuration("RETRIEVAL_CACHE_TTL", 0),
		SweepLeaseTTL:        getEnvDuration("SWEEP_LEASE_TTL", 10*time.Minute),
		ClusterLeaseTTL:      getEnvDuration("CLUSTER_LEASE_TTL", 5*time.Minute),
	}
}

func (mc MemoryConfig) validate() error {
	if mc.QualityThreshold < 0 || mc.QualityThreshold > 1 {
		return fmt.Errorf("COMPRESSION_QUALITY_THRESHOLD must be in [0,1], got %f", mc.QualityThreshold)
	}
	if mc.QuickTTL <= 0 {
		return fmt.Errorf("QUICK_TTL must be positive")
	}
	if mc.ReviewInterval <= 0 {
		return fmt.Errorf("GLOBAL_REVIEW_INTERVAL must be positive")
	}
	if mc.MaxMemoryUnits <= 0 {
		return fmt.Errorf("MAX_MEMORY_UNITS must be positive")
	}
	if mc.RetrievalTopK <= 0 {
		return fmt.Errorf("MEMORY_RETRIEVAL_TOP_K must be positive")
	}
	if mc.TokenBudgetLimit <= 0 {
		return fmt.Errorf("TOKEN_BUDGET_LIMIT must be positive")
	}
	switch mc.Isolation {
	case IsolationStrict, IsolationShared:
	default:
		return fmt.Errorf("ISOLATION_MODE must be strict or shared, got %q", mc.Isolation)
	}
	if mc.Isolation == IsolationShared && mc.SharedScope == "" {
		return fmt.Errorf("SHARED_SCOPE is required when ISOLATION_MODE=shared")
	}
	return nil
}
