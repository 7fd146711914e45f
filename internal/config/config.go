// Package config provides application configuration, database-backed with
// environment-variable overrides, grounded on bborn/workflow's
// internal/config.Config shape (load-once struct plus getter/setter pairs
// that persist through internal/db settings).
package config

import (
	"os"
	"strconv"

	"github.com/bborn/mailassist/internal/db"
)

// Setting keys, mirrored 1:1 to the env var names in spec §6 so operators
// can override either the settings table or the process environment.
const (
	KeyPollingIntervalSeconds       = "POLLING_INTERVAL_SECONDS"
	KeyPollMaxResults               = "POLL_MAX_RESULTS"
	KeyMaxContextTokens             = "MAX_CONTEXT_TOKENS"
	KeyThreadHistoryLimit           = "THREAD_HISTORY_LIMIT"
	KeyShortThreadK                 = "SHORT_THREAD_K"
	KeyStandardK                    = "STANDARD_K"
	KeyLongThreadK                  = "LONG_THREAD_K"
	KeyIndexingBatchSize            = "INDEXING_BATCH_SIZE"
	KeyIndexingRateLimitDelaySecs   = "INDEXING_RATE_LIMIT_DELAY_SECONDS"
	KeyIndexingDaysBack             = "INDEXING_DAYS_BACK"
	KeyIndexingMaxRetries           = "INDEXING_MAX_RETRIES"
	KeyPriorityThreshold            = "PRIORITY_THRESHOLD"
	KeyMaxNodeRetries               = "MAX_NODE_RETRIES"
	KeyBackoffBaseSeconds           = "BACKOFF_BASE_SECONDS"
	KeyDraftMinLen                  = "DRAFT_MIN_LEN"
	KeyDraftMaxLen                  = "DRAFT_MAX_LEN"
	KeyResponseGenTargetSeconds     = "RESPONSE_GENERATION_TARGET_SECONDS"
	KeyContextRetrievalTargetSecs   = "CONTEXT_RETRIEVAL_TARGET_SECONDS"
)

// Config holds every tunable named in spec §6, loaded once at startup with
// defaults, then overridable at runtime through Set (persisted to
// internal/db settings) without a process restart.
type Config struct {
	db *db.DB

	PollingIntervalSeconds     int
	PollMaxResults             int
	MaxContextTokens           int
	ThreadHistoryLimit         int
	ShortThreadK               int
	StandardK                  int
	LongThreadK                int
	IndexingBatchSize          int
	IndexingRateLimitDelaySecs int
	IndexingDaysBack           int
	IndexingMaxRetries         int
	PriorityThreshold          int
	MaxNodeRetries             int
	BackoffBaseSeconds         int
	DraftMinLen                int
	DraftMaxLen                int
	ResponseGenTargetSeconds   int
	ContextRetrievalTargetSecs int
}

var defaults = map[string]int{
	KeyPollingIntervalSeconds:     120,
	KeyPollMaxResults:             50,
	KeyMaxContextTokens:           6500,
	KeyThreadHistoryLimit:         5,
	KeyShortThreadK:               7,
	KeyStandardK:                  3,
	KeyLongThreadK:                0,
	KeyIndexingBatchSize:          50,
	KeyIndexingRateLimitDelaySecs: 60,
	KeyIndexingDaysBack:           90,
	KeyIndexingMaxRetries:         3,
	KeyPriorityThreshold:          70,
	KeyMaxNodeRetries:             3,
	KeyBackoffBaseSeconds:         2,
	KeyDraftMinLen:                50,
	KeyDraftMaxLen:                2000,
	KeyResponseGenTargetSeconds:   8,
	KeyContextRetrievalTargetSecs: 3,
}

// New loads configuration from database settings, falling back to the
// process environment, falling back to the spec defaults.
func New(database *db.DB) *Config {
	c := &Config{db: database}
	c.PollingIntervalSeconds = c.resolveInt(KeyPollingIntervalSeconds)
	c.PollMaxResults = c.resolveInt(KeyPollMaxResults)
	c.MaxContextTokens = c.resolveInt(KeyMaxContextTokens)
	c.ThreadHistoryLimit = c.resolveInt(KeyThreadHistoryLimit)
	c.ShortThreadK = c.resolveInt(KeyShortThreadK)
	c.StandardK = c.resolveInt(KeyStandardK)
	c.LongThreadK = c.resolveInt(KeyLongThreadK)
	c.IndexingBatchSize = c.resolveInt(KeyIndexingBatchSize)
	c.IndexingRateLimitDelaySecs = c.resolveInt(KeyIndexingRateLimitDelaySecs)
	c.IndexingDaysBack = c.resolveInt(KeyIndexingDaysBack)
	c.IndexingMaxRetries = c.resolveInt(KeyIndexingMaxRetries)
	c.PriorityThreshold = c.resolveInt(KeyPriorityThreshold)
	c.MaxNodeRetries = c.resolveInt(KeyMaxNodeRetries)
	c.BackoffBaseSeconds = c.resolveInt(KeyBackoffBaseSeconds)
	c.DraftMinLen = c.resolveInt(KeyDraftMinLen)
	c.DraftMaxLen = c.resolveInt(KeyDraftMaxLen)
	c.ResponseGenTargetSeconds = c.resolveInt(KeyResponseGenTargetSeconds)
	c.ContextRetrievalTargetSecs = c.resolveInt(KeyContextRetrievalTargetSecs)
	return c
}

// resolveInt checks settings, then the environment, then the built-in
// default, in that order of precedence.
func (c *Config) resolveInt(key string) int {
	if v, ok, err := c.db.GetSetting(key); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaults[key]
}

// Set persists a runtime override and updates the live value, used by the
// adaptive-k feedback loop (spec §4.3 Open Question) and the operator CLI.
func (c *Config) Set(key string, value int) error {
	if err := c.db.SetSetting(key, strconv.Itoa(value)); err != nil {
		return err
	}
	switch key {
	case KeyPollingIntervalSeconds:
		c.PollingIntervalSeconds = value
	case KeyPollMaxResults:
		c.PollMaxResults = value
	case KeyMaxContextTokens:
		c.MaxContextTokens = value
	case KeyThreadHistoryLimit:
		c.ThreadHistoryLimit = value
	case KeyShortThreadK:
		c.ShortThreadK = value
	case KeyStandardK:
		c.StandardK = value
	case KeyLongThreadK:
		c.LongThreadK = value
	case KeyIndexingBatchSize:
		c.IndexingBatchSize = value
	case KeyIndexingRateLimitDelaySecs:
		c.IndexingRateLimitDelaySecs = value
	case KeyIndexingDaysBack:
		c.IndexingDaysBack = value
	case KeyIndexingMaxRetries:
		c.IndexingMaxRetries = value
	case KeyPriorityThreshold:
		c.PriorityThreshold = value
	case KeyMaxNodeRetries:
		c.MaxNodeRetries = value
	case KeyBackoffBaseSeconds:
		c.BackoffBaseSeconds = value
	case KeyDraftMinLen:
		c.DraftMinLen = value
	case KeyDraftMaxLen:
		c.DraftMaxLen = value
	case KeyResponseGenTargetSeconds:
		c.ResponseGenTargetSeconds = value
	case KeyContextRetrievalTargetSecs:
		c.ContextRetrievalTargetSecs = value
	}
	return nil
}

// AdaptiveK picks the semantic-search breadth for a thread based on its
// original length (before truncation to ThreadHistoryLimit): short threads
// lean on retrieval, long threads lean on the history already in context.
func (c *Config) AdaptiveK(threadLength int) int {
	switch {
	case threadLength < 3:
		return c.ShortThreadK
	case threadLength <= 5:
		return c.StandardK
	default:
		return c.LongThreadK
	}
}
