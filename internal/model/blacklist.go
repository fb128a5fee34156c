package model

import "time"

// BlacklistEntry is a temporary, time-bounded exclusion for one pipeline.
// Persisted to disk; evicted lazily once Until has passed.
type BlacklistEntry struct {
	PipelineID PipelineID
	Until      time.Time
	Reason     string
	CreatedAt  time.Time
	BlockCount int // number of times blacklisted, used for extension
}

// Active reports whether this entry is in effect at t.
func (b BlacklistEntry) Active(t time.Time) bool {
	return t.Before(b.Until)
}

// RateLimitCounter tracks consecutive 429s for one pipeline.
type RateLimitCounter struct {
	PipelineID       PipelineID
	ConsecutiveCount int
	FirstFailureAt   time.Time
	LastFailureAt    time.Time
	ResetAt          time.Time
}

// Expired reports whether the consecutive run should be considered reset.
func (c RateLimitCounter) Expired(t time.Time) bool {
	return !c.ResetAt.IsZero() && t.After(c.ResetAt)
}

// BlockAction is the Blacklist Manager's decision for one 429.
type BlockAction string

const (
	BlockActionTemporary BlockAction = "temporary_block"
	BlockActionDestroy   BlockAction = "destroy"
)

// DestroyRule is an operator-configured pattern that, when it fires, causes
// a pipeline to be permanently dropped for the process lifetime. Disabled
// by default; opt-in per rule.
type DestroyRule struct {
	StatusCode    int
	ErrorPatterns []string
	Enabled       bool
}

// RateLimitRule configures the 429 ladder.
type RateLimitRule struct {
	BlockDuration          time.Duration
	MaxConsecutiveFailures int
	ResetInterval          time.Duration
}
