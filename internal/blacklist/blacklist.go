// Package blacklist implements the Blacklist Manager:
// temporary time-bounded blocks, the 429 rate-limit ladder, operator
// destroy rules, and debounced JSON (+ optional Redis) persistence.
package blacklist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/model"
)

const defaultMaxBlacklistDuration = 5 * time.Minute

// Config tunes the ladder and persistence.
type Config struct {
	RateLimitRule        model.RateLimitRule
	DestroyRules         []model.DestroyRule
	MaxBlacklistDuration time.Duration
	DataDir              string // JSON state file lives at <DataDir>/blacklist.json
	DebounceInterval     time.Duration
	RedisClient          *redis.Client // optional; nil disables Redis mirroring
	RedisKeyPrefix       string
}

// DefaultConfig is a 1 minute 429 block, destroy on the 3rd consecutive
// 429 within 5 minutes, and a 5 minute cap on extended blocks.
func DefaultConfig() Config {
	return Config{
		RateLimitRule: model.RateLimitRule{
			BlockDuration:          time.Minute,
			MaxConsecutiveFailures: 3,
			ResetInterval:          5 * time.Minute,
		},
		MaxBlacklistDuration: defaultMaxBlacklistDuration,
		DataDir:              "data",
		DebounceInterval:     100 * time.Millisecond,
		RedisKeyPrefix:       "llm-router:blacklist:",
	}
}

// Status is the read-side view returned by Status.
type Status struct {
	Active              bool
	Until               time.Time
	Reason              string
	ConsecutiveFailures int
	Destroyed           bool
}

type state struct {
	Blocks    map[model.PipelineID]model.BlacklistEntry
	Counters  map[model.PipelineID]model.RateLimitCounter
	// Destroyed is process-lifetime only and is never written to the persisted
	// state file.
	Destroyed map[model.PipelineID]bool
}

func newState() *state {
	return &state{
		Blocks:    make(map[model.PipelineID]model.BlacklistEntry),
		Counters:  make(map[model.PipelineID]model.RateLimitCounter),
		Destroyed: make(map[model.PipelineID]bool),
	}
}

// persistedRateLimitCounter / persistedTemporaryBlock / persistedState are
// the on-disk state shapes: a timestamp plus two flat arrays.
type persistedRateLimitCounter struct {
	PipelineID       model.PipelineID `json:"pipelineId"`
	ConsecutiveCount int              `json:"consecutiveCount"`
	FirstFailureTime int64            `json:"firstFailureTime"`
	LastFailureTime  int64            `json:"lastFailureTime"`
	ResetAt          int64            `json:"resetAt"`
}

type persistedTemporaryBlock struct {
	PipelineID model.PipelineID `json:"pipelineId"`
	Reason     string           `json:"reason"`
	CreatedAt  int64            `json:"createdAt"`
	ExpiresAt  int64            `json:"expiresAt"`
	BlockCount int              `json:"blockCount"`
}

type persistedState struct {
	Timestamp         int64                       `json:"timestamp"`
	RateLimitCounters []persistedRateLimitCounter `json:"rateLimitCounters"`
	TemporaryBlocks   []persistedTemporaryBlock   `json:"temporaryBlocks"`
}

func toPersisted(s state, now time.Time) persistedState {
	out := persistedState{
		Timestamp:         now.UnixMilli(),
		RateLimitCounters: make([]persistedRateLimitCounter, 0, len(s.Counters)),
		TemporaryBlocks:   make([]persistedTemporaryBlock, 0, len(s.Blocks)),
	}
	for id, c := range s.Counters {
		out.RateLimitCounters = append(out.RateLimitCounters, persistedRateLimitCounter{
			PipelineID:       id,
			ConsecutiveCount: c.ConsecutiveCount,
			FirstFailureTime: c.FirstFailureAt.UnixMilli(),
			LastFailureTime:  c.LastFailureAt.UnixMilli(),
			ResetAt:          c.ResetAt.UnixMilli(),
		})
	}
	for id, b := range s.Blocks {
		out.TemporaryBlocks = append(out.TemporaryBlocks, persistedTemporaryBlock{
			PipelineID: id,
			Reason:     b.Reason,
			CreatedAt:  b.CreatedAt.UnixMilli(),
			ExpiresAt:  b.Until.UnixMilli(),
			BlockCount: b.BlockCount,
		})
	}
	return out
}

func fromPersisted(p persistedState) state {
	s := *newState()
	for _, c := range p.RateLimitCounters {
		s.Counters[c.PipelineID] = model.RateLimitCounter{
			PipelineID:       c.PipelineID,
			ConsecutiveCount: c.ConsecutiveCount,
			FirstFailureAt:   time.UnixMilli(c.FirstFailureTime),
			LastFailureAt:    time.UnixMilli(c.LastFailureTime),
			ResetAt:          time.UnixMilli(c.ResetAt),
		}
	}
	for _, b := range p.TemporaryBlocks {
		s.Blocks[b.PipelineID] = model.BlacklistEntry{
			PipelineID: b.PipelineID,
			Until:      time.UnixMilli(b.ExpiresAt),
			Reason:     b.Reason,
			CreatedAt:  time.UnixMilli(b.CreatedAt),
			BlockCount: b.BlockCount,
		}
	}
	return s
}

// Manager implements the Blacklist Manager. Safe for concurrent use.
type Manager struct {
	cfg Config
	log *logrus.Entry

	mu sync.Mutex // guards st; the state is small, a single mutex is simplest
	st *state

	mutations chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager constructs a Manager, rehydrating from the JSON state file if
// present, and starts the debounced persistence writer.
func NewManager(cfg Config, log *logrus.Logger) *Manager {
	if cfg.MaxBlacklistDuration <= 0 {
		cfg.MaxBlacklistDuration = defaultMaxBlacklistDuration
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = logrus.New()
	}

	m := &Manager{
		cfg:       cfg,
		log:       log.WithField("component", "blacklist"),
		st:        newState(),
		mutations: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.rehydrate()
	go m.writerLoop()
	return m
}

func (m *Manager) statePath() string {
	return filepath.Join(m.cfg.DataDir, "blacklist.json")
}

func (m *Manager) rehydrate() {
	path := m.statePath()
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithError(err).Warn("failed to read blacklist state file")
		}
		return
	}
	var loaded persistedState
	if err := json.Unmarshal(b, &loaded); err != nil {
		m.log.WithError(err).Warn("failed to parse blacklist state file, starting empty")
		return
	}
	rehydrated := fromPersisted(loaded)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, entry := range rehydrated.Blocks {
		// Expired temporary blocks are purged at load time.
		if entry.Active(now) {
			m.st.Blocks[id] = entry
		}
	}
	for id, c := range rehydrated.Counters {
		m.st.Counters[id] = c
	}
}

func (m *Manager) markDirty() {
	select {
	case m.mutations <- struct{}{}:
	default:
	}
}

// writerLoop is the single debounced persistence writer:
// it coalesces bursts of mutations into one write per DebounceInterval.
func (m *Manager) writerLoop() {
	defer close(m.doneCh)
	timer := time.NewTimer(m.cfg.DebounceInterval)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-m.mutations:
			if !pending {
				pending = true
				timer.Reset(m.cfg.DebounceInterval)
			}
		case <-timer.C:
			if pending {
				m.persist()
				pending = false
			}
		case <-m.stopCh:
			if pending {
				m.persist()
			}
			return
		}
	}
}

func (m *Manager) persist() {
	m.mu.Lock()
	snapshot := state{
		Blocks:   copyBlocks(m.st.Blocks),
		Counters: copyCounters(m.st.Counters),
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		m.log.WithError(err).Warn("failed to create blacklist data directory")
		return
	}
	b, err := json.MarshalIndent(toPersisted(snapshot, time.Now()), "", "  ")
	if err != nil {
		m.log.WithError(err).Warn("failed to marshal blacklist state")
		return
	}
	if err := os.WriteFile(m.statePath(), b, 0o644); err != nil {
		m.log.WithError(err).Warn("failed to write blacklist state file")
	}

	if m.cfg.RedisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.cfg.RedisClient.Set(ctx, m.cfg.RedisKeyPrefix+"state", b, 0).Err(); err != nil {
			m.log.WithError(err).Warn("failed to mirror blacklist state to redis")
		}
	}
}

func copyBlocks(in map[model.PipelineID]model.BlacklistEntry) map[model.PipelineID]model.BlacklistEntry {
	out := make(map[model.PipelineID]model.BlacklistEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCounters(in map[model.PipelineID]model.RateLimitCounter) map[model.PipelineID]model.RateLimitCounter {
	out := make(map[model.PipelineID]model.RateLimitCounter, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}


// Close stops the persistence writer, flushing any pending mutation.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// AddTemporaryBlock adds or extends a temporary block: re-blocking extends
// duration by the repeat count, capped at MaxBlacklistDuration.
func (m *Manager) AddTemporaryBlock(id model.PipelineID, duration time.Duration, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, had := m.st.Blocks[id]
	count := 1
	if had && existing.Active(now) {
		count = existing.BlockCount + 1
	}

	extended := duration * time.Duration(count)
	if extended > m.cfg.MaxBlacklistDuration {
		extended = m.cfg.MaxBlacklistDuration
	}

	m.st.Blocks[id] = model.BlacklistEntry{
		PipelineID: id,
		Until:      now.Add(extended),
		Reason:     reason,
		CreatedAt:  now,
		BlockCount: count,
	}
	m.markDirty()
}

// Status reports the pipeline's current block state, evicting expired
// blocks on read.
func (m *Manager) Status(id model.PipelineID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.Destroyed[id] {
		return Status{Destroyed: true}
	}

	entry, ok := m.st.Blocks[id]
	now := time.Now()
	if ok && entry.Active(now) {
		counter := m.st.Counters[id]
		return Status{Active: true, Until: entry.Until, Reason: entry.Reason, ConsecutiveFailures: counter.ConsecutiveCount}
	}
	if ok {
		delete(m.st.Blocks, id)
		m.markDirty()
	}
	return Status{}
}

// IsBlocked is a cheap boolean helper for the Execution Manager's
// healthy-and-not-blacklisted intersection.
func (m *Manager) IsBlocked(id model.PipelineID) bool {
	s := m.Status(id)
	return s.Active || s.Destroyed
}

// Handle429 advances the consecutive-429 ladder: temporary blocks for the
// first strikes, destroy at the threshold.
func (m *Manager) Handle429(id model.PipelineID) model.BlockAction {
	m.mu.Lock()
	now := time.Now()
	counter := m.st.Counters[id]
	if counter.Expired(now) {
		counter = model.RateLimitCounter{PipelineID: id}
	}
	if counter.ConsecutiveCount == 0 {
		counter.FirstFailureAt = now
	}
	counter.ConsecutiveCount++
	counter.LastFailureAt = now
	counter.ResetAt = now.Add(m.cfg.RateLimitRule.ResetInterval)
	m.st.Counters[id] = counter

	maxFailures := m.cfg.RateLimitRule.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	if counter.ConsecutiveCount >= maxFailures {
		m.st.Destroyed[id] = true
		delete(m.st.Counters, id)
		delete(m.st.Blocks, id)
		m.mu.Unlock()
		m.markDirty()
		m.log.WithField("pipeline", id).Warn("pipeline destroyed after consecutive rate limits")
		return model.BlockActionDestroy
	}
	m.mu.Unlock()

	blockDuration := m.cfg.RateLimitRule.BlockDuration
	if blockDuration <= 0 {
		blockDuration = time.Minute
	}
	m.AddTemporaryBlock(id, blockDuration, "rate_limit")
	return model.BlockActionTemporary
}

// ResetRateLimit clears the 429 streak, called on the first success after
// one.
func (m *Manager) ResetRateLimit(id model.PipelineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.Counters[id]; ok {
		delete(m.st.Counters, id)
		m.markDirty()
	}
}

// ShouldDestroyPipeline evaluates the operator-configured destroy rules.
// Rules are opt-in (Enabled==false by default); the first enabled rule
// that matches both status code and an error-message substring fires.
func (m *Manager) ShouldDestroyPipeline(status int, message string) bool {
	for _, rule := range m.cfg.DestroyRules {
		if !rule.Enabled {
			continue
		}
		if rule.StatusCode != 0 && rule.StatusCode != status {
			continue
		}
		if len(rule.ErrorPatterns) == 0 {
			return true
		}
		for _, pattern := range rule.ErrorPatterns {
			if pattern != "" && containsFold(message, pattern) {
				return true
			}
		}
	}
	return false
}

// Destroy removes counters and
// blacklist entries and marks the pipeline permanently dropped for the
// process lifetime. Callers emit the destroy event themselves.
func (m *Manager) Destroy(id model.PipelineID) {
	m.mu.Lock()
	m.st.Destroyed[id] = true
	delete(m.st.Counters, id)
	delete(m.st.Blocks, id)
	m.mu.Unlock()
	m.markDirty()
}

// IsDestroyed reports whether id has been permanently dropped.
func (m *Manager) IsDestroyed(id model.PipelineID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Destroyed[id]
}

// Unblock is the operator-triggered manual unblock. It clears an active
// temporary block
// only; the consecutive-429 streak is left intact deliberately, so an
// operator unblocking a pipeline that immediately rate-limits again still
// counts toward the eventual destroy threshold. It does not reverse a
// permanent Destroy.
func (m *Manager) Unblock(id model.PipelineID) {
	m.mu.Lock()
	delete(m.st.Blocks, id)
	m.mu.Unlock()
	m.markDirty()
}

func containsFold(haystack, needle string) bool {
	return len(needle) > 0 && indexFold(haystack, needle) >= 0
}

// indexFold is a tiny case-insensitive substring search, avoiding a
// strings.ToLower allocation per rule evaluation on the hot error path.
func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		matched := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}
