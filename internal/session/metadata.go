package session

import (
	"sync"
	"time"
)

// State is the lifecycle label of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateEnded   State = "ended"
)

// Stats is a point-in-time copy of a session's metadata.
type Stats struct {
	SessionID            string     `json:"session_id"`
	State                State      `json:"state"`
	StartedAt            time.Time  `json:"started_at"`
	LastActivityAt       time.Time  `json:"last_activity_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	TotalLinesIngested   int64      `json:"total_lines_ingested"`
	TotalTokensEstimated int64      `json:"total_tokens_estimated"`
	CacheHits            int64      `json:"cache_hits"`
	CacheMisses          int64      `json:"cache_misses"`
	BufferedLines        int        `json:"buffered_lines"`
	BufferCapacity       int        `json:"buffer_capacity"`
	PendingBytes         int        `json:"pending_bytes"`
}

// Metadata holds per-session counters and timestamps.
type Metadata struct {
	mu sync.Mutex

	id             string
	startedAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
	active         bool

	linesIngested   int64
	tokensEstimated int64
	cacheHits       int64
	cacheMisses     int64
}

// NewMetadata starts metadata for id at now.
func NewMetadata(id string, now time.Time) *Metadata {
	return &Metadata{
		id:             id,
		startedAt:      now,
		lastActivityAt: now,
	}
}

// RecordIngest adds ingested lines and their estimated tokens.
func (m *Metadata) RecordIngest(lines, tokens int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linesIngested += int64(lines)
	m.tokensEstimated += int64(tokens)
	m.touch(at)
}

// RecordHit counts a cache hit.
func (m *Metadata) RecordHit(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
	m.touch(at)
}

// RecordMiss counts a cache miss.
func (m *Metadata) RecordMiss(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
	m.touch(at)
}

// Touch marks activity without changing counters.
func (m *Metadata) Touch(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(at)
}

func (m *Metadata) touch(at time.Time) {
	m.active = true
	// Events may arrive with producer timestamps slightly out of order
	if at.After(m.lastActivityAt) {
		m.lastActivityAt = at
	}
}

// Finalize stamps the end time. Later calls keep the first end time.
func (m *Metadata) Finalize(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endedAt.IsZero() {
		m.endedAt = at
	}
}

// Stats returns a copy of the metadata. idleAfter > 0 labels sessions with
// no activity for that long as idle.
func (m *Metadata) Stats(now time.Time, idleAfter time.Duration) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		SessionID:            m.id,
		StartedAt:            m.startedAt,
		LastActivityAt:       m.lastActivityAt,
		TotalLinesIngested:   m.linesIngested,
		TotalTokensEstimated: m.tokensEstimated,
		CacheHits:            m.cacheHits,
		CacheMisses:          m.cacheMisses,
	}

	switch {
	case !m.endedAt.IsZero():
		ended := m.endedAt
		s.EndedAt = &ended
		s.State = StateEnded
	case !m.active:
		s.State = StateCreated
	case idleAfter > 0 && now.Sub(m.lastActivityAt) >= idleAfter:
		s.State = StateIdle
	default:
		s.State = StateActive
	}
	return s
}
