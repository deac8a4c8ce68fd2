// Package contextmgr turns per-session streams of terminal output into
// bounded context windows for AI requests.
//
// Manager is the only entry point: it owns the session registry and the
// window cache, and no caller gets direct access to either.
package contextmgr

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hpungsan/termctx/internal/cache"
	"github.com/hpungsan/termctx/internal/config"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/session"
	"github.com/hpungsan/termctx/internal/tokens"
	"github.com/hpungsan/termctx/internal/window"
)

// Event is one chunk of captured output.
type Event struct {
	SessionID string
	Chunk     string

	// Timestamp is when the chunk was captured; zero means now
	Timestamp time.Time
}

// Context is the window returned for one request.
type Context struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	LineCount  int    `json:"line_count"`
	TokenCount int    `json:"token_count"`

	// Version is the buffer version the window was computed from
	Version uint64 `json:"version"`

	// Cached reports whether the window came from the cache. Not serialized:
	// a hit renders byte-identical to the miss that filled it. Hit and miss
	// counts are reported in session stats.
	Cached bool `json:"-"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEstimator replaces the token estimator derived from the config.
func WithEstimator(est tokens.Estimator) Option {
	return func(m *Manager) { m.estimator = est }
}

// WithClock replaces the wall clock used for timestamps and cache expiry.
func WithClock(c cache.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager orchestrates line buffers, window extraction, token estimation
// and caching. Safe for concurrent use.
type Manager struct {
	registry  *session.Registry
	cache     *cache.Cache
	estimator tokens.Estimator
	clock     cache.Clock
	logger    *zap.Logger
	idleAfter time.Duration
	misses    singleflight.Group
}

// New validates cfg and builds a Manager. A positive sweep interval starts
// a background cache sweeper that runs until Close.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaultWindow, err := cfg.Window()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		idleAfter: cfg.IdleAfter(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = cache.WallClock{}
	}
	if m.estimator == nil {
		est, err := tokens.New(cfg.TokenEstimator, cfg.CharsPerToken)
		if err != nil {
			return nil, err
		}
		m.estimator = est
	}

	m.cache, err = cache.New(cache.Options{
		MaxEntries: cfg.MaxCacheEntries,
		TTL:        cfg.CacheTTL(),
		Shards:     cfg.CacheShards,
		Clock:      m.clock,
	})
	if err != nil {
		return nil, err
	}

	m.registry = session.NewRegistry(session.Options{
		BufferCapacity:  cfg.BufferCapacityLines,
		StripANSI:       cfg.StripANSIEnabled(),
		MaxPartialBytes: cfg.MaxPartialLineBytes,
		Window:          defaultWindow,
	})

	if interval := cfg.SweepInterval(); interval > 0 {
		m.cache.StartSweeper(context.Background(), interval, func(n int) {
			m.logger.Debug("swept expired windows", zap.Int("removed", n))
		})
	}

	m.logger.Debug("context manager ready",
		zap.Stringer("window", defaultWindow),
		zap.Int("buffer_capacity", cfg.BufferCapacityLines),
		zap.Int("max_cache_entries", cfg.MaxCacheEntries),
		zap.Duration("cache_ttl", cfg.CacheTTL()))
	return m, nil
}

// Close stops background work. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.cache.Close()
}

// OpenSession creates a session explicitly. An empty id generates one.
// Opening an existing live session returns its stats unchanged.
func (m *Manager) OpenSession(sessionID string) (session.Stats, error) {
	sessionID = session.NormalizeID(sessionID)
	if sessionID == "" {
		sessionID = session.NewID()
	}
	now := m.clock.Now()
	s, err := m.getOrCreate(sessionID, now)
	if err != nil {
		return session.Stats{}, err
	}
	return s.Stats(now, m.idleAfter), nil
}

// Ingest feeds a chunk of output to the session, creating it on first use.
// Complete lines are appended to the session buffer; a trailing partial line
// is held until a later chunk terminates it or Flush is called.
func (m *Manager) Ingest(sessionID, chunk string) error {
	return m.IngestEvent(Event{SessionID: sessionID, Chunk: chunk})
}

// IngestEvent is Ingest with an explicit capture timestamp.
func (m *Manager) IngestEvent(ev Event) error {
	sessionID := session.NormalizeID(ev.SessionID)
	at := ev.Timestamp
	if at.IsZero() {
		at = m.clock.Now()
	}

	s, err := m.getOrCreate(sessionID, at)
	if err != nil {
		return err
	}
	lines, err := s.Ingest(ev.Chunk)
	if err != nil {
		return err
	}

	tokenTotal := 0
	for _, l := range lines {
		tokenTotal += m.estimator.Estimate(l.Text)
	}
	s.Metadata().RecordIngest(len(lines), tokenTotal, at)
	return nil
}

// Flush appends the session's held partial line, if any, and reports how
// many lines were appended (0 or 1).
func (m *Manager) Flush(sessionID string) (int, error) {
	s, err := m.registry.Get(session.NormalizeID(sessionID))
	if err != nil {
		return 0, err
	}
	line, ok, err := s.Flush()
	if err != nil {
		return 0, err
	}
	if !ok {
		s.Metadata().Touch(m.clock.Now())
		return 0, nil
	}
	s.Metadata().RecordIngest(1, m.estimator.Estimate(line.Text), m.clock.Now())
	return 1, nil
}

// GetContext returns the current window for the session. override, when
// non-nil, replaces the session's window policy for this call only.
//
// For a fixed buffer version and policy, repeated calls return identical
// output until an Ingest changes the version or the cached window expires.
func (m *Manager) GetContext(sessionID string, override *window.Config) (*Context, error) {
	sessionID = session.NormalizeID(sessionID)
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	cfg := s.WindowConfig()
	if override != nil {
		if err := window.Validate(*override); err != nil {
			return nil, err
		}
		cfg = *override
	}

	key := cache.Key{
		SessionID:  sessionID,
		Version:    s.Buffer().Version(),
		ConfigHash: window.Hash(cfg),
	}

	if e, ok := m.cache.Get(key); ok {
		s.Metadata().RecordHit(m.clock.Now())
		return fromEntry(key, e), nil
	}

	// Concurrent misses on one key share a single extraction
	v, _, _ := m.misses.Do(flightKey(key), func() (any, error) {
		// Double-check: a flight that just finished may have filled the key
		if e, ok := m.cache.Get(key); ok {
			return fromEntry(key, e), nil
		}
		return m.compute(s, cfg), nil
	})
	c := *v.(*Context)
	if c.Cached {
		s.Metadata().RecordHit(m.clock.Now())
	} else {
		s.Metadata().RecordMiss(m.clock.Now())
	}
	return &c, nil
}

func fromEntry(key cache.Key, e cache.Entry) *Context {
	return &Context{
		SessionID:  key.SessionID,
		Text:       e.Text,
		LineCount:  e.LineCount,
		TokenCount: e.TokenCount,
		Version:    key.Version,
		Cached:     true,
	}
}

func (m *Manager) compute(s *session.Session, cfg window.Config) *Context {
	snap := s.Buffer().Snapshot()
	res := window.Extract(snap, cfg, m.estimator)
	tokenCount := m.estimator.Estimate(res.Text)

	// Key on the snapshot's version; appends after the key was built must
	// not be cached under the older version
	key := cache.Key{SessionID: s.ID(), Version: res.Version, ConfigHash: window.Hash(cfg)}
	m.cache.Put(key, res.Text, tokenCount, res.LineCount)
	if s.Ended() {
		m.cache.InvalidateSession(s.ID())
	}

	m.logger.Debug("computed context window",
		zap.String("session_id", s.ID()),
		zap.Uint64("version", res.Version),
		zap.Stringer("window", cfg),
		zap.Int("lines", res.LineCount),
		zap.Int("tokens", tokenCount))

	return &Context{
		SessionID:  s.ID(),
		Text:       res.Text,
		LineCount:  res.LineCount,
		TokenCount: tokenCount,
		Version:    res.Version,
	}
}

func flightKey(k cache.Key) string {
	return k.SessionID + "\x00" + strconv.FormatUint(k.Version, 10) + "\x00" + strconv.FormatUint(k.ConfigHash, 16)
}

// SetWindowConfig validates cfg and makes it the session's default window
// policy, creating the session on first use. An invalid cfg leaves the
// previous policy untouched.
func (m *Manager) SetWindowConfig(sessionID string, cfg window.Config) error {
	if err := window.Validate(cfg); err != nil {
		return err
	}
	s, err := m.getOrCreate(session.NormalizeID(sessionID), m.clock.Now())
	if err != nil {
		return err
	}
	if err := s.SetWindowConfig(cfg); err != nil {
		return err
	}
	m.logger.Debug("window config set", zap.String("session_id", s.ID()), zap.Stringer("window", cfg))
	return nil
}

// WindowConfig returns the session's default window policy.
func (m *Manager) WindowConfig(sessionID string) (window.Config, error) {
	s, err := m.registry.Get(session.NormalizeID(sessionID))
	if err != nil {
		return window.Config{}, err
	}
	return s.WindowConfig(), nil
}

// EndSession releases the session's buffer, drops its cached windows and
// returns its final stats. Every later operation on the id fails with
// SESSION_NOT_FOUND.
func (m *Manager) EndSession(sessionID string) (session.Stats, error) {
	sessionID = session.NormalizeID(sessionID)
	now := m.clock.Now()
	s, err := m.registry.End(sessionID, now)
	if err != nil {
		return session.Stats{}, err
	}
	removed := m.cache.InvalidateSession(sessionID)

	st := s.Stats(now, m.idleAfter)
	m.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Int64("lines_ingested", st.TotalLinesIngested),
		zap.Int64("cache_hits", st.CacheHits),
		zap.Int64("cache_misses", st.CacheMisses),
		zap.Int("cache_entries_dropped", removed))
	return st, nil
}

// Stats returns the session's metadata.
func (m *Manager) Stats(sessionID string) (session.Stats, error) {
	s, err := m.registry.Get(session.NormalizeID(sessionID))
	if err != nil {
		return session.Stats{}, err
	}
	return s.Stats(m.clock.Now(), m.idleAfter), nil
}

// Sessions returns stats for every live session, ordered by id.
func (m *Manager) Sessions() []session.Stats {
	now := m.clock.Now()
	live := m.registry.List()
	out := make([]session.Stats, len(live))
	for i, s := range live {
		out[i] = s.Stats(now, m.idleAfter)
	}
	return out
}

// CachedWindows returns the number of windows currently held in the cache.
func (m *Manager) CachedWindows() int {
	return m.cache.Len()
}

func (m *Manager) getOrCreate(sessionID string, now time.Time) (*session.Session, error) {
	s, created, err := m.registry.GetOrCreate(sessionID, now)
	if err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) && !errors.Is(err, errors.ErrInvalidRequest) {
			m.logger.Warn("session create failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, err
	}
	if created {
		m.logger.Debug("session created", zap.String("session_id", sessionID))
	}
	return s, nil
}
