package contextmgr

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/hpungsan/termctx/internal/config"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/session"
	"github.com/hpungsan/termctx/internal/tokens"
	"github.com/hpungsan/termctx/internal/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BufferCapacityLines = 5
	cfg.WindowMode = "fixed"
	cfg.WindowValue = 3
	cfg.CacheTTLSeconds = 60
	cfg.SweepIntervalSeconds = -1
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock), WithLogger(zaptest.NewLogger(t))}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, clock
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCacheEntries = 0
	_, err := New(cfg)
	require.True(t, errors.Is(err, errors.ErrConfiguration), "got %v", err)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Ingest("s", "x\n"))
	w, err := m.WindowConfig("s")
	require.NoError(t, err)
	require.Equal(t, window.Config{Mode: window.ModeFixed, Value: 200}, w)
}

func TestIngest_CapacityEviction(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, m.Ingest("s1", s+"\n"))
	}

	ctx, err := m.GetContext("s1", &window.Config{Mode: window.ModeFixed, Value: 100})
	require.NoError(t, err)
	require.Equal(t, "c\nd\ne\nf\ng", ctx.Text)
	require.Equal(t, 5, ctx.LineCount)
	require.Equal(t, uint64(7), ctx.Version)
}

func TestGetContext_FixedWindow(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "p\nq\nr\ns\nt\n"))

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "r\ns\nt", ctx.Text)
	require.Equal(t, 3, ctx.LineCount)
	require.Equal(t, 2, ctx.TokenCount) // 5 code points / 4, rounded up
	require.False(t, ctx.Cached)
}

func TestGetContext_PercentageOfHundred(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacityLines = 100
	m, _ := newTestManager(t, cfg)

	var sb strings.Builder
	for i := 1; i <= 100; i++ {
		fmt.Fprintf(&sb, "%d\n", i)
	}
	require.NoError(t, m.Ingest("s1", sb.String()))

	ctx, err := m.GetContext("s1", &window.Config{Mode: window.ModePercentage, Value: 50})
	require.NoError(t, err)
	require.Equal(t, 50, ctx.LineCount)
	lines := strings.Split(ctx.Text, "\n")
	require.Equal(t, "51", lines[0])
	require.Equal(t, "100", lines[49])
}

func TestGetContext_AutoWindow(t *testing.T) {
	cfg := testConfig()
	cfg.WindowMode = "auto"
	cfg.WindowValue = 3 // tokens
	m, _ := newTestManager(t, cfg)

	require.NoError(t, m.Ingest("s1", "aaaa\nbbbb\ncccc\ndddd\n"))
	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	// "cccc\ndddd" is 9 code points (3 tokens); adding bbbb would need 4
	require.Equal(t, "cccc\ndddd", ctx.Text)
	require.Equal(t, 3, ctx.TokenCount)
}

func TestGetContext_RepeatIsCacheHit(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "one\ntwo\n"))

	first, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	second, err := m.GetContext("s1", nil)
	require.NoError(t, err)

	require.Equal(t, first.Text, second.Text)
	require.Equal(t, first.LineCount, second.LineCount)
	require.Equal(t, first.TokenCount, second.TokenCount)
	require.True(t, second.Cached)

	st, err := m.Stats("s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.CacheMisses)
	require.Equal(t, int64(1), st.CacheHits)
}

func TestGetContext_IngestInvalidatesCache(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "one\n"))

	_, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Ingest("s1", "two\n"))

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.False(t, ctx.Cached)
	require.Equal(t, "one\ntwo", ctx.Text)

	st, _ := m.Stats("s1")
	require.Equal(t, int64(2), st.CacheMisses)
	require.Equal(t, int64(0), st.CacheHits)
}

func TestGetContext_PartialChunkDoesNotInvalidate(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "one\n"))
	_, err := m.GetContext("s1", nil)
	require.NoError(t, err)

	// No terminator, so the buffer version is unchanged
	require.NoError(t, m.Ingest("s1", "partial"))
	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.True(t, ctx.Cached)
	require.Equal(t, "one", ctx.Text)
}

func TestGetContext_TTLExpiry(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "one\n"))

	_, err := m.GetContext("s1", nil)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.True(t, ctx.Cached)

	clock.Advance(time.Second)
	ctx, err = m.GetContext("s1", nil)
	require.NoError(t, err)
	require.False(t, ctx.Cached)
	require.Equal(t, "one", ctx.Text)
}

func TestGetContext_OverrideCachedSeparately(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "a\nb\nc\nd\n"))

	def, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	one, err := m.GetContext("s1", &window.Config{Mode: window.ModeFixed, Value: 1})
	require.NoError(t, err)

	require.Equal(t, "b\nc\nd", def.Text)
	require.Equal(t, "d", one.Text)
	require.False(t, one.Cached)

	// Override does not change the session default
	again, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, def.Text, again.Text)
}

func TestGetContext_InvalidOverride(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "a\n"))

	_, err := m.GetContext("s1", &window.Config{Mode: window.ModePercentage, Value: 0})
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestGetContext_EmptySession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.OpenSession("s1")
	require.NoError(t, err)

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "", ctx.Text)
	require.Equal(t, 0, ctx.LineCount)
	require.Equal(t, 0, ctx.TokenCount)
}

func TestGetContext_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.GetContext("missing", nil)
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestEmptySessionIDRejected(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	require.True(t, errors.Is(m.Ingest("", "x\n"), errors.ErrInvalidRequest))
	require.True(t, errors.Is(m.Ingest("   ", "x\n"), errors.ErrInvalidRequest))
	_, err := m.GetContext("", nil)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	err = m.SetWindowConfig("", window.Config{Mode: window.ModeFixed, Value: 1})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	require.Empty(t, m.Sessions())
}

func TestSetWindowConfig(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "a\nb\nc\nd\n"))

	require.NoError(t, m.SetWindowConfig("s1", window.Config{Mode: window.ModeFixed, Value: 2}))
	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "c\nd", ctx.Text)

	invalid := []window.Config{
		{Mode: window.ModeFixed, Value: 0},
		{Mode: window.ModePercentage, Value: 101},
		{Mode: window.ModePercentage, Value: 50, MinLines: 9, MaxLines: 2},
		{Mode: "bogus", Value: 1},
	}
	for _, c := range invalid {
		err := m.SetWindowConfig("s1", c)
		require.True(t, errors.Is(err, errors.ErrConfiguration), "%s: got %v", c, err)
	}

	w, err := m.WindowConfig("s1")
	require.NoError(t, err)
	require.Equal(t, window.Config{Mode: window.ModeFixed, Value: 2}, w)
}

func TestSetWindowConfig_CreatesSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.SetWindowConfig("new", window.Config{Mode: window.ModePercentage, Value: 10}))

	st, err := m.Stats("new")
	require.NoError(t, err)
	require.Equal(t, session.StateCreated, st.State)
}

func TestEndSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "a\nb\n"))
	require.NoError(t, m.Ingest("s2", "z\n"))
	_, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	_, err = m.GetContext("s2", nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.CachedWindows())

	st, err := m.EndSession("s1")
	require.NoError(t, err)
	require.Equal(t, session.StateEnded, st.State)
	require.Equal(t, int64(2), st.TotalLinesIngested)
	require.NotNil(t, st.EndedAt)
	require.Equal(t, 1, m.CachedWindows())

	require.True(t, errors.Is(m.Ingest("s1", "c\n"), errors.ErrSessionNotFound))
	_, err = m.GetContext("s1", nil)
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))
	_, err = m.Flush("s1")
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))
	_, err = m.EndSession("s1")
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))
	_, err = m.OpenSession("s1")
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))
	err = m.SetWindowConfig("s1", window.Config{Mode: window.ModeFixed, Value: 1})
	require.True(t, errors.Is(err, errors.ErrSessionNotFound))

	// Other sessions unaffected
	ctx, err := m.GetContext("s2", nil)
	require.NoError(t, err)
	require.True(t, ctx.Cached)
}

func TestFlush(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("s1", "done\nuser@host:~$ "))

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "done", ctx.Text)

	n, err := m.Flush("s1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ctx, err = m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "done\nuser@host:~$ ", ctx.Text)

	n, err = m.Flush("s1")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	st, _ := m.Stats("s1")
	require.Equal(t, int64(2), st.TotalLinesIngested)
}

func TestIngest_ChunkReassemblyAndANSI(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	for _, chunk := range []string{"\x1b[32mok", "\x1b[0m: bui", "ld\r\nnext\r", "\n"} {
		require.NoError(t, m.Ingest("s1", chunk))
	}

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, "ok: build\nnext", ctx.Text)
}

func TestIngestEvent_Metadata(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	captured := clock.Now().Add(5 * time.Second)

	require.NoError(t, m.IngestEvent(Event{SessionID: "s1", Chunk: "12345678\nabcd\n", Timestamp: captured}))

	st, err := m.Stats("s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), st.TotalLinesIngested)
	require.Equal(t, int64(3), st.TotalTokensEstimated) // 2 + 1
	require.Equal(t, captured, st.LastActivityAt)
	require.Equal(t, clock.Now().Add(5*time.Second), st.StartedAt)
	require.Equal(t, session.StateActive, st.State)
	require.Equal(t, 2, st.BufferedLines)
	require.Equal(t, 5, st.BufferCapacity)
}

func TestOpenSession_GeneratesID(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	st, err := m.OpenSession("")
	require.NoError(t, err)
	require.Len(t, st.SessionID, 26)
	require.Equal(t, session.StateCreated, st.State)

	again, err := m.OpenSession(st.SessionID)
	require.NoError(t, err)
	require.Equal(t, st.StartedAt, again.StartedAt)
}

func TestSessions_Listed(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Ingest("b", "x\n"))
	require.NoError(t, m.Ingest("a", "x\n"))

	all := m.Sessions()
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].SessionID)
	require.Equal(t, "b", all[1].SessionID)
}

func TestWithEstimator(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), WithEstimator(tokens.Func(func(s string) int { return len(s) })))
	require.NoError(t, m.Ingest("s1", "abc\n"))

	ctx, err := m.GetContext("s1", nil)
	require.NoError(t, err)
	require.Equal(t, 3, ctx.TokenCount)
}

func TestGetContext_ConcurrentMissesComputeOnce(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	est := tokens.Func(func(s string) int {
		calls.Add(1)
		<-gate
		return len(s)
	})
	m, _ := newTestManager(t, testConfig(), WithEstimator(est))

	// Ingest through a session-level path so the estimator is not called yet
	_, err := m.OpenSession("s1")
	require.NoError(t, err)
	s, err := m.registry.Get("s1")
	require.NoError(t, err)
	_, err = s.Ingest("a\nb\n")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Context, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, err := m.GetContext("s1", nil)
			if err != nil {
				t.Errorf("GetContext: %v", err)
				return
			}
			results[i] = ctx
		}(i)
	}

	// Let the first extraction block, then release it
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	hits := 0
	for _, r := range results {
		require.Equal(t, "a\nb", r.Text)
		if r.Cached {
			hits++
		}
	}
	// Late arrivals may hit the cache or share the flight; none recompute
	require.Equal(t, int64(1), calls.Load())

	// Each call is counted once, as a hit exactly when its result came from the cache
	st, err := m.Stats("s1")
	require.NoError(t, err)
	require.Equal(t, int64(callers), st.CacheHits+st.CacheMisses)
	require.Equal(t, int64(hits), st.CacheHits)
}

func TestGetContext_OneSessionNotLimitedToShardShare(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCacheEntries = 16
	cfg.CacheShards = 16
	m, _ := newTestManager(t, cfg)
	require.NoError(t, m.Ingest("s", "a\nb\nc\n"))

	one := &window.Config{Mode: window.ModeFixed, Value: 1}
	two := &window.Config{Mode: window.ModeFixed, Value: 2}

	_, err := m.GetContext("s", one)
	require.NoError(t, err)
	_, err = m.GetContext("s", two)
	require.NoError(t, err)
	require.Equal(t, 2, m.CachedWindows())

	again, err := m.GetContext("s", one)
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, "c", again.Text)

	st, err := m.Stats("s")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.CacheHits)
	require.Equal(t, int64(2), st.CacheMisses)
}

func TestConcurrentIngestAndGetContext(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacityLines = 50
	cfg.MaxCacheEntries = 16
	m, _ := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := m.Ingest("shared", fmt.Sprintf("p%d-%d\n", p, i)); err != nil {
					t.Errorf("Ingest: %v", err)
					return
				}
			}
		}(p)
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ctx, err := m.GetContext("shared", nil)
				if errors.Is(err, errors.ErrSessionNotFound) {
					continue
				}
				if err != nil {
					t.Errorf("GetContext: %v", err)
					return
				}
				if ctx.LineCount > 3 {
					t.Errorf("LineCount = %d, want <= 3", ctx.LineCount)
					return
				}
			}
		}()
	}
	wg.Wait()

	st, err := m.Stats("shared")
	require.NoError(t, err)
	require.Equal(t, int64(800), st.TotalLinesIngested)
	require.Equal(t, 50, st.BufferedLines)
	require.LessOrEqual(t, m.CachedWindows(), 16)
}

func TestNew_StartsAndStopsSweeper(t *testing.T) {
	cfg := testConfig()
	cfg.SweepIntervalSeconds = 1
	m, err := New(cfg)
	require.NoError(t, err)
	m.Close()
}
