// Package session tracks per-session line buffers, line reassembly and
// metadata, and the registry that owns them.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/hpungsan/termctx/internal/buffer"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/window"
)

// Options configures new sessions.
type Options struct {
	BufferCapacity  int
	StripANSI       bool
	MaxPartialBytes int
	Window          window.Config
}

// Session is one logical terminal connection.
type Session struct {
	id   string
	buf  *buffer.Buffer
	meta *Metadata

	// mu serializes reassembly with buffer appends so the lines of one
	// chunk land contiguously
	mu     sync.Mutex
	asm    *Assembler
	window window.Config
	ended  bool
}

// New creates a session starting at now.
func New(id string, opts Options, now time.Time) (*Session, error) {
	buf, err := buffer.New(opts.BufferCapacity)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:     id,
		buf:    buf,
		meta:   NewMetadata(id, now),
		asm:    NewAssembler(opts.StripANSI, opts.MaxPartialBytes),
		window: opts.Window,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Buffer returns the session's line buffer.
func (s *Session) Buffer() *buffer.Buffer { return s.buf }

// Metadata returns the session's counters.
func (s *Session) Metadata() *Metadata { return s.meta }

// Ingest reassembles chunk into lines and appends the complete ones.
func (s *Session) Ingest(chunk string) ([]buffer.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, errors.NewSessionNotFound(s.id)
	}

	texts := s.asm.Feed(chunk)
	if len(texts) == 0 {
		return nil, nil
	}
	lines := make([]buffer.Line, len(texts))
	for i, t := range texts {
		lines[i] = s.buf.Append(t)
	}
	return lines, nil
}

// Flush appends the held partial line, if any.
func (s *Session) Flush() (buffer.Line, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return buffer.Line{}, false, errors.NewSessionNotFound(s.id)
	}

	text, ok := s.asm.Flush()
	if !ok {
		return buffer.Line{}, false, nil
	}
	return s.buf.Append(text), true, nil
}

// PendingBytes returns the size of the held partial line.
func (s *Session) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asm.Pending()
}

// WindowConfig returns the session's default window policy.
func (s *Session) WindowConfig() window.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// SetWindowConfig replaces the session's default window policy. The caller
// validates c first.
func (s *Session) SetWindowConfig(c window.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errors.NewSessionNotFound(s.id)
	}
	s.window = c
	return nil
}

// Ended reports whether the session has been ended.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Stats returns the session's metadata together with buffer occupancy.
func (s *Session) Stats(now time.Time, idleAfter time.Duration) Stats {
	st := s.meta.Stats(now, idleAfter)
	st.BufferedLines = s.buf.Len()
	st.BufferCapacity = s.buf.Cap()
	st.PendingBytes = s.PendingBytes()
	return st
}

func (s *Session) end(now time.Time) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.meta.Finalize(now)
}

// Registry maps session ids to live sessions. Ended ids stay reserved so
// they can never be revived.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]time.Time
	opts     Options
}

// NewRegistry creates an empty registry whose sessions use opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ended:    make(map[string]time.Time),
		opts:     opts,
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("session_id is required")
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewSessionNotFound(id)
	}
	return s, nil
}

// GetOrCreate returns the session for id, creating it at now on first use.
// created reports whether this call created it.
func (r *Registry) GetOrCreate(id string, now time.Time) (s *Session, created bool, err error) {
	if id == "" {
		return nil, false, errors.NewInvalidRequest("session_id is required")
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after taking the write lock
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	if _, ok := r.ended[id]; ok {
		return nil, false, errors.NewSessionNotFound(id)
	}

	s, err = New(id, r.opts, now)
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s
	return s, true, nil
}

// End removes the session for id and marks it ended.
func (r *Registry) End(id string, now time.Time) (*Session, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("session_id is required")
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.ended[id] = now
	}
	r.mu.Unlock()

	if !ok {
		return nil, errors.NewSessionNotFound(id)
	}
	s.end(now)
	return s, nil
}

// List returns live sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
