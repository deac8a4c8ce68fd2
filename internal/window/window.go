// Package window decides which suffix of a session's buffer is exposed as
// context for one request.
package window

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/hpungsan/termctx/internal/buffer"
	"github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/tokens"
)

// Mode selects how the window size is computed.
type Mode string

const (
	// ModeFixed exposes the last Value lines.
	ModeFixed Mode = "fixed"
	// ModePercentage exposes Value percent of the buffered lines.
	ModePercentage Mode = "percentage"
	// ModeAuto exposes as many recent lines as fit in a token budget of Value.
	ModeAuto Mode = "auto"
)

// Config is a window policy.
type Config struct {
	Mode  Mode `json:"mode"`
	Value int  `json:"value"`

	// MinLines is a floor for percentage and auto windows
	MinLines int `json:"min_lines,omitempty"`

	// MaxLines caps percentage and auto windows. 0 means no cap.
	MaxLines int `json:"max_lines,omitempty"`
}

// String renders the config for logs.
func (c Config) String() string {
	return fmt.Sprintf("%s:%d[min=%d,max=%d]", c.Mode, c.Value, c.MinLines, c.MaxLines)
}

// ParseMode maps user-facing spellings to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "fixed_lines", "fixedlines", "lines":
		return ModeFixed, nil
	case "percentage", "percent", "pct":
		return ModePercentage, nil
	case "auto", "tokens":
		return ModeAuto, nil
	default:
		return "", errors.NewConfiguration("window_mode", fmt.Sprintf("unknown mode %q; want fixed|percentage|auto", s))
	}
}

// Validate reports the first problem with c as a configuration error.
func Validate(c Config) error {
	switch c.Mode {
	case ModeFixed:
		if c.Value < 1 {
			return errors.NewConfiguration("window_value", fmt.Sprintf("fixed window needs at least 1 line, got %d", c.Value))
		}
	case ModePercentage:
		if c.Value < 1 || c.Value > 100 {
			return errors.NewConfiguration("window_value", fmt.Sprintf("percentage must be in [1,100], got %d", c.Value))
		}
	case ModeAuto:
		if c.Value < 1 {
			return errors.NewConfiguration("window_value", fmt.Sprintf("auto token budget must be at least 1, got %d", c.Value))
		}
	default:
		return errors.NewConfiguration("window_mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}

	if c.MinLines < 0 {
		return errors.NewConfiguration("min_lines", "must be >= 0")
	}
	if c.MaxLines < 0 {
		return errors.NewConfiguration("max_lines", "must be >= 0")
	}
	if c.MaxLines > 0 && c.MinLines > c.MaxLines {
		return errors.NewConfiguration("min_lines", fmt.Sprintf("min_lines %d exceeds max_lines %d", c.MinLines, c.MaxLines))
	}
	return nil
}

// Hash returns a stable 64-bit fingerprint of c for cache keys.
func Hash(c Config) uint64 {
	var buf [len(ModePercentage) + 1 + 24]byte
	n := copy(buf[:], c.Mode)
	buf[n] = 0
	n++
	binary.LittleEndian.PutUint64(buf[n:], uint64(int64(c.Value)))
	binary.LittleEndian.PutUint64(buf[n+8:], uint64(int64(c.MinLines)))
	binary.LittleEndian.PutUint64(buf[n+16:], uint64(int64(c.MaxLines)))
	sum := blake3.Sum256(buf[:n+24])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Result is the window computed from one snapshot.
type Result struct {
	Text      string
	LineCount int

	// Version is the buffer version of the snapshot the window came from
	Version uint64

	// FirstSeq and LastSeq bound the exposed lines; both 0 when empty
	FirstSeq uint64
	LastSeq  uint64
}

// Extract computes the window for snap under c. The estimator is only
// consulted in auto mode. An empty snapshot yields an empty result.
func Extract(snap buffer.Snapshot, c Config, est tokens.Estimator) Result {
	n := snap.Len()
	res := Result{Version: snap.Version}
	if n == 0 {
		return res
	}

	var l int
	switch c.Mode {
	case ModeFixed:
		l = min(c.Value, n)
	case ModePercentage:
		l = percentageLines(n, c)
	case ModeAuto:
		l = autoLines(snap.Lines, c, est)
	}
	if l <= 0 {
		return res
	}

	tail := snap.Lines[n-l:]
	res.Text = join(tail)
	res.LineCount = l
	res.FirstSeq = tail[0].Seq
	res.LastSeq = tail[l-1].Seq
	return res
}

func percentageLines(n int, c Config) int {
	l := int(math.Round(float64(n) * float64(c.Value) / 100))
	l = max(l, c.MinLines)
	if c.MaxLines > 0 {
		l = min(l, c.MaxLines)
	}
	return min(l, n)
}

// autoLines finds the longest suffix whose estimate fits the budget, never
// going below MinLines (or n when n is smaller). Binary search is equivalent
// to dropping oldest lines one at a time because estimates grow with text.
func autoLines(lines []buffer.Line, c Config, est tokens.Estimator) int {
	n := len(lines)
	hi := n
	if c.MaxLines > 0 {
		hi = min(hi, c.MaxLines)
	}
	floor := min(c.MinLines, hi)

	fits := func(l int) bool {
		if l == 0 {
			return true
		}
		return est.Estimate(join(lines[n-l:])) <= c.Value
	}
	if fits(hi) {
		return hi
	}

	// Invariant: fits(lo) or lo == floor; !fits(hi)
	lo := floor
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func join(lines []buffer.Line) string {
	size := len(lines) - 1
	for _, l := range lines {
		size += len(l.Text)
	}
	var sb strings.Builder
	sb.Grow(max(size, 0))
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.Text)
	}
	return sb.String()
}
