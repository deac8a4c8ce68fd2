package session

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// DefaultMaxPartialBytes bounds an unterminated line before it is emitted anyway.
const DefaultMaxPartialBytes = 64 * 1024

// Assembler reassembles complete lines from arbitrarily split chunks of
// terminal output. Not safe for concurrent use; Session serializes access.
type Assembler struct {
	pending         strings.Builder
	stripANSI       bool
	maxPartialBytes int
}

// NewAssembler creates an assembler. maxPartialBytes <= 0 selects the default.
func NewAssembler(stripANSI bool, maxPartialBytes int) *Assembler {
	if maxPartialBytes <= 0 {
		maxPartialBytes = DefaultMaxPartialBytes
	}
	return &Assembler{stripANSI: stripANSI, maxPartialBytes: maxPartialBytes}
}

// Feed consumes chunk and returns the lines it completes. The text after the
// last newline is held until a later Feed or Flush.
func (a *Assembler) Feed(chunk string) []string {
	var out []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		a.pending.WriteString(chunk[:i])
		out = append(out, a.take())
		chunk = chunk[i+1:]
	}
	a.pending.WriteString(chunk)

	if a.pending.Len() > a.maxPartialBytes {
		// Keep an incomplete trailing rune for the next chunk
		held := a.pending.String()
		cut := completeRunes(held)
		a.pending.Reset()
		a.pending.WriteString(held[:cut])
		out = append(out, a.take())
		a.pending.WriteString(held[cut:])
	}
	return out
}

// completeRunes returns the length of the longest prefix of s that does not
// end inside a multi-byte UTF-8 sequence. Invalid trailing bytes count as
// complete.
func completeRunes(s string) int {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if i == 0 || utf8.FullRuneInString(s[i:]) {
			return len(s)
		}
		return i
	}
	return len(s)
}

// Flush returns the held partial line, if any.
func (a *Assembler) Flush() (string, bool) {
	if a.pending.Len() == 0 {
		return "", false
	}
	return a.take(), true
}

// Pending returns the number of bytes held.
func (a *Assembler) Pending() int {
	return a.pending.Len()
}

func (a *Assembler) take() string {
	line := a.pending.String()
	a.pending.Reset()
	line = strings.TrimSuffix(line, "\r")
	if a.stripANSI {
		line = ansi.Strip(line)
	}
	return line
}
