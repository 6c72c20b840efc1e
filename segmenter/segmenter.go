// Package segmenter turns a growing, repeatedly overwritten assistant reply
// into an ordered sequence of speakable segments. Text already handed out is
// never emitted again and fenced code blocks are never spoken.
package segmenter

import (
	"strings"
	"unicode/utf8"
)

const fence = "```"

// Segmenter holds the state for one assistant turn. It is not safe for
// concurrent use.
type Segmenter struct {
	latest string
	offset int
	inCode bool

	directiveDone bool
	header        string
	directive     *Directive
}

func New() *Segmenter {
	return &Segmenter{}
}

// Reset discards all state at a turn boundary.
func (s *Segmenter) Reset() {
	*s = Segmenter{}
}

// Directive returns the header parsed this turn, or nil.
func (s *Segmenter) Directive() *Directive { return s.directive }

// Latest returns the current best text with any directive header removed.
func (s *Segmenter) Latest() string { return s.latest }

// Offset returns how many bytes of Latest have been emitted or skipped.
func (s *Segmenter) Offset() int { return s.offset }

// Ingest adopts text as the newest version of the reply and returns the
// segments that became speakable.
func (s *Segmenter) Ingest(text string, isFinal bool) []string {
	if !s.directiveDone && text != "" {
		if strings.HasPrefix(text, "{") && !strings.Contains(text, "\n") && !isFinal {
			// Header may still be arriving.
			return nil
		}
		if d, header, ok := ParseDirective(text); ok {
			s.directive = d
			s.header = header
		}
		s.directiveDone = true
	}
	if s.header != "" {
		text = stripHeader(text, s.header)
	}

	s.reconcile(text)
	return s.scan(false, isFinal)
}

// stripHeader removes the directive line from a later version of the text.
// The line may have been rewritten since it was parsed, so any leading
// {...} line counts.
func stripHeader(text, header string) string {
	if strings.HasPrefix(text, header) {
		return text[len(header):]
	}
	if !strings.HasPrefix(text, "{") {
		return text
	}
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		// Rewritten header still arriving.
		return ""
	}
	if strings.HasSuffix(strings.TrimSpace(text[:nl]), "}") {
		return text[nl+1:]
	}
	return text
}

// Flush emits whatever remains unspoken. Called once at turn end.
func (s *Segmenter) Flush() []string {
	return s.scan(true, true)
}

func (s *Segmenter) reconcile(text string) {
	switch {
	case strings.HasPrefix(text, s.latest):
		s.latest = text
	case strings.HasPrefix(s.latest, text):
		s.latest = text
		if s.offset > len(text) {
			s.rewind(len(text))
		}
	default:
		lcp := commonPrefix(s.latest, text)
		s.latest = text
		if s.offset > lcp {
			s.rewind(lcp)
		}
	}
}

func (s *Segmenter) rewind(to int) {
	s.offset = to
	s.inCode = strings.Count(s.latest[:to], fence)%2 == 1
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	for i > 0 && i < len(b) && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}

// scan walks the unspoken tail of the text. Confirmed text (up to the last
// sentence boundary) is emitted; entering a code block closes the current
// segment. With force set the unconfirmed remainder is emitted too, as it is
// when the text is final and no boundary was found.
func (s *Segmenter) scan(force, final bool) []string {
	text := s.latest
	inCode := s.inCode

	var segs []string
	var cur, run strings.Builder
	end, endInCode := -1, inCode

	cut := func() {
		if t := squash(cur.String()); t != "" {
			segs = append(segs, t)
		}
		cur.Reset()
	}

	for i := s.offset; i < len(text); {
		if strings.HasPrefix(text[i:], fence) {
			if !inCode {
				cut()
			}
			inCode = !inCode
			i += len(fence)
			continue
		}
		c := text[i]
		i++
		if inCode {
			continue
		}
		run.WriteByte(c)
		if isBoundary(text, i-1, final) {
			cur.WriteString(run.String())
			run.Reset()
			end, endInCode = i, inCode
		}
	}

	if force || (final && end < 0) {
		cur.WriteString(run.String())
		end, endInCode = len(text), inCode
	}
	cut()

	if end >= 0 {
		s.offset = end
		s.inCode = endInCode
	}
	return segs
}

// isBoundary reports whether text[i] ends a sentence. Punctuation at the very
// end of a still-growing text is not yet a boundary ("3." may become "3.5").
func isBoundary(text string, i int, final bool) bool {
	switch text[i] {
	case '\n':
		return true
	case '.', '!', '?':
		if i+1 == len(text) {
			return final
		}
		switch text[i+1] {
		case ' ', '\t', '\r', '\n':
			return true
		}
		return strings.HasPrefix(text[i+1:], fence)
	}
	return false
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
