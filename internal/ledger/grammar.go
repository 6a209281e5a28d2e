package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// The ledger grammar, line oriented:
//
//	ledger   = { preamble } { block } .
//	block    = header [ metadata ] { bodyLine } .
//	header   = "##" sp "[" status "]" sp id [ sp ] ":" [ sp ] title .
//	status   = "OPEN" | "IN_PROGRESS" | "CLOSED" .
//	metadata = field { "|" field } .
//	field    = key ":" value .
//	key      = "priority" | "target" | "labels" | "attempts" .
//
// Any line starting with "## [" opens a new block, well formed or not, so a
// bad header never swallows the following task. Keys are lowercase and case
// sensitive: a description opening with "Target: cut p99 latency" stays
// description.

// syntaxError is a grammar failure at a 1-based column.
type syntaxError struct {
	col int
	msg string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("column %d: %s", e.col, e.msg)
}

// scanner walks a single line.
type scanner struct {
	src string
	pos int
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) col() int { return s.pos + 1 }

func (s *scanner) skipSpace() int {
	start := s.pos
	for !s.eof() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
	return s.pos - start
}

func (s *scanner) accept(lit string) bool {
	if strings.HasPrefix(s.src[s.pos:], lit) {
		s.pos += len(lit)
		return true
	}
	return false
}

func (s *scanner) takeWhile(pred func(byte) bool) string {
	start := s.pos
	for !s.eof() && pred(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) rest() string {
	r := s.src[s.pos:]
	s.pos = len(s.src)
	return r
}

func (s *scanner) fail(format string, args ...any) *syntaxError {
	return &syntaxError{col: s.col(), msg: fmt.Sprintf(format, args...)}
}

func isStatusChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || c == '_'
}

func isIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '/':
		return true
	}
	return false
}

// header is the parsed form of a block's first line.
type header struct {
	status Status
	id     string
	title  string

	// statusStart/statusEnd delimit the status token (byte offsets) so a
	// transition can rewrite it without touching the rest of the line.
	statusStart int
	statusEnd   int
}

// isHeaderLine reports whether line opens a block.
func isHeaderLine(line string) bool {
	rest, ok := strings.CutPrefix(line, "##")
	if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return false
	}
	return strings.HasPrefix(strings.TrimLeft(rest, " \t"), "[")
}

func parseHeader(line string) (header, *syntaxError) {
	s := &scanner{src: line}
	var h header

	if !s.accept("##") {
		return h, s.fail("expected \"##\"")
	}
	if s.skipSpace() == 0 {
		return h, s.fail("expected space after \"##\"")
	}
	if !s.accept("[") {
		return h, s.fail("expected \"[\"")
	}
	h.statusStart = s.pos
	tok := s.takeWhile(isStatusChar)
	h.statusEnd = s.pos
	if !s.accept("]") {
		return h, s.fail("expected \"]\" after status")
	}
	status, ok := ParseStatus(tok)
	if !ok {
		return h, &syntaxError{col: h.statusStart + 1, msg: fmt.Sprintf("unknown status %q", tok)}
	}
	h.status = status

	if s.skipSpace() == 0 {
		return h, s.fail("expected space after status")
	}
	h.id = s.takeWhile(isIDChar)
	if h.id == "" {
		return h, s.fail("expected task id")
	}
	s.skipSpace()
	if !s.accept(":") {
		return h, s.fail("expected \":\" after id %q", h.id)
	}
	s.skipSpace()
	h.title = strings.TrimSpace(s.rest())
	if h.title == "" {
		return h, s.fail("missing title")
	}
	return h, nil
}

const (
	keyPriority = "priority"
	keyTarget   = "target"
	keyLabels   = "labels"
	keyAttempts = "attempts"
)

// metadata is the parsed form of the optional row below a header.
type metadata struct {
	priority int
	target   string
	labels   []string
	attempts int
}

func defaultMetadata() metadata {
	return metadata{priority: DefaultPriority}
}

func isMetaKey(k string) bool {
	switch k {
	case keyPriority, keyTarget, keyLabels, keyAttempts:
		return true
	}
	return false
}

// isMetadataLine reports whether line is a metadata row rather than
// description text: it must start with a known lowercase key followed by ':'.
func isMetadataLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	key, _, ok := strings.Cut(trimmed, ":")
	if !ok {
		return false
	}
	return isMetaKey(strings.TrimSpace(key))
}

func parseMetadata(line string) (metadata, *syntaxError) {
	m := defaultMetadata()
	offset := 0
	seen := make(map[string]bool)

	for _, field := range strings.Split(line, "|") {
		col := offset + 1
		offset += len(field) + 1

		if strings.TrimSpace(field) == "" {
			continue
		}
		rawKey, value, ok := strings.Cut(field, ":")
		if !ok {
			return m, &syntaxError{col: col, msg: fmt.Sprintf("expected key: value, got %q", strings.TrimSpace(field))}
		}
		key := strings.TrimSpace(rawKey)
		value = strings.TrimSpace(value)
		if !isMetaKey(key) {
			return m, &syntaxError{col: col, msg: fmt.Sprintf("unknown metadata key %q", key)}
		}
		if seen[key] {
			return m, &syntaxError{col: col, msg: fmt.Sprintf("duplicate metadata key %q", key)}
		}
		seen[key] = true

		switch key {
		case keyPriority:
			p, err := strconv.Atoi(value)
			if err != nil || p < MinPriority || p > MaxPriority {
				return m, &syntaxError{col: col, msg: fmt.Sprintf("priority must be %d-%d, got %q", MinPriority, MaxPriority, value)}
			}
			m.priority = p
		case keyTarget:
			if strings.ContainsAny(value, " \t") {
				return m, &syntaxError{col: col, msg: fmt.Sprintf("target must be a single path or repo name, got %q", value)}
			}
			m.target = value
		case keyLabels:
			m.labels = splitLabels(value)
		case keyAttempts:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return m, &syntaxError{col: col, msg: fmt.Sprintf("attempts must be a non-negative integer, got %q", value)}
			}
			m.attempts = n
		}
	}
	return m, nil
}

func splitLabels(value string) []string {
	var labels []string
	for _, l := range strings.Split(value, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// renderMetadata is the canonical form written back by transitions.
func renderMetadata(t *Task) string {
	parts := []string{fmt.Sprintf("%s: %d", keyPriority, t.Priority)}
	if t.Target != "" {
		parts = append(parts, fmt.Sprintf("%s: %s", keyTarget, t.Target))
	}
	if len(t.Labels) > 0 {
		parts = append(parts, fmt.Sprintf("%s: %s", keyLabels, strings.Join(t.Labels, ", ")))
	}
	if t.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("%s: %d", keyAttempts, t.Attempts))
	}
	return strings.Join(parts, " | ")
}
