// Package tagparse implements incremental detection of tag-based tool
// invocations inside a streamed text buffer.
//
// Detection is string containment, not XML parsing: the scanner looks for the
// opening marker of a registered tag, buffers until the matching closing
// marker, then extracts arguments per the tool's tag schema (attributes from
// the opening tag, elements from the body). Unregistered markup passes through
// as plain text.
//
// The scanner is stream-safe: markers split across token boundaries are held
// back rather than emitted as content, so callers can feed arbitrarily small
// fragments.
package tagparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandlabs/strand/runtime/agent/tools"
)

type (
	// Item is a unit recognized by the scanner.
	Item struct {
		// Kind discriminates the fields below.
		Kind ItemKind
		// Text is the content span when Kind == ItemText.
		Text string
		// Call is the parsed invocation when Kind == ItemCall. The call's ID
		// is left empty for the caller to assign.
		Call *tools.Call
		// Reason describes the problem when Kind == ItemMalformed.
		Reason string
		// Tag is the offending tag name when Kind == ItemMalformed.
		Tag string
	}

	// ItemKind enumerates scanner outputs.
	ItemKind int

	// Scanner incrementally recognizes tag calls in streamed text.
	Scanner struct {
		schemas map[string]tools.TagSchema
		buf     strings.Builder
		// inTag is the schema of the currently open tag call, nil while
		// accumulating text.
		inTag *tools.TagSchema
		// offset is the absolute position of buf's start within the turn.
		offset int
		// maxOpen is the longest opening-marker length across schemas,
		// bounding the text holdback.
		maxOpen int
	}
)

const (
	// ItemText is a span of plain assistant content.
	ItemText ItemKind = iota
	// ItemCall is a complete parsed tag invocation.
	ItemCall
	// ItemMalformed is an opening marker with no matching close (reported at
	// Flush) or an extraction failure.
	ItemMalformed
)

// NewScanner builds a scanner for the given tag schemas.
func NewScanner(schemas []tools.TagSchema) *Scanner {
	m := make(map[string]tools.TagSchema, len(schemas))
	maxOpen := 0
	for _, s := range schemas {
		m[s.TagName] = s
		if n := len(s.TagName) + 1; n > maxOpen {
			maxOpen = n
		}
	}
	return &Scanner{schemas: m, maxOpen: maxOpen}
}

// Write appends streamed text and returns the items recognized so far. Text
// items are emitted eagerly for low latency; only a bounded tail that could
// still begin a registered opening marker is held back.
func (s *Scanner) Write(text string) []Item {
	if text == "" {
		return nil
	}
	s.buf.WriteString(text)
	return s.scan(false)
}

// Flush terminates the stream: remaining held-back text is emitted, and an
// unclosed open tag is reported as malformed.
func (s *Scanner) Flush() []Item {
	items := s.scan(true)
	buf := s.buf.String()
	s.buf.Reset()
	if s.inTag != nil {
		items = append(items, Item{
			Kind:   ItemMalformed,
			Tag:    s.inTag.TagName,
			Reason: fmt.Sprintf("unbalanced tag: <%s> never closed", s.inTag.TagName),
		})
		s.inTag = nil
		return items
	}
	if buf != "" {
		items = append(items, Item{Kind: ItemText, Text: buf})
		s.offset += len(buf)
	}
	return items
}

// scan drains the buffer as far as the current state allows.
func (s *Scanner) scan(final bool) []Item {
	var items []Item
	for {
		buf := s.buf.String()
		if buf == "" {
			return items
		}

		if s.inTag != nil {
			closing := "</" + s.inTag.TagName + ">"
			end := strings.Index(buf, closing)
			if end < 0 {
				// Self-closing form has no body and no closing marker.
				if item, n, ok := s.trySelfClosing(buf); ok {
					items = append(items, item)
					s.consume(n)
					s.inTag = nil
					continue
				}
				return items
			}
			span := buf[:end+len(closing)]
			items = append(items, s.extract(*s.inTag, span))
			s.consume(len(span))
			s.inTag = nil
			continue
		}

		lt, schema := s.nextMarker(buf)
		if schema != nil {
			if lt > 0 {
				items = append(items, Item{Kind: ItemText, Text: buf[:lt]})
			}
			// Keep the opening marker in the buffer: extract reads the whole
			// span starting at the marker.
			s.consume(lt)
			s.inTag = schema
			continue
		}

		// No marker: emit everything except a tail that could still become
		// one as more tokens arrive.
		safe := len(buf)
		if !final {
			safe = s.safeEmit(buf)
		}
		if safe == 0 {
			return items
		}
		items = append(items, Item{Kind: ItemText, Text: buf[:safe]})
		s.consume(safe)
		if safe == len(buf) {
			return items
		}
	}
}

// nextMarker locates the earliest complete opening marker of a registered tag
// ("<name" followed by whitespace, '>' or '/'). Returns the marker offset and
// schema, or (0, nil) when none is present yet.
func (s *Scanner) nextMarker(buf string) (int, *tools.TagSchema) {
	best := -1
	var bestSchema tools.TagSchema
	for name, schema := range s.schemas {
		marker := "<" + name
		from := 0
		for from < len(buf) {
			i := strings.Index(buf[from:], marker)
			if i < 0 {
				break
			}
			pos := from + i
			after := pos + len(marker)
			if after >= len(buf) {
				// Marker at the buffer tail: could still be a longer,
				// different tag name. Wait for more tokens.
				break
			}
			valid := false
			switch buf[after] {
			case ' ', '\t', '\n', '\r', '>', '/':
				valid = true
			}
			if valid {
				if best < 0 || pos < best {
					best = pos
					bestSchema = schema
				}
				break
			}
			from = pos + 1
		}
	}
	if best < 0 {
		return 0, nil
	}
	return best, &bestSchema
}

// safeEmit returns the length of the buffer prefix that cannot be part of a
// not-yet-complete opening marker.
func (s *Scanner) safeEmit(buf string) int {
	lt := strings.LastIndexByte(buf, '<')
	if lt < 0 {
		return len(buf)
	}
	tail := buf[lt:]
	if len(tail) > s.maxOpen {
		return len(buf)
	}
	for name := range s.schemas {
		marker := "<" + name
		if strings.HasPrefix(marker, tail) || strings.HasPrefix(tail, marker) {
			return lt
		}
	}
	return len(buf)
}

// trySelfClosing parses a "<name .../>" marker at the start of buf. Returns
// the parsed item, the consumed length, and whether a self-closing tag was
// recognized.
func (s *Scanner) trySelfClosing(buf string) (Item, int, bool) {
	end := strings.Index(buf, "/>")
	if end < 0 {
		return Item{}, 0, false
	}
	// A '>' before the "/>" means the tag has a body and the closing marker
	// just hasn't streamed in yet.
	if gt := strings.IndexByte(buf, '>'); gt >= 0 && gt < end {
		return Item{}, 0, false
	}
	span := buf[:end+2]
	return s.extract(*s.inTag, span), len(span), true
}

// extract builds the tools.Call from a complete tag span per the schema.
func (s *Scanner) extract(schema tools.TagSchema, span string) Item {
	openEnd := strings.IndexByte(span, '>')
	if openEnd < 0 {
		return Item{
			Kind:   ItemMalformed,
			Tag:    schema.TagName,
			Reason: fmt.Sprintf("tag <%s>: opening marker never terminated", schema.TagName),
		}
	}
	opening := span[:openEnd]
	body := ""
	if !strings.HasSuffix(opening, "/") { // not self-closing
		body = span[openEnd+1 : len(span)-len("</"+schema.TagName+">")]
	}

	args := make(map[string]any)
	attrs := parseAttributes(opening)
	for _, name := range schema.AttributeParams {
		if v, ok := attrs[name]; ok {
			args[name] = v
		}
	}
	for _, name := range schema.ElementParams {
		if v, ok := elementContent(body, name); ok {
			args[name] = v
		}
	}
	// A tag with element params but an empty argument set usually indicates
	// the body carried bare content; map it to the first element param.
	if len(args) == 0 && len(schema.ElementParams) > 0 && strings.TrimSpace(body) != "" {
		args[schema.ElementParams[0]] = strings.TrimSpace(body)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return Item{
			Kind:   ItemMalformed,
			Tag:    schema.TagName,
			Reason: fmt.Sprintf("tag <%s>: encode arguments: %v", schema.TagName, err),
		}
	}
	return Item{
		Kind: ItemCall,
		Call: &tools.Call{
			Name:   schema.TagName,
			Args:   raw,
			Schema: tools.SchemaTag,
			Index:  s.offset,
		},
	}
}

// consume drops n leading bytes from the buffer and advances the absolute
// offset.
func (s *Scanner) consume(n int) {
	if n <= 0 {
		return
	}
	rest := s.buf.String()[n:]
	s.buf.Reset()
	s.buf.WriteString(rest)
	s.offset += n
}

// parseAttributes reads name="value" pairs from an opening tag.
func parseAttributes(opening string) map[string]string {
	out := make(map[string]string)
	// Skip "<name".
	i := strings.IndexAny(opening, " \t\n\r")
	if i < 0 {
		return out
	}
	rest := opening[i:]
	for {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return out
		}
		name := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]
		rest = strings.TrimLeft(rest, " \t\n\r")
		if rest == "" {
			return out
		}
		quote := rest[0]
		if quote != '"' && quote != '\'' {
			return out
		}
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return out
		}
		out[name] = rest[1 : 1+end]
		rest = rest[end+2:]
	}
}

// elementContent returns the text between <name> and </name> within body.
func elementContent(body, name string) (string, bool) {
	open := "<" + name + ">"
	closing := "</" + name + ">"
	i := strings.Index(body, open)
	if i < 0 {
		return "", false
	}
	j := strings.Index(body[i+len(open):], closing)
	if j < 0 {
		return "", false
	}
	return body[i+len(open) : i+len(open)+j], true
}
