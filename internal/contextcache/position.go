package contextcache

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// Position is a zero-based line and UTF-16 code unit offset
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Before reports whether p sorts before o
func (p Position) Before(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Character < o.Character
}

// Range is a half-open span between two positions
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// IsEmpty reports whether the range selects nothing
func (r Range) IsEmpty() bool {
	return r.Start == r.End
}

// Normalized returns r with Start not after End
func (r Range) Normalized() Range {
	if r.End.Before(r.Start) {
		return Range{Start: r.End, End: r.Start}
	}
	return r
}

// UTF16Len returns the length of s in UTF-16 code units
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		// Invalid bytes decode to U+FFFD, one code unit each.
		n += utf16.RuneLen(r)
	}
	return n
}

// byteOffsetInLine converts a UTF-16 offset within line to a byte offset,
// clamping to the end of the line. A character that lands inside a surrogate
// pair resolves to the start of that rune.
func byteOffsetInLine(line string, character uint32) int {
	units := uint32(0)
	for i, r := range line {
		if units >= character {
			return i
		}
		w := uint32(utf16.RuneLen(r))
		if units+w > character {
			return i
		}
		units += w
	}
	return len(line)
}

// lineStarts returns the byte offsets of the start of every line in content
func lineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// OffsetAt converts a position to a byte offset into content. Positions past
// the end of a line clamp to the line end; lines past the end of content clamp
// to len(content).
func OffsetAt(content string, pos Position) int {
	starts := lineStarts(content)
	if int(pos.Line) >= len(starts) {
		return len(content)
	}
	start := starts[pos.Line]
	end := len(content)
	if int(pos.Line)+1 < len(starts) {
		end = starts[pos.Line+1] - 1
	}
	line := strings.TrimSuffix(content[start:end], "\r")
	return start + byteOffsetInLine(line, pos.Character)
}

// PositionAt converts a byte offset into content to a position
func PositionAt(content string, offset int) Position {
	offset = min(max(offset, 0), len(content))
	starts := lineStarts(content)
	line := sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	return Position{
		Line:      uint32(line),
		Character: uint32(UTF16Len(content[starts[line]:offset])),
	}
}

// TextInRange extracts the text r selects from content
func TextInRange(content string, r Range) string {
	r = r.Normalized()
	start := OffsetAt(content, r.Start)
	end := OffsetAt(content, r.End)
	if start >= end {
		return ""
	}
	return content[start:end]
}

// ApplyEdit replaces the text r selects with text
func ApplyEdit(content string, r Range, text string) (string, error) {
	if r.End.Before(r.Start) {
		return content, fmt.Errorf("edit range end %d:%d precedes start %d:%d",
			r.End.Line, r.End.Character, r.Start.Line, r.Start.Character)
	}
	start := OffsetAt(content, r.Start)
	end := OffsetAt(content, r.End)
	var b strings.Builder
	b.Grow(len(content) - (end - start) + len(text))
	b.WriteString(content[:start])
	b.WriteString(text)
	b.WriteString(content[end:])
	return b.String(), nil
}

// EndPosition returns the position just past the last character of content
func EndPosition(content string) Position {
	starts := lineStarts(content)
	last := starts[len(starts)-1]
	return Position{
		Line:      uint32(len(starts) - 1),
		Character: uint32(UTF16Len(content[last:])),
	}
}
