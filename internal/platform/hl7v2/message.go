package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message: the raw segment grid plus the
// header fields the pipeline cares about.
type Message struct {
	Type      string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID string    // MSH-10
	Version   string    // MSH-12
	Timestamp time.Time // MSH-7
	Segments  []Segment
}

// Segment is a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field is one field, which may carry components and repetitions.
type Field struct {
	Value      string
	Components []string   // component-separated (^)
	Repeats    [][]string // repetition-separated (~), each with components
}

// ParseMessage parses raw HL7v2 bytes into a structured Message.
// It accepts \r, \n, and \r\n segment separators. Structural problems
// (empty input, no MSH header) return a *ParseError with ReasonNotHL7.
func ParseMessage(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Reason: ReasonNotHL7, Detail: "empty message"}
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, &ParseError{Reason: ReasonNotHL7, Detail: "no segments"}
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, &ParseError{Reason: ReasonNotHL7, Detail: "first segment is not MSH"}
	}

	msg := &Message{}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, parseSegment(line))
	}

	msh := msg.GetSegment("MSH")
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			msg.Timestamp = t
		}
	}

	return msg, nil
}

// parseSegment splits one segment line into fields. MSH is special: the
// field separator is itself MSH-1, so "MSH|^~\&|app|..." yields
// Fields[0]="|", Fields[1]="^~\&", Fields[2]="app", ...
func parseSegment(line string) Segment {
	seg := Segment{}

	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg
		}
		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for _, part := range strings.Split(line[4:], fieldSep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns a field value by its 1-based HL7 index. For MSH,
// index 1 is the field separator itself.
func (s *Segment) GetField(index int) string {
	if s == nil {
		return ""
	}
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component
// indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	if s == nil {
		return ""
	}
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(s.Fields[idx].Components) {
		return ""
	}
	return s.Fields[idx].Components[ci]
}

// ParseTimestamp parses an HL7 DTM value (YYYYMMDDHHMMSS, or a shorter
// prefix down to YYYYMMDD).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
	}
}
