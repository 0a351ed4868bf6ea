// Package capsule implements the bounded handoff summary a phase leaves
// behind for its successor. A capsule is a short, fenced-off block inside
// the phase transcript; the run manager extracts it, validates its shape,
// and freezes it into the run's artifact directory. Downstream phases read
// the capsule instead of the raw transcript, which keeps handoff cost
// constant no matter how chatty a phase was.
package capsule

import (
	"fmt"
	"os"
	"strings"
)

// Markers delimit a capsule block inside a transcript.
const (
	Marker    = "===CAPSULE==="
	EndMarker = "===END CAPSULE==="
)

// MaxLines bounds the body between the markers. Blank lines count.
const MaxLines = 30

// DefaultFilename is where the run manager freezes the capsule inside a
// run's artifact directory.
const DefaultFilename = "capsule.md"

// Canonical field headers. Matching is case-insensitive on the header name
// but the canonical spelling is used when rendering.
const (
	headerGoal       = "Goal"
	headerHappened   = "What happened"
	headerStatus     = "Current status"
	headerNextAction = "Next action requested"
	headerEvidence   = "Evidence pointers"
	headerBlocked    = "If blocked"
)

// Capsule is the parsed handoff summary.
type Capsule struct {
	Goal          string
	WhatHappened  string
	CurrentStatus string
	NextAction    string
	Evidence      []string
	IfBlocked     string

	// Synthetic marks capsules manufactured by the run manager when the
	// phase failed to emit a valid one. Only meaningful in-process; the
	// manifest records it durably.
	Synthetic bool
}

// Extract finds the last complete capsule block in a transcript and parses
// it. A phase may restate its capsule; the final statement wins. Returns
// ErrNoCapsule when no complete block exists and a *FormatError when the
// block is malformed.
func Extract(transcript string) (*Capsule, error) {
	lines := strings.Split(transcript, "\n")

	start, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case Marker:
			start, end = i, -1
		case EndMarker:
			if start >= 0 && end < 0 {
				end = i
			}
		}
	}
	if start < 0 || end < 0 {
		return nil, ErrNoCapsule
	}
	return parseBody(lines[start+1 : end])
}

// parseBody parses the lines strictly between the markers, collecting every
// structural problem before failing so the author sees them all at once.
func parseBody(body []string) (*Capsule, error) {
	var problems []string
	if len(body) > MaxLines {
		problems = append(problems, fmt.Sprintf("body is %d lines, limit is %d", len(body), MaxLines))
	}

	c := &Capsule{}
	current := ""
	nextActionCount := 0

	setField := func(header, value string) {
		switch header {
		case headerGoal:
			c.Goal = value
		case headerHappened:
			c.WhatHappened = value
		case headerStatus:
			c.CurrentStatus = value
		case headerNextAction:
			c.NextAction = value
		case headerBlocked:
			c.IfBlocked = value
		case headerEvidence:
			for _, p := range strings.Split(value, ",") {
				if p = strings.TrimSpace(p); p != "" {
					c.Evidence = append(c.Evidence, p)
				}
			}
		}
	}
	appendField := func(header, text string) {
		grow := func(s string) string {
			if s == "" {
				return text
			}
			return s + "\n" + text
		}
		switch header {
		case headerGoal:
			c.Goal = grow(c.Goal)
		case headerHappened:
			c.WhatHappened = grow(c.WhatHappened)
		case headerStatus:
			c.CurrentStatus = grow(c.CurrentStatus)
		case headerNextAction:
			c.NextAction = grow(c.NextAction)
		case headerBlocked:
			c.IfBlocked = grow(c.IfBlocked)
		case headerEvidence:
			p := strings.TrimSpace(strings.TrimLeft(text, "-* "))
			if p != "" {
				c.Evidence = append(c.Evidence, p)
			}
		}
	}

	for _, raw := range body {
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "```") {
			problems = append(problems, "code fences are not allowed inside a capsule")
			continue
		}
		if header, value, ok := splitHeader(trimmed); ok {
			if header == headerNextAction {
				nextActionCount++
			}
			current = header
			setField(header, value)
			continue
		}
		if trimmed == "" || current == "" {
			continue
		}
		appendField(current, trimmed)
	}

	if strings.TrimSpace(c.Goal) == "" {
		problems = append(problems, "missing Goal")
	}
	if strings.TrimSpace(c.WhatHappened) == "" {
		problems = append(problems, "missing What happened")
	}
	if strings.TrimSpace(c.CurrentStatus) == "" {
		problems = append(problems, "missing Current status")
	}
	switch nextActionCount {
	case 0:
		problems = append(problems, "missing Next action requested")
	case 1:
		if strings.TrimSpace(c.NextAction) == "" {
			problems = append(problems, "empty Next action requested")
		}
	default:
		problems = append(problems, fmt.Sprintf("want exactly one Next action requested, found %d", nextActionCount))
	}

	if len(problems) > 0 {
		return nil, &FormatError{Problems: problems}
	}
	return c, nil
}

// splitHeader reports whether a line opens one of the canonical fields.
// Unknown "name: value" lines are treated as continuation text, not fields.
func splitHeader(line string) (header, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	name := strings.TrimSpace(line[:idx])
	for _, h := range []string{headerGoal, headerHappened, headerStatus, headerNextAction, headerEvidence, headerBlocked} {
		if strings.EqualFold(name, h) {
			return h, strings.TrimSpace(line[idx+1:]), true
		}
	}
	return "", "", false
}

// Render serializes the capsule in canonical field order, markers included.
func (c *Capsule) Render() string {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	writeField(&b, headerGoal, c.Goal)
	writeField(&b, headerHappened, c.WhatHappened)
	writeField(&b, headerStatus, c.CurrentStatus)
	writeField(&b, headerNextAction, c.NextAction)
	if len(c.Evidence) > 0 {
		b.WriteString(headerEvidence + ":\n")
		for _, p := range c.Evidence {
			b.WriteString("- " + p + "\n")
		}
	}
	if strings.TrimSpace(c.IfBlocked) != "" {
		writeField(&b, headerBlocked, c.IfBlocked)
	}
	b.WriteString(EndMarker + "\n")
	return b.String()
}

func writeField(b *strings.Builder, header, value string) {
	lines := strings.Split(value, "\n")
	b.WriteString(header + ": " + lines[0] + "\n")
	for _, l := range lines[1:] {
		b.WriteString(l + "\n")
	}
}

// Synthesize manufactures a minimal capsule for a phase that exited without
// emitting a valid one. The pipeline keeps moving on degraded information
// instead of stalling.
func Synthesize(phase string, exitCode int, lastLine string) *Capsule {
	lastLine = strings.TrimSpace(lastLine)
	if lastLine == "" {
		lastLine = "(no output)"
	}
	if len(lastLine) > 200 {
		lastLine = lastLine[:200] + "..."
	}
	return &Capsule{
		Goal:          "(not reported)",
		WhatHappened:  fmt.Sprintf("%s exited with code %d without a valid capsule; last output: %s", phase, exitCode, lastLine),
		CurrentStatus: "unknown, summary synthesized by the run manager",
		NextAction:    "review the phase output log and decide whether to rerun the phase",
		Synthetic:     true,
	}
}

// LastLine returns the final non-empty line of a transcript, or "".
func LastLine(transcript string) string {
	lines := strings.Split(transcript, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// WriteFile freezes the capsule at path. Capsules are immutable once
// written; an existing file yields ErrCapsuleExists.
func WriteFile(path string, c *Capsule) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrCapsuleExists, path)
		}
		return fmt.Errorf("create capsule: %w", err)
	}
	if _, err := f.WriteString(c.Render()); err != nil {
		f.Close()
		return fmt.Errorf("write capsule: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync capsule: %w", err)
	}
	return f.Close()
}

// ReadFile loads and validates a frozen capsule file.
func ReadFile(path string) (*Capsule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capsule: %w", err)
	}
	return Extract(string(data))
}
