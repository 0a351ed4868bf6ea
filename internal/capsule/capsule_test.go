package capsule

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

const validBlock = `===CAPSULE===
Goal: make the parser accept trailing commas
What happened: added a lookahead in scanList and a regression test
Current status: all parser tests pass locally
Next action requested: run the full suite and review scanList
Evidence pointers:
- pkg/parser/parser.go
- pkg/parser/parser_test.go
If blocked: revert commit and reopen the ticket
===END CAPSULE===`

func TestExtractValidCapsule(t *testing.T) {
	transcript := "chatty preamble\n" + validBlock + "\ntrailing noise\n"

	c, err := Extract(transcript)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c.Goal != "make the parser accept trailing commas" {
		t.Errorf("Goal = %q", c.Goal)
	}
	if c.NextAction != "run the full suite and review scanList" {
		t.Errorf("NextAction = %q", c.NextAction)
	}
	if len(c.Evidence) != 2 || c.Evidence[0] != "pkg/parser/parser.go" {
		t.Errorf("Evidence = %v", c.Evidence)
	}
	if c.IfBlocked == "" {
		t.Error("IfBlocked empty")
	}
	if c.Synthetic {
		t.Error("parsed capsule marked synthetic")
	}
}

func TestExtractLastBlockWins(t *testing.T) {
	first := strings.Replace(validBlock, "all parser tests pass locally", "stale", 1)
	transcript := first + "\nrestating...\n" + validBlock + "\n"

	c, err := Extract(transcript)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c.CurrentStatus != "all parser tests pass locally" {
		t.Fatalf("CurrentStatus = %q, want the later block", c.CurrentStatus)
	}
}

func TestExtractNoBlock(t *testing.T) {
	if _, err := Extract("just output, no capsule\n"); !errors.Is(err, ErrNoCapsule) {
		t.Fatalf("err = %v, want ErrNoCapsule", err)
	}
	// An opening marker with no close is not a complete block.
	if _, err := Extract(Marker + "\nGoal: x\n"); !errors.Is(err, ErrNoCapsule) {
		t.Fatalf("unclosed block err = %v, want ErrNoCapsule", err)
	}
}

func TestExtractRejectsOversizedBody(t *testing.T) {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	b.WriteString("Goal: g\nWhat happened: w\nCurrent status: s\nNext action requested: n\n")
	for i := 0; i < MaxLines; i++ {
		fmt.Fprintf(&b, "filler line %d\n", i)
	}
	b.WriteString(EndMarker + "\n")

	_, err := Extract(b.String())
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if !strings.Contains(fe.Error(), "limit is 30") {
		t.Fatalf("error = %q", fe.Error())
	}
}

func TestExtractRejectsMissingNextAction(t *testing.T) {
	block := strings.Replace(validBlock, "Next action requested: run the full suite and review scanList\n", "", 1)
	_, err := Extract(block)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if !strings.Contains(fe.Error(), "missing Next action requested") {
		t.Fatalf("error = %q", fe.Error())
	}
}

func TestExtractRejectsDuplicateNextAction(t *testing.T) {
	block := strings.Replace(validBlock, "If blocked:", "Next action requested: also do this\nIf blocked:", 1)
	_, err := Extract(block)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if !strings.Contains(fe.Error(), "found 2") {
		t.Fatalf("error = %q", fe.Error())
	}
}

func TestExtractRejectsCodeFence(t *testing.T) {
	block := strings.Replace(validBlock, "If blocked: revert commit and reopen the ticket",
		"If blocked: run\n```\ngit revert HEAD\n```", 1)
	_, err := Extract(block)
	if !IsFormatError(err) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if !strings.Contains(err.Error(), "code fences") {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestExtractCollectsAllProblems(t *testing.T) {
	block := Marker + "\nGoal: g\n```\n" + EndMarker
	_, err := Extract(block)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if len(fe.Problems) < 3 {
		t.Fatalf("Problems = %v, want code fence plus missing fields", fe.Problems)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	orig, err := Extract(validBlock)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	again, err := Extract(orig.Render())
	if err != nil {
		t.Fatalf("Extract(Render): %v", err)
	}
	if again.Goal != orig.Goal || again.NextAction != orig.NextAction || len(again.Evidence) != len(orig.Evidence) {
		t.Fatalf("round trip drifted: %+v vs %+v", again, orig)
	}
}

func TestSynthesize(t *testing.T) {
	c := Synthesize("green", 2, "FAIL: TestParser (0.01s)")
	if !c.Synthetic {
		t.Fatal("synthetic capsule not marked")
	}
	if !strings.Contains(c.WhatHappened, "exited with code 2") {
		t.Errorf("WhatHappened = %q", c.WhatHappened)
	}
	if !strings.Contains(c.WhatHappened, "FAIL: TestParser") {
		t.Errorf("WhatHappened missing last output line: %q", c.WhatHappened)
	}

	// A synthetic capsule must itself survive validation, downstream
	// phases parse it like any other.
	if _, err := Extract(c.Render()); err != nil {
		t.Fatalf("synthetic capsule does not validate: %v", err)
	}
}

func TestSynthesizeEmptyOutput(t *testing.T) {
	c := Synthesize("red", 1, "")
	if !strings.Contains(c.WhatHappened, "(no output)") {
		t.Fatalf("WhatHappened = %q", c.WhatHappened)
	}
}

func TestLastLine(t *testing.T) {
	if got := LastLine("a\nb\n\n  \n"); got != "b" {
		t.Fatalf("LastLine = %q, want b", got)
	}
	if got := LastLine(""); got != "" {
		t.Fatalf("LastLine of empty = %q", got)
	}
}

func TestWriteFileIsWriteOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	c, err := Extract(validBlock)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if err := WriteFile(path, c); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, c); !errors.Is(err, ErrCapsuleExists) {
		t.Fatalf("second write err = %v, want ErrCapsuleExists", err)
	}

	back, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if back.Goal != c.Goal {
		t.Fatalf("ReadFile Goal = %q, want %q", back.Goal, c.Goal)
	}
}
