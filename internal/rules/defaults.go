package rules

// Phase-protection rules for the built-in pipelines. Config files may add
// cells or extend these, but the stock table is always available so a bare
// checkout enforces the same discipline as a configured one.

// Pipeline names with compiled-in rules.
const (
	PipelineTDD      = "tdd"
	PipelineResearch = "research"
	PipelineMath     = "math"
)

// DefaultTable returns the stock rule table for the built-in pipelines.
func DefaultTable() *Table {
	t := NewTable()

	// GREEN turns the failing test green by changing the implementation.
	// The tests themselves are frozen so the bar cannot be lowered.
	t.Add(PipelineTDD, "green", CategoryWrite,
		Rule{Pattern: "**/*_test.go", Reason: "Cannot edit test files during GREEN phase"},
		Rule{Pattern: "**/test_*.py", Reason: "Cannot edit test files during GREEN phase"},
		Rule{Pattern: "**/*_test.py", Reason: "Cannot edit test files during GREEN phase"},
		Rule{Pattern: "**/*.test.ts", Reason: "Cannot edit test files during GREEN phase"},
		Rule{Pattern: "**/*.test.js", Reason: "Cannot edit test files during GREEN phase"},
		Rule{Pattern: "tests/**", Reason: "Cannot edit test files during GREEN phase"},
	)

	// Synthesize folds the exploration notes into a single deliverable.
	t.Add(PipelineResearch, "synthesize", CategoryWrite,
		Rule{
			Pattern: "**",
			Except:  []string{"SYNTHESIS.md", "**/SYNTHESIS.md"},
			Reason:  "During SYNTHESIZE you may only write to SYNTHESIS.md",
		},
	)

	// Survey inventories existing proofs before anything is touched.
	t.Add(PipelineMath, "survey", CategoryWrite,
		Rule{Pattern: "**/*.lean", Reason: "SURVEY phase is read-only, proof sources are frozen"},
		Rule{Pattern: "*.lean", Reason: "SURVEY phase is read-only, proof sources are frozen"},
	)

	return t
}
