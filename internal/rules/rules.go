// Package rules holds the structured rule table that decides which
// privileged operations a pipeline phase may not perform.
//
// The table is keyed by (pipeline, phase, category) and maps to an ordered
// rule list; evaluation is deterministic, first match wins. Free-form tool
// names are funneled through Classify exactly once, at the edge; after
// that only structured lookups happen.
package rules

import (
	"strings"

	"github.com/kurtbell87/master-kit/internal/budget"
)

// Category is the coarse classification of a privileged operation.
type Category string

// Operation categories recognized by the table.
const (
	CategoryWrite    Category = "write"
	CategoryExec     Category = "exec"
	CategoryRead     Category = "read"
	CategoryDelegate Category = "delegate"
	CategoryOther    Category = "other"
)

// Rule describes one blocked operation pattern for a (pipeline, phase,
// category) key. For write/read categories Pattern and Except are path
// globs; for exec the pattern is matched as a substring of the command text.
type Rule struct {
	// Pattern selects targets this rule blocks.
	Pattern string `yaml:"pattern" json:"pattern"`

	// Except lists globs exempt from the rule. A target matching any
	// exception is not blocked by this rule.
	Except []string `yaml:"except,omitempty" json:"except,omitempty"`

	// Reason is surfaced verbatim to the blocked phase.
	Reason string `yaml:"reason" json:"reason"`
}

// matches reports whether the rule blocks target under the given category.
func (r Rule) matches(cat Category, target string) bool {
	var hit bool
	switch cat {
	case CategoryExec:
		hit = strings.Contains(target, r.Pattern)
	default:
		hit = budget.Match(r.Pattern, target)
	}
	if !hit {
		return false
	}
	for _, ex := range r.Except {
		if budget.Match(ex, target) {
			return false
		}
	}
	return true
}

// key identifies one cell of the table.
type key struct {
	pipeline string
	phase    string
	category Category
}

// Table maps (pipeline, phase, category) to the ordered rules blocked while
// that phase is active. The zero value is unusable; use NewTable.
type Table struct {
	cells map[key][]Rule
}

// NewTable returns an empty rule table.
func NewTable() *Table {
	return &Table{cells: make(map[key][]Rule)}
}

// Add appends rules to the cell for (pipeline, phase, category), preserving
// declaration order.
func (t *Table) Add(pipeline, phase string, cat Category, rs ...Rule) {
	k := key{pipeline, phase, cat}
	t.cells[k] = append(t.cells[k], rs...)
}

// Lookup returns the rules for a cell, nil when none are registered.
func (t *Table) Lookup(pipeline, phase string, cat Category) []Rule {
	return t.cells[key{pipeline, phase, cat}]
}

// Evaluate checks target against the cell's rules in order. The first
// matching rule's reason is returned with blocked=true; no match means the
// table does not object.
func (t *Table) Evaluate(pipeline, phase string, cat Category, target string) (reason string, blocked bool) {
	for _, r := range t.Lookup(pipeline, phase, cat) {
		if r.matches(cat, target) {
			return r.Reason, true
		}
	}
	return "", false
}

// Classify maps a raw tool name into an operation category. It is the
// fallback classifier for free-form harness input; unknown tools classify
// as CategoryOther and fall through to the default-allow path.
func Classify(toolName string) Category {
	switch strings.ToLower(strings.TrimSpace(toolName)) {
	case "write", "edit", "multiedit", "notebookedit":
		return CategoryWrite
	case "bash", "shell", "exec":
		return CategoryExec
	case "read":
		return CategoryRead
	case "task", "agent", "dispatch":
		return CategoryDelegate
	default:
		return CategoryOther
	}
}
