// Package budget enforces per-run read budgets for privileged file reads.
//
// Two layers cooperate: Allowed is the pure single-read guard (size
// threshold + allowlist), and Tracker is the run-scoped consumption state
// (unique files, total bytes) shared by every hook invocation of one run.
package budget

// Budget is the read budget attached to a run or an interop request.
// It is a value object: never mutated after creation.
type Budget struct {
	// MaxFiles caps the number of distinct non-allowlisted files a run may
	// read. Zero or negative means unlimited.
	MaxFiles int `json:"max_files" yaml:"max_files"`

	// MaxTotalBytes caps the cumulative size of non-allowlisted reads.
	// Zero or negative means unlimited.
	MaxTotalBytes int64 `json:"max_total_bytes" yaml:"max_total_bytes"`

	// AllowedPaths are glob patterns (see Match) for reads that bypass both
	// the large-read threshold and budget accounting.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
}

// Unlimited reports whether the budget imposes no consumption caps.
func (b Budget) Unlimited() bool {
	return b.MaxFiles <= 0 && b.MaxTotalBytes <= 0
}

// Allowed decides a single large-read attempt. It blocks only when the read
// exceeds maxReadBytes and no allowlist glob matches the path. Pure: no
// state, no side effects.
func Allowed(path string, sizeBytes int64, allowlist []string, maxReadBytes int64) bool {
	if maxReadBytes <= 0 || sizeBytes <= maxReadBytes {
		return true
	}
	return Allowlisted(path, allowlist)
}

// Allowlisted reports whether any glob in allowlist matches path.
func Allowlisted(path string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if Match(pattern, path) {
			return true
		}
	}
	return false
}
