// Package manifest indexes a phase's artifact directory into a small,
// deterministic manifest. Successor phases consult the manifest to decide
// what to read instead of re-walking the tree, so the index is capped:
// beyond the file and byte limits artifacts are counted and sized, not
// listed. Two builds over the same tree and allowlist are byte-identical;
// run identity, timing, and pointer fields are copied in by the run
// manager, never inferred here.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kurtbell87/master-kit/internal/budget"
)

// SchemaVersion is stamped into every manifest this build writes.
const SchemaVersion = 1

// DefaultFilename is where the run manager writes the manifest inside a
// run directory.
const DefaultFilename = "manifest.json"

// Default listing caps.
const (
	DefaultMaxFiles      = 64
	DefaultMaxTotalBytes = 16 << 20
)

// Artifact kinds, derived from the file name.
const (
	KindCapsule = "capsule"
	KindLog     = "log"
	KindDoc     = "doc"
	KindData    = "data"
	KindSource  = "source"
	KindFile    = "file"
)

// Caps bounds how much of an artifact tree the manifest lists.
type Caps struct {
	MaxFiles      int   `yaml:"max_files" json:"max_files"`
	MaxTotalBytes int64 `yaml:"max_total_bytes" json:"max_total_bytes"`
}

// DefaultCaps returns the stock listing bounds.
func DefaultCaps() Caps {
	return Caps{MaxFiles: DefaultMaxFiles, MaxTotalBytes: DefaultMaxTotalBytes}
}

// Artifact is one listed file, identified by its content hash.
type Artifact struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// CapsuleRef points at the frozen handoff capsule for the phase.
type CapsuleRef struct {
	Path      string `json:"path"`
	Synthetic bool   `json:"synthetic"`
}

// Manifest is the phase handoff index. Artifact paths are slash-separated,
// relative to the artifact directory, and sorted lexicographically.
// TruthPointers and LogPointers are copied verbatim from pipeline
// configuration by the run manager.
type Manifest struct {
	SchemaVersion int         `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Pipeline      string      `json:"pipeline"`
	Phase         string      `json:"phase"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	Artifacts     []Artifact  `json:"artifacts"`
	TruthPointers []string    `json:"truth_pointers,omitempty"`
	LogPointers   []string    `json:"log_pointers,omitempty"`
	OmittedCount  int         `json:"omitted_count"`
	OmittedBytes  int64       `json:"omitted_bytes"`
	Capsule       *CapsuleRef `json:"capsule,omitempty"`
}

// kindOf classifies an artifact by its file name. The label never affects
// whether a file is listed.
func kindOf(p string) string {
	name := path.Base(p)
	if name == "capsule.md" {
		return KindCapsule
	}
	switch path.Ext(name) {
	case ".log":
		return KindLog
	case ".md", ".txt", ".rst":
		return KindDoc
	case ".json", ".jsonl", ".yaml", ".yml", ".toml", ".csv":
		return KindData
	case ".go", ".py", ".ts", ".js", ".rs", ".c", ".h", ".lean":
		return KindSource
	default:
		return KindFile
	}
}

// included reports whether a slash path matches the allowlist. An empty
// allowlist includes everything.
func included(p string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	return budget.Allowlisted(p, allowlist)
}

// Build walks dir and returns a manifest listing its regular files that
// match allowlist, in lexicographic path order. The listing stops at the
// first entry that would breach caps.MaxFiles or caps.MaxTotalBytes; that
// entry and every later match are never hashed, only tallied into
// OmittedCount and OmittedBytes. Build stamps no clock, so two builds over
// the same tree and allowlist produce identical output.
func Build(dir string, allowlist []string, caps Caps) (*Manifest, error) {
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		Artifacts:     []Artifact{},
	}

	var total int64
	capped := false
	err := fs.WalkDir(os.DirFS(dir), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || !included(p, allowlist) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		size := info.Size()

		if !capped && caps.MaxFiles > 0 && len(m.Artifacts) >= caps.MaxFiles {
			capped = true
		}
		if !capped && caps.MaxTotalBytes > 0 && total+size > caps.MaxTotalBytes {
			capped = true
		}
		if capped {
			m.OmittedCount++
			m.OmittedBytes += size
			return nil
		}

		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return err
		}
		m.Artifacts = append(m.Artifacts, Artifact{Path: p, Kind: kindOf(p), Bytes: size, SHA256: sum})
		total += size
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			// An empty or absent artifact tree is a valid, empty manifest.
			return m, nil
		}
		return nil, fmt.Errorf("walk artifacts: %w", err)
	}
	return m, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write stores the manifest at path via a temp file rename so readers never
// observe a half-written index.
func Write(p string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, ".manifest-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	keep = true
	return nil
}

// Read loads a manifest without validating it; callers that care run
// Validate separately.
func Read(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &m, nil
}

// Validate checks the structural invariants every consumer relies on:
// supported schema, identified run, relative clean paths in strictly
// ascending order, well-formed hashes, non-negative sizes and tallies.
func Validate(m *Manifest) error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema_version %d, want %d", ErrInvalid, m.SchemaVersion, SchemaVersion)
	}
	if m.RunID == "" {
		return fmt.Errorf("%w: missing run_id", ErrInvalid)
	}
	if m.OmittedCount < 0 || m.OmittedBytes < 0 {
		return fmt.Errorf("%w: negative omitted tallies", ErrInvalid)
	}
	if m.OmittedCount == 0 && m.OmittedBytes != 0 {
		return fmt.Errorf("%w: omitted_bytes without omitted_count", ErrInvalid)
	}
	prev := ""
	for i, a := range m.Artifacts {
		if a.Path == "" || strings.HasPrefix(a.Path, "/") || a.Path != path.Clean(a.Path) || escapesRoot(a.Path) {
			return fmt.Errorf("%w: artifact %d path %q is not a clean relative path", ErrInvalid, i, a.Path)
		}
		if i > 0 && a.Path <= prev {
			return fmt.Errorf("%w: artifact paths not strictly sorted at %q", ErrInvalid, a.Path)
		}
		prev = a.Path
		if a.Bytes < 0 {
			return fmt.Errorf("%w: artifact %q has negative size", ErrInvalid, a.Path)
		}
		if !validHash(a.SHA256) {
			return fmt.Errorf("%w: artifact %q has malformed sha256", ErrInvalid, a.Path)
		}
	}
	return nil
}

// Verify re-stats and re-hashes every listed artifact against dir, catching
// post-index tampering or loss.
func Verify(dir string, m *Manifest) error {
	for _, a := range m.Artifacts {
		full := filepath.Join(dir, filepath.FromSlash(a.Path))
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("%w: artifact %q: %v", ErrVerify, a.Path, err)
		}
		if info.Size() != a.Bytes {
			return fmt.Errorf("%w: artifact %q is %d bytes, manifest says %d", ErrVerify, a.Path, info.Size(), a.Bytes)
		}
		sum, err := hashFile(full)
		if err != nil {
			return fmt.Errorf("%w: artifact %q: %v", ErrVerify, a.Path, err)
		}
		if sum != a.SHA256 {
			return fmt.Errorf("%w: artifact %q hash mismatch", ErrVerify, a.Path)
		}
	}
	return nil
}

func escapesRoot(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}

func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
