package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeArtifact(t *testing.T, dir, rel string, size int) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(strings.Repeat("x", size)), 0o600); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestBuildListsSortedWithHashes(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "notes/z.md", 3)
	writeArtifact(t, dir, "capsule.md", 5)
	writeArtifact(t, dir, "notes/a.md", 4)

	m, err := Build(dir, nil, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, a := range m.Artifacts {
		got = append(got, a.Path)
	}
	want := []string{"capsule.md", "notes/a.md", "notes/z.md"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	for _, a := range m.Artifacts {
		if len(a.SHA256) != 64 {
			t.Errorf("artifact %q hash %q not 64 hex chars", a.Path, a.SHA256)
		}
	}
	if m.Artifacts[0].Bytes != 5 {
		t.Errorf("capsule.md size = %d, want 5", m.Artifacts[0].Bytes)
	}
	if m.Artifacts[0].Kind != KindCapsule || m.Artifacts[1].Kind != KindDoc {
		t.Errorf("kinds = %s/%s, want capsule/doc", m.Artifacts[0].Kind, m.Artifacts[1].Kind)
	}
	if m.OmittedCount != 0 || m.OmittedBytes != 0 {
		t.Errorf("omitted = %d/%d, want 0/0", m.OmittedCount, m.OmittedBytes)
	}
}

func TestBuildAllowlistFiltersListing(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "keep/a.md", 3)
	writeArtifact(t, dir, "keep/b.md", 3)
	writeArtifact(t, dir, "scratch/tmp.bin", 99)

	m, err := Build(dir, []string{"keep/**"}, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, a := range m.Artifacts {
		got = append(got, a.Path)
	}
	if !reflect.DeepEqual(got, []string{"keep/a.md", "keep/b.md"}) {
		t.Fatalf("paths = %v, want only keep/", got)
	}
	// Non-matching files are outside the manifest's world entirely, not
	// omissions.
	if m.OmittedCount != 0 {
		t.Fatalf("OmittedCount = %d, want 0", m.OmittedCount)
	}
}

func TestBuildFileCapOmitsTail(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		writeArtifact(t, dir, fmt.Sprintf("art-%02d.txt", i), 10)
	}

	m, err := Build(dir, nil, Caps{MaxFiles: 8, MaxTotalBytes: DefaultMaxTotalBytes})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Artifacts) != 8 {
		t.Fatalf("listed %d artifacts, want 8", len(m.Artifacts))
	}
	if m.OmittedCount != 4 {
		t.Fatalf("OmittedCount = %d, want 4", m.OmittedCount)
	}
	if m.OmittedBytes != 40 {
		t.Fatalf("OmittedBytes = %d, want 40", m.OmittedBytes)
	}
	if m.Artifacts[0].Path != "art-00.txt" || m.Artifacts[7].Path != "art-07.txt" {
		t.Fatalf("listing not the lexicographic head: %s .. %s", m.Artifacts[0].Path, m.Artifacts[7].Path)
	}
}

func TestBuildByteCapStopsListing(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "a.bin", 10)
	writeArtifact(t, dir, "b.bin", 6)
	writeArtifact(t, dir, "c.bin", 2)

	m, err := Build(dir, nil, Caps{MaxFiles: 64, MaxTotalBytes: 12})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, a := range m.Artifacts {
		got = append(got, a.Path)
	}
	// b.bin overflows the byte cap; c.bin would still fit but the cap is
	// one-way, the listing is always a lexicographic prefix.
	if !reflect.DeepEqual(got, []string{"a.bin"}) {
		t.Fatalf("paths = %v, want [a.bin]", got)
	}
	if m.OmittedCount != 2 || m.OmittedBytes != 8 {
		t.Fatalf("omitted = %d/%d, want 2/8", m.OmittedCount, m.OmittedBytes)
	}
}

func TestBuildIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"b.txt", "a/x.txt", "a/y.txt", "c.txt"} {
		writeArtifact(t, dir, rel, 7)
	}

	m1, err := Build(dir, []string{"**"}, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m2, err := Build(dir, []string{"**"}, DefaultCaps())
	if err != nil {
		t.Fatalf("Build again: %v", err)
	}
	j1, err := json.Marshal(m1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	j2, err := json.Marshal(m2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(j1, j2) {
		t.Fatalf("two builds over the same tree differ:\n%s\n%s", j1, j2)
	}
}

func TestBuildMissingDirIsEmpty(t *testing.T) {
	m, err := Build(filepath.Join(t.TempDir(), "nope"), nil, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Artifacts) != 0 || m.OmittedCount != 0 {
		t.Fatalf("missing dir produced %d artifacts, %d omitted", len(m.Artifacts), m.OmittedCount)
	}
}

func TestWriteReadValidate(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "capsule.md", 20)

	m, err := Build(dir, nil, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m.RunID = "20260101T000000-abc123"
	m.Pipeline = "tdd"
	m.Phase = "green"
	m.TruthPointers = []string{"tests/"}
	m.LogPointers = []string{"logs/output.log"}
	m.Capsule = &CapsuleRef{Path: "capsule.md"}

	path := filepath.Join(dir, DefaultFilename)
	if err := Write(path, m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := Validate(back); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if back.RunID != m.RunID || len(back.Artifacts) != 1 || back.Capsule == nil {
		t.Fatalf("round trip drifted: %+v", back)
	}
	if len(back.TruthPointers) != 1 || back.TruthPointers[0] != "tests/" {
		t.Fatalf("truth pointers drifted: %v", back.TruthPointers)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Manifest {
		return &Manifest{
			SchemaVersion: SchemaVersion,
			RunID:         "r1",
			Artifacts: []Artifact{
				{Path: "a.txt", Kind: KindDoc, Bytes: 1, SHA256: strings.Repeat("ab", 32)},
				{Path: "b.txt", Kind: KindDoc, Bytes: 2, SHA256: strings.Repeat("cd", 32)},
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"wrong schema", func(m *Manifest) { m.SchemaVersion = 99 }},
		{"missing run id", func(m *Manifest) { m.RunID = "" }},
		{"unsorted", func(m *Manifest) { m.Artifacts[0], m.Artifacts[1] = m.Artifacts[1], m.Artifacts[0] }},
		{"duplicate path", func(m *Manifest) { m.Artifacts[1].Path = m.Artifacts[0].Path }},
		{"absolute path", func(m *Manifest) { m.Artifacts[0].Path = "/etc/passwd" }},
		{"escaping path", func(m *Manifest) { m.Artifacts[0].Path = "../a.txt" }},
		{"unclean path", func(m *Manifest) { m.Artifacts[0].Path = "a//b.txt" }},
		{"bad hash", func(m *Manifest) { m.Artifacts[0].SHA256 = "zz" }},
		{"negative size", func(m *Manifest) { m.Artifacts[0].Bytes = -1 }},
		{"negative omitted", func(m *Manifest) { m.OmittedCount = -5 }},
		{"orphan omitted bytes", func(m *Manifest) { m.OmittedBytes = 12 }},
	}
	for _, c := range cases {
		m := base()
		c.mutate(m)
		if err := Validate(m); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", c.name, err)
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("baseline manifest invalid: %v", err)
	}
}

func TestVerifyCatchesTampering(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "a.txt", 4)

	m, err := Build(dir, nil, DefaultCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Verify(dir, m); err != nil {
		t.Fatalf("Verify clean tree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("yyyy"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := Verify(dir, m); !errors.Is(err, ErrVerify) {
		t.Fatalf("Verify err = %v, want ErrVerify", err)
	}
}
