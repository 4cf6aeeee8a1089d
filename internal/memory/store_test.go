package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	return s
}

func TestEnsureInitializedCreatesAllFiles(t *testing.T) {
	s := newTestStore(t)
	for _, name := range Files {
		if !s.Exists(name) {
			t.Errorf("expected %s to exist after EnsureInitialized", name)
		}
	}
}

func TestEnsureInitializedDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	custom := "# Behavior\n\n- already here\n"
	if err := os.WriteFile(filepath.Join(s.Dir(), string(FileBehavior)), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	got, err := s.Read(FileBehavior)
	if err != nil {
		t.Fatal(err)
	}
	if got != custom {
		t.Errorf("EnsureInitialized overwrote existing file: got %q", got)
	}
}

func TestSimpleAppendReplacesPlaceholder(t *testing.T) {
	content := Template(FileBehavior)
	if !strings.Contains(content, "[No patterns recorded yet]") {
		t.Fatalf("template fixture missing placeholder")
	}
	placeholderCountBefore := strings.Count(content, "[No patterns recorded yet]")
	obsBefore := totalObservations(content)

	updated, changed, err := SimpleAppend(content, "User comfortable spending $60 on apparel")
	if err != nil {
		t.Fatalf("SimpleAppend: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if strings.Contains(updated, "[No patterns recorded yet]") {
		t.Errorf("placeholder not removed")
	}
	placeholderCountAfter := strings.Count(updated, "[No patterns recorded yet]")
	if placeholderCountBefore-placeholderCountAfter != 1 {
		t.Errorf("expected placeholder count to drop by 1, before=%d after=%d", placeholderCountBefore, placeholderCountAfter)
	}
	obsAfter := totalObservations(updated)
	if obsAfter-obsBefore != 1 {
		t.Errorf("expected observation count to rise by 1: before=%d after=%d", obsBefore, obsAfter)
	}
	if !strings.Contains(updated, "User comfortable spending $60 on apparel") {
		t.Errorf("bullet text missing from updated content")
	}
}

func TestSimpleAppendCapsAtFiveObservations(t *testing.T) {
	content := "# Behavior\n\n## Observed Behaviors\n\n" +
		"- one\n- two\n- three\n- four\n- five\n"
	_, changed, err := SimpleAppend(content, "six")
	if err != ErrSectionFull {
		t.Fatalf("expected ErrSectionFull, got %v", err)
	}
	if changed {
		t.Errorf("expected no change once section has 5 observations")
	}
}

func TestSimpleAppendCreatesSectionWhenMissing(t *testing.T) {
	content := "# Behavior\n\nNo sections here.\n"
	updated, changed, err := SimpleAppend(content, "first observation")
	if err != nil {
		t.Fatalf("SimpleAppend: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if !strings.Contains(updated, "## Observed Behaviors") || !strings.Contains(updated, "first observation") {
		t.Errorf("expected a new Observed Behaviors section with the bullet, got: %s", updated)
	}
}

func TestStampLastUpdatedReplacesPriorTimestamp(t *testing.T) {
	content := Template(FileGoals)
	first := StampLastUpdated(content, mustParseTime(t, "2026-01-01T00:00:00Z"))
	second := StampLastUpdated(first, mustParseTime(t, "2026-06-01T00:00:00Z"))
	if strings.Count(second, "## Last Updated") != 1 {
		t.Fatalf("expected exactly one Last Updated header, got content: %s", second)
	}
	if strings.Contains(second, "2026-01-01") {
		t.Errorf("expected prior timestamp to be replaced")
	}
	if !strings.Contains(second, "2026-06-01") {
		t.Errorf("expected new timestamp present")
	}
}

func TestResetIdempotence(t *testing.T) {
	s := newTestStore(t)
	// Pollute the directory with a stray file that Reset must remove.
	if err := os.WriteFile(filepath.Join(s.Dir(), "index.db"), []byte("stray"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	first := readAll(t, s)

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	second := readAll(t, s)

	for _, name := range Files {
		a := stripLastUpdated(first[name])
		b := stripLastUpdated(second[name])
		if a != b {
			t.Errorf("%s differs across resets modulo timestamp:\n%q\n%q", name, a, b)
		}
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), "index.db")); !os.IsNotExist(err) {
		t.Errorf("expected stray file to be removed by Reset")
	}
}

func readAll(t *testing.T, s *Store) map[FileName]string {
	t.Helper()
	out := map[FileName]string{}
	for _, name := range Files {
		c, err := s.Read(name)
		if err != nil {
			t.Fatal(err)
		}
		out[name] = c
	}
	return out
}

func stripLastUpdated(content string) string {
	idx := strings.Index(content, lastUpdatedHeader)
	if idx < 0 {
		return content
	}
	return content[:idx]
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}
