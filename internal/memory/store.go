package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store owns the four Markdown memory files on a local directory. It
// provides the two read paths (direct file read; snippet retrieval lives in
// the index package, which is fed file contents by its callers) and the simple-append
// write path. LLM-refine lives in the Mutator, which wraps a Store.
type Store struct {
	dir   string
	locks *fileLocks

	// indexArtifact is the vector index's own on-disk file name (just the
	// base name, e.g. "index.sqlite"), if any. Reset leaves any stray file
	// whose name has this prefix alone: the index holds that file open for
	// the life of the process, so unlinking it here would silently detach
	// the running Index from disk while Reindex (called right after Reset
	// by every caller) keeps writing into the now-unlinked inode, losing
	// every post-reset chunk on the next restart. Index.Reindex's own
	// DELETE-then-reinsert already clears the collection in place; Reset
	// only needs to leave the file alone for that to work.
	indexArtifact string
}

// NewStore opens (without yet creating) the memory directory at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: newFileLocks()}
}

// SetIndexArtifact records the vector index's on-disk file base name so
// Reset does not delete it out from under the running Index.
func (s *Store) SetIndexArtifact(baseName string) { s.indexArtifact = baseName }

// Dir returns the memory directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name FileName) string {
	return filepath.Join(s.dir, string(name))
}

// EnsureInitialized creates the memory directory and any of the four files
// that do not yet exist, writing each from its fixed template. It never
// overwrites a file that is already present.
func (s *Store) EnsureInitialized() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("memory: create directory: %w", err)
	}
	for _, name := range Files {
		p := s.path(name)
		if _, err := os.Stat(p); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("memory: stat %s: %w", name, err)
		}
		if err := os.WriteFile(p, []byte(Template(name)), 0o644); err != nil {
			return fmt.Errorf("memory: write template %s: %w", name, err)
		}
	}
	return nil
}

// Read returns a file's full content, guarded by the file's read lock.
func (s *Store) Read(name FileName) (string, error) {
	var content string
	err := s.locks.withReadLock(string(name), func() error {
		b, err := os.ReadFile(s.path(name))
		if err != nil {
			return fmt.Errorf("memory: read %s: %w", name, err)
		}
		content = string(b)
		return nil
	})
	return content, err
}

// Exists reports whether the named file is present and is not a directory.
// Write permission is not checked.
func (s *Store) Exists(name FileName) bool {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ErrSectionFull is returned by SimpleAppend when the target section already
// holds the maximum of 5 observations; callers treat this as "no change".
var ErrSectionFull = fmt.Errorf("memory: observed-behaviors section already has 5 observations")

// SimpleAppend is write path A (spec Memory Store §4.B): replace the first
// placeholder, or insert as the first child of ## Observed Behaviors when
// under 5 observations, or append a new such section if none exists. It
// returns the updated content and whether a change was made.
func SimpleAppend(content, bullet string) (updated string, changed bool, err error) {
	bullet = strings.TrimSpace(bullet)
	if bullet == "" {
		return content, false, fmt.Errorf("memory: empty bullet")
	}

	if idx := firstPlaceholderIndex(content); idx >= 0 {
		return replacePlaceholderAt(content, idx, bullet), true, nil
	}

	sections := splitSections(content)
	for i, sec := range sections {
		if strings.EqualFold(strings.TrimSpace(sec.header), "Observed Behaviors") {
			count := CountObservations(sec.body)
			if count >= 5 {
				return content, false, ErrSectionFull
			}
			return insertBulletFirst(content, sec.header, bullet), true, nil
		}
	}

	return appendNewObservedBehaviorsSection(content, bullet), true, nil
}

func firstPlaceholderIndex(content string) int {
	// The Last Updated section's placeholder is owned by StampLastUpdated,
	// which rewrites that section wholesale; only search before it.
	searchable := content
	if end := strings.Index(content, lastUpdatedHeader); end >= 0 {
		searchable = content[:end]
	}
	for _, marker := range PlaceholderMarkers {
		line := bulletPrefix + marker
		if idx := strings.Index(searchable, line); idx >= 0 {
			return idx
		}
	}
	return -1
}

func replacePlaceholderAt(content string, idx int, bullet string) string {
	for _, marker := range PlaceholderMarkers {
		line := bulletPrefix + marker
		if strings.HasPrefix(content[idx:], line) {
			return content[:idx] + bulletPrefix + bullet + content[idx+len(line):]
		}
	}
	return content
}

func insertBulletFirst(content, header, bullet string) string {
	marker := "## " + header
	idx := strings.Index(content, marker)
	if idx < 0 {
		marker = "# " + header
		idx = strings.Index(content, marker)
	}
	if idx < 0 {
		return appendNewObservedBehaviorsSection(content, bullet)
	}
	insertAt := idx + len(marker)
	lineEnd := strings.Index(content[insertAt:], "\n")
	if lineEnd < 0 {
		return content + "\n\n- " + bullet + "\n"
	}
	insertAt += lineEnd + 1
	return content[:insertAt] + "\n- " + bullet + "\n" + content[insertAt:]
}

func appendNewObservedBehaviorsSection(content, bullet string) string {
	content = strings.TrimRight(content, "\n")
	return content + "\n\n## Observed Behaviors\n\n- " + bullet + "\n"
}

// StampLastUpdated ensures a single "## Last Updated\n- <timestamp>" trailer,
// replacing any prior timestamp line.
func StampLastUpdated(content string, ts time.Time) string {
	stamp := ts.UTC().Format(time.RFC3339)
	idx := strings.Index(content, lastUpdatedHeader)
	if idx < 0 {
		content = strings.TrimRight(content, "\n")
		return content + "\n\n" + lastUpdatedHeader + "\n- " + stamp + "\n"
	}
	before := content[:idx]
	rest := content[idx+len(lastUpdatedHeader):]
	rest = strings.TrimLeft(rest, "\n")
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = ""
	}
	return before + lastUpdatedHeader + "\n- " + stamp + "\n" + rest
}

// Reset overwrites all four files with their fixed templates and deletes
// every other file under the memory directory, per §6's persisted-state
// layout rule ("Reset must delete everything under that directory that is
// not one of the four files") — except the vector index's own database file
// (see indexArtifact), which the index clears in place via Reindex instead.
func (s *Store) Reset() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("memory: create directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("memory: list directory: %w", err)
	}
	keep := map[string]bool{}
	for _, name := range Files {
		keep[string(name)] = true
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if s.indexArtifact != "" && strings.HasPrefix(e.Name(), s.indexArtifact) {
			continue
		}
		full := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(full); err != nil {
			log.Warn().Err(err).Str("path", full).Msg("memory reset: failed to remove stray file")
		}
	}

	for _, name := range Files {
		if err := s.writeAtomic(name, Template(name)); err != nil {
			return err
		}
	}
	return nil
}

// Write overwrites a single file's content atomically, under its write lock.
// Used by callers that rewrite a whole file outright (e.g. applying a new
// Budget.md from submitted preferences) rather than mutating it in place.
func (s *Store) Write(name FileName, content string) error {
	return s.writeAtomic(name, content)
}

// writeAtomic writes content under the file's write lock, via a temp file
// rename, then reads the result back to verify it matches. A mismatch
// restores nothing here (there is no backup in the caller-less Reset path,
// which always writes fresh templates) but does surface as an error.
func (s *Store) writeAtomic(name FileName, content string) error {
	return s.locks.withWriteLock(string(name), func() error {
		return atomicWriteVerify(s.path(name), content)
	})
}

func atomicWriteVerify(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: rename temp file: %w", err)
	}
	readBack, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memory: read back %s: %w", path, err)
	}
	if string(readBack) != content {
		return fmt.Errorf("memory: read-back mismatch for %s", path)
	}
	return nil
}
