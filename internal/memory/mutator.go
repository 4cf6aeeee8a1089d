package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Refiner asks an external reasoner to consolidate a memory file's full
// content into a revised document. The Mutator and the consolidation sweep
// both use it; the LLM Gateway-backed implementation lives in the reasoner
// package so this package stays free of any LLM dependency.
type Refiner interface {
	Refine(ctx context.Context, file string, currentContent string) (refinedContent string, err error)
}

// Indexer re-chunks and upserts one file's chunks. The vector index package
// implements this against its own store.
type Indexer interface {
	Upsert(ctx context.Context, chunks []Chunk) error
	Reindex(ctx context.Context, contents map[FileName]string) error
}

// MutationResult reports what a mutation (or consolidation pass) did.
type MutationResult struct {
	File    FileName
	Changed bool
	Refined bool
	Reason  string
}

// MutationRecorder observes mutation outcomes so a metrics collector can be
// wired in without this package importing one concretely.
type MutationRecorder interface {
	ObserveMutation(file, strategy string)
}

// Mutator applies a memory_update to the right file: route, precondition,
// backup, simple-append-or-LLM-refine, stamp, atomic write with read-back
// verification, re-chunk/upsert, backup removal.
type Mutator struct {
	store                     *Store
	indexer                   Indexer
	refiner                   Refiner
	refinementThreshold       int
	consolidationSize         int
	consolidationObsThreshold int
	now                       func() time.Time
	recorder                  MutationRecorder
}

// SetRecorder wires a MutationRecorder (typically a metrics collector) into
// the Mutator; nil is a valid, no-op default.
func (m *Mutator) SetRecorder(r MutationRecorder) { m.recorder = r }

// NewMutator builds a Mutator over store, indexer and refiner. refiner may be
// nil: in that case the LLM-refine strategy always falls back to simple
// append, matching the Reasoner's own degraded-mode contract.
func NewMutator(store *Store, indexer Indexer, refiner Refiner, refinementThreshold, consolidationSizeThreshold, consolidationObsThreshold int) *Mutator {
	if refinementThreshold <= 0 {
		refinementThreshold = 7
	}
	if consolidationSizeThreshold <= 0 {
		consolidationSizeThreshold = 2048
	}
	if consolidationObsThreshold <= 0 {
		consolidationObsThreshold = 10
	}
	return &Mutator{
		store:                     store,
		indexer:                   indexer,
		refiner:                   refiner,
		refinementThreshold:       refinementThreshold,
		consolidationSize:         consolidationSizeThreshold,
		consolidationObsThreshold: consolidationObsThreshold,
		now:                       time.Now,
	}
}

// Apply routes a non-empty memory_update string to its target file and
// mutates it. It never returns an error for ordinary "no-change" outcomes;
// errors are reserved for precondition failures and write-verification
// failures that the caller should log.
//
// The entire read-compute-write sequence runs inside one continuous
// file-level write lock: reading the prior content, choosing append vs.
// refine, stamping the timestamp, and the atomic write-with-read-back-verify
// all happen without releasing and reacquiring the lock in between. Doing
// the read outside the lock, or splitting compute and write into separate
// lock acquisitions, lets a second concurrent Apply on the same file run
// start-to-finish in the gap and have its result silently clobbered by this
// call's write of a now-stale snapshot — exactly the lost-update writelock.go
// exists to prevent. The LLM-refine call happens inside this same critical
// section too: §5 requires writes to a memory file to be serialized one
// writer at a time, and refine's output is only valid against the content it
// read, so the lock cannot be released between them either.
func (m *Mutator) Apply(ctx context.Context, update string) (MutationResult, error) {
	update = strings.TrimSpace(update)
	if update == "" {
		return MutationResult{Reason: "empty update"}, nil
	}

	file := RouteUpdate(update)
	res := MutationResult{File: file}

	if !m.store.Exists(file) {
		res.Reason = "target file missing"
		return res, nil
	}

	path := m.store.path(file)
	backupPath := path + ".backup"
	strategy := "rejected"
	var newContent string

	lockErr := m.store.locks.withWriteLock(string(file), func() error {
		original, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("memory mutator: read %s: %w", file, err)
		}
		if err := os.WriteFile(backupPath, original, 0o644); err != nil {
			return fmt.Errorf("memory mutator: backup %s: %w", file, err)
		}

		content := string(original)
		obsCount := totalObservations(content)

		if obsCount <= m.refinementThreshold {
			newContent, res.Changed, err = m.computeAppend(content, update, &res)
		} else if refined, ok := m.tryRefine(ctx, string(file), content); ok {
			newContent = refined
			res.Changed = true
			res.Refined = true
			strategy = "refine"
		} else {
			newContent, res.Changed, err = m.computeAppend(content, update, &res)
		}
		if err != nil {
			os.Remove(backupPath)
			return err
		}
		if !res.Changed {
			os.Remove(backupPath)
			return nil
		}
		if !res.Refined {
			strategy = "append"
		}

		newContent = StampLastUpdated(newContent, m.now())
		if err := atomicWriteVerify(path, newContent); err != nil {
			if restoreErr := os.WriteFile(path, original, 0o644); restoreErr != nil {
				log.Error().Err(restoreErr).Str("file", string(file)).Msg("memory mutator: failed to restore backup after write-verify mismatch")
			}
			os.Remove(backupPath)
			res.Changed = false
			res.Reason = "write verification failed, restored from backup"
			strategy = "error"
			return fmt.Errorf("memory mutator: write %s: %w", file, err)
		}
		os.Remove(backupPath)
		return nil
	})

	if m.recorder != nil {
		m.recorder.ObserveMutation(string(file), strategy)
	}
	if lockErr != nil {
		return res, fmt.Errorf("memory mutator: apply to %s: %w", file, lockErr)
	}
	if !res.Changed {
		return res, nil
	}

	if m.indexer != nil {
		chunks := Chunks(file, newContent)
		if err := m.indexer.Upsert(ctx, chunks); err != nil {
			log.Warn().Err(err).Str("file", string(file)).Msg("memory mutator: upsert failed, next full reindex will heal")
		}
	}

	return res, nil
}

// computeAppend runs the simple-append strategy, recording a "section full"
// no-change reason on the caller's result when the target section is full.
func (m *Mutator) computeAppend(content, update string, res *MutationResult) (string, bool, error) {
	updated, changed, err := SimpleAppend(content, update)
	if err != nil && err != ErrSectionFull {
		return "", false, err
	}
	if !changed {
		res.Reason = "section full, no change"
		return "", false, nil
	}
	return updated, true, nil
}

// tryRefine asks the refiner for a consolidated document and accepts it only
// if it is non-empty and strictly different from the original.
func (m *Mutator) tryRefine(ctx context.Context, file, current string) (string, bool) {
	if m.refiner == nil {
		return "", false
	}
	refined, err := m.refiner.Refine(ctx, file, current)
	if err != nil {
		log.Warn().Err(err).Str("file", file).Msg("memory mutator: refine call failed, falling back to append")
		return "", false
	}
	refined = strings.TrimSpace(refined)
	if refined == "" || refined == strings.TrimSpace(current) {
		return "", false
	}
	return refined, true
}

func totalObservations(content string) int {
	total := 0
	for _, sec := range splitSections(content) {
		total += CountObservations(sec.body)
	}
	return total
}

// ConsolidationStatus is the per-file outcome of a consolidation sweep.
type ConsolidationStatus string

const (
	ConsolidationConsolidated ConsolidationStatus = "consolidated"
	ConsolidationSkipped      ConsolidationStatus = "skipped"
	ConsolidationError        ConsolidationStatus = "error"
)

// ConsolidationReport is one file's result from a sweep.
type ConsolidationReport struct {
	File       FileName
	Status     ConsolidationStatus
	SizeBefore int
	SizeAfter  int
	ObsBefore  int
	ObsAfter   int
	Err        error
}

// Consolidate runs the consolidation sweep: for each file whose byte size or
// observation count exceeds the configured thresholds, ask the refiner to
// rewrite it, stamp, and write; after the sweep, run one full Reindex over
// all memory files.
func (m *Mutator) Consolidate(ctx context.Context) []ConsolidationReport {
	var reports []ConsolidationReport
	for _, file := range Files {
		report := ConsolidationReport{File: file}
		content, err := m.store.Read(file)
		if err != nil {
			report.Status = ConsolidationError
			report.Err = err
			reports = append(reports, report)
			continue
		}
		report.SizeBefore = len(content)
		report.ObsBefore = totalObservations(content)

		if len(content) <= m.consolidationSize && report.ObsBefore <= m.consolidationObsThreshold {
			report.Status = ConsolidationSkipped
			report.SizeAfter = report.SizeBefore
			report.ObsAfter = report.ObsBefore
			reports = append(reports, report)
			continue
		}

		refined, ok := m.tryRefine(ctx, string(file), content)
		if !ok {
			report.Status = ConsolidationSkipped
			report.SizeAfter = report.SizeBefore
			report.ObsAfter = report.ObsBefore
			reports = append(reports, report)
			continue
		}

		refined = StampLastUpdated(refined, m.now())
		path := m.store.path(file)
		err = m.store.locks.withWriteLock(string(file), func() error {
			return atomicWriteVerify(path, refined)
		})
		if err != nil {
			report.Status = ConsolidationError
			report.Err = err
			reports = append(reports, report)
			continue
		}

		report.Status = ConsolidationConsolidated
		report.SizeAfter = len(refined)
		report.ObsAfter = totalObservations(refined)
		reports = append(reports, report)
	}

	if m.indexer != nil {
		contents := make(map[FileName]string, len(Files))
		for _, file := range Files {
			if c, err := m.store.Read(file); err == nil {
				contents[file] = c
			}
		}
		if err := m.indexer.Reindex(ctx, contents); err != nil {
			log.Warn().Err(err).Msg("memory mutator: post-consolidation reindex failed")
		}
	}

	return reports
}
