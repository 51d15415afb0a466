package store

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"time"
)

// IssueKind classifies why a validation scan dropped an entry.
type IssueKind string

const (
	// IssueExpired marks entries whose TTL elapsed before the scan.
	IssueExpired IssueKind = "expired"
	// IssueChecksumMismatch marks entries whose payload no longer matches
	// the checksum computed at set time.
	IssueChecksumMismatch IssueKind = "checksum-mismatch"
	// IssueValidatorRejected marks entries vetoed by the configured
	// validator.
	IssueValidatorRejected IssueKind = "validator-rejected"
	// IssueMissingDependency marks entries referencing a dependency file
	// that no longer exists on disk.
	IssueMissingDependency IssueKind = "missing-dependency"
)

// Issue describes one entry removed by a validation scan.
type Issue struct {
	Key    string
	Kind   IssueKind
	Detail string
}

// ValidationReport summarizes a full-store scan. SuggestedStrategy nudges the
// caller toward a full flush when more than half the store was bad.
type ValidationReport struct {
	IsValid           bool
	InvalidatedKeys   []string
	Issues            []Issue
	SuggestedStrategy string
}

// Validate scans every entry and deletes the ones that are expired, fail the
// checksum comparison, fail the configured validator, or reference a
// dependency file missing from disk. Problems are advisory cleanup, never
// errors: the scan reports what it removed and keeps going.
func (s *Store[T]) Validate(ctx context.Context) ValidationReport {
	now := time.Now()
	report := ValidationReport{IsValid: true, SuggestedStrategy: "partial"}

	// Dependency existence is checked per file once, outside the entry loop,
	// so a shared include file costs one stat.
	missingFiles := make(map[string]bool)

	s.mu.Lock()
	total := len(s.entries)
	keys := make([]string, 0, total)
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			report.IsValid = len(report.Issues) == 0
			return report
		default:
		}

		entry, ok := s.entries[key]
		if !ok {
			continue
		}

		if entry.Expired(now) {
			s.removeLocked(key, entry)
			report.Issues = append(report.Issues, Issue{Key: key, Kind: IssueExpired})
			continue
		}

		if data, err := s.serializer.Serialize(entry.Data); err != nil {
			s.removeLocked(key, entry)
			report.Issues = append(report.Issues, Issue{Key: key, Kind: IssueChecksumMismatch, Detail: err.Error()})
			continue
		} else if sum := checksum(data); sum != entry.Metadata.Checksum {
			s.removeLocked(key, entry)
			report.Issues = append(report.Issues, Issue{Key: key, Kind: IssueChecksumMismatch, Detail: "payload drifted from stored checksum"})
			continue
		}

		if s.validator != nil && !s.validator(entry.Info(now)) {
			s.removeLocked(key, entry)
			report.Issues = append(report.Issues, Issue{Key: key, Kind: IssueValidatorRejected})
			continue
		}

		dropped := false
		for _, file := range entry.Dependencies {
			missing, checked := missingFiles[file]
			if !checked {
				_, err := os.Stat(file)
				missing = os.IsNotExist(err)
				missingFiles[file] = missing
			}
			if missing {
				s.removeLocked(key, entry)
				report.Issues = append(report.Issues, Issue{Key: key, Kind: IssueMissingDependency, Detail: file})
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	for _, issue := range report.Issues {
		report.InvalidatedKeys = append(report.InvalidatedKeys, issue.Key)
	}
	report.IsValid = len(report.Issues) == 0
	if total > 0 && len(report.InvalidatedKeys)*2 > total {
		report.SuggestedStrategy = "full"
	}

	if len(report.InvalidatedKeys) > 0 {
		s.recorder.SetStoreEntries(s.name, count)
		if s.logger != nil {
			s.logger.Info("validation scan removed entries",
				slog.Int("removed", len(report.InvalidatedKeys)),
				slog.Int("scanned", total),
				slog.String("suggested_strategy", report.SuggestedStrategy))
		}
	}
	return report
}
