package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timelineExt = ".jsonl"

// PurgeTimelines deletes session timelines under dir that were last written
// more than retentionDays before now, and returns the session ids it removed.
// A missing directory or a non-positive retention is not an error.
func PurgeTimelines(dir string, retentionDays int, now time.Time) ([]string, error) {
	if strings.TrimSpace(dir) == "" || retentionDays <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	var (
		removed []string
		errs    error
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != timelineExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed = append(removed, strings.TrimSuffix(name, timelineExt))
	}
	return removed, errs
}
