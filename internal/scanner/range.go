package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// Date keywords accepted for the range bounds.
const (
	KeywordToday    = "today"
	KeywordLastScan = "lastscan"
	KeywordFirstLog = "firstlog"
)

// FileLayout is the name of a daily accounting file.
const FileLayout = "20060102"

// Range is the resolved, inclusive span of days to ingest.
type Range struct {
	From time.Time
	Till time.Time
}

// Days lists every day in the range.
func (r Range) Days() []time.Time {
	var days []time.Time
	for d := models.Day(r.From); !d.After(r.Till); d = models.NextDay(d) {
		days = append(days, d)
	}
	return days
}

func (r Range) String() string {
	return r.From.Format(FileLayout) + ".." + r.Till.Format(FileLayout)
}

// ValidateDate checks expr without resolving it. Keywords and YYYYMMDD
// dates are accepted; empty means the default.
func ValidateDate(expr string) error {
	switch expr {
	case "", KeywordToday, KeywordLastScan, KeywordFirstLog:
		return nil
	}
	if _, err := time.Parse(FileLayout, expr); err != nil {
		return fmt.Errorf("%w: date %q: want today, lastscan, firstlog or YYYYMMDD", apperr.ErrConfig, expr)
	}
	return nil
}

// ResolveRange turns the from/till expressions into days. An empty from
// resumes at the last file read, or today when nothing was read yet. An
// empty till means today. A reversed range is swapped.
func ResolveRange(ctx context.Context, store Store, dir, from, till string, today time.Time) (Range, error) {
	if from == "" {
		_, ok, err := store.LastPosition(ctx)
		if err != nil {
			return Range{}, err
		}
		from = KeywordToday
		if ok {
			from = KeywordLastScan
		}
	}
	if till == "" {
		till = KeywordToday
	}

	f, err := resolveDate(ctx, store, dir, from, today)
	if err != nil {
		return Range{}, err
	}
	t, err := resolveDate(ctx, store, dir, till, today)
	if err != nil {
		return Range{}, err
	}
	if f.After(t) {
		f, t = t, f
	}
	return Range{From: f, Till: t}, nil
}

func resolveDate(ctx context.Context, store Store, dir, expr string, today time.Time) (time.Time, error) {
	switch expr {
	case KeywordToday:
		return models.Day(today), nil
	case KeywordLastScan:
		pos, ok, err := store.LastPosition(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			return resolveDate(ctx, store, dir, KeywordFirstLog, today)
		}
		// Resume inside the last file; a completed file is skipped on open.
		return pos.File, nil
	case KeywordFirstLog:
		first, ok, err := FirstLog(dir)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			return models.Day(today), nil
		}
		return first, nil
	}

	if err := ValidateDate(expr); err != nil {
		return time.Time{}, err
	}
	d, _ := time.Parse(FileLayout, expr)
	return d, nil
}

// FirstLog returns the earliest daily file in dir.
func FirstLog(dir string) (time.Time, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: list %s: %v", apperr.ErrTransientIO, dir, err)
	}

	var days []time.Time
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != len(FileLayout) {
			continue
		}
		d, err := time.Parse(FileLayout, e.Name())
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return time.Time{}, false, nil
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days[0], true, nil
}

// FilePath is the path of day's accounting file in dir.
func FilePath(dir string, day time.Time) string {
	return filepath.Join(dir, day.Format(FileLayout))
}
