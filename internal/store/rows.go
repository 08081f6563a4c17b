package store

import (
	"maps"
	"regexp"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// maxRowsPerStatement bounds multi-row statements well below the
// 65535 bind parameter limit.
const maxRowsPerStatement = 1000

type attrKind int

const (
	kindText attrKind = iota
	kindEpoch
	kindInterval
	kindInt
	kindHostList
)

// jobAttributeColumns maps accounting attributes to typed job columns.
// Attributes not listed here are only kept in the attributes jsonb column.
var jobAttributeColumns = []struct {
	attr   string
	column string
	kind   attrKind
}{
	{"account", "account", kindText},
	{"accounting_id", "accounting_id", kindText},
	{"alt_id", "alt_id", kindText},
	{"ctime", "ctime", kindEpoch},
	{"eligible_time", "eligible_time", kindInterval},
	{"end", "end", kindEpoch},
	{"etime", "etime", kindEpoch},
	{"exec_host", "exec_host", kindHostList},
	{"exec_vnode", "exec_vnode", kindHostList},
	{"Exit_status", "exit_status", kindInt},
	{"group", "group", kindText},
	{"jobname", "jobname", kindText},
	{"project", "project", kindText},
	{"qtime", "qtime", kindEpoch},
	{"queue", "queue", kindText},
	{"run_count", "run_count", kindInt},
	{"session", "session", kindInt},
	{"start", "start", kindEpoch},
	{"user", "user", kindText},
}

var jobColumns = func() []string {
	cols := []string{"job_id", "server", "event_type", "event_rank", "last_record", "last_event_at"}
	for _, a := range jobAttributeColumns {
		cols = append(cols, a.column)
	}
	return append(cols, "attributes", "source_file")
}()

// reDuration accepts plain seconds or [HH:]MM:SS, bounded so the result
// fits PostgreSQL's microsecond interval.
var reDuration = regexp.MustCompile(`^-?(\d{1,12}(\.\d{1,6})?|\d{1,9}(:\d{1,2}){1,2}(\.\d{1,6})?)$`)

// maxEpoch is 9999-12-31T23:59:59Z, well inside timestamptz.
const maxEpoch = 253402300799

func jobRow(j models.JobFact) ([]any, error) {
	attrs, err := attributesJSON(j.Attributes)
	if err != nil {
		return nil, err
	}

	row := make([]any, 0, len(jobColumns))
	row = append(row,
		j.JobID,
		nullString(j.Server()),
		nullString(models.EventType(j.RecordType)),
		models.EventRank(j.RecordType),
		j.RecordType,
		j.Timestamp,
	)
	for _, a := range jobAttributeColumns {
		v, ok := j.Attributes[a.attr]
		if !ok || v == "" {
			row = append(row, nil)
			continue
		}
		row = append(row, typedValue(a.kind, v))
	}
	return append(row, goqu.L("?::jsonb", attrs), j.SourceFile), nil
}

// typedValue converts a raw attribute to its column value. Values that do
// not convert become NULL; the raw text survives in the attributes column.
func typedValue(kind attrKind, v string) any {
	switch kind {
	case kindEpoch:
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 || secs > maxEpoch {
			return nil
		}
		return time.Unix(secs, 0).UTC()
	case kindInterval:
		if !reDuration.MatchString(v) {
			return nil
		}
		return goqu.L("?::interval", v)
	case kindInt:
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil
		}
		return n
	case kindHostList:
		return goqu.L("string_to_array(?, '+')", v)
	default:
		return v
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// conflateJobs merges facts for the same job so each job appears once per
// statement. Order of first appearance is kept.
func conflateJobs(in []models.JobFact) []models.JobFact {
	idx := make(map[string]int, len(in))
	out := make([]models.JobFact, 0, len(in))
	for _, j := range in {
		if i, ok := idx[j.JobID]; ok {
			out[i].Merge(j)
			continue
		}
		j.Attributes = maps.Clone(j.Attributes)
		idx[j.JobID] = len(out)
		out = append(out, j)
	}
	return out
}

// conflateResources keeps the last value for each resource key.
func conflateResources(in []models.ResourceFact) []models.ResourceFact {
	idx := make(map[models.ResourceKey]int, len(in))
	out := make([]models.ResourceFact, 0, len(in))
	for _, r := range in {
		if i, ok := idx[r.Key()]; ok {
			if r.SourceFile.Before(out[i].SourceFile) {
				r.SourceFile = out[i].SourceFile
			}
			out[i] = r
			continue
		}
		idx[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

func chunks[T any](s []T, n int) [][]T {
	var out [][]T
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

