// Package acctlog parses PBS accounting log records into job and resource
// facts. Parsing is pure: no I/O, and the same line always yields the same
// record.
package acctlog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// TimestampLayout is the layout of the first field of every record.
const TimestampLayout = "01/02/2006 15:04:05"

const (
	DefaultRequestedPrefix = "Resource_List."
	DefaultUsedPrefix      = "resources_used."
)

// DefaultJobAttributes lists, per record type, the keys kept as job
// attributes. Record types absent from the map keep every key that is not
// a resource.
var DefaultJobAttributes = map[string][]string{
	models.RecordEnded: {
		"account", "accounting_id", "alt_id", "ctime", "eligible_time", "end",
		"etime", "exec_host", "exec_vnode", "Exit_status", "group", "jobname",
		"project", "qtime", "queue", "run_count", "session", "start", "user",
	},
	models.RecordQueued: {"queue"},
	models.RecordStarted: {
		"accounting_id", "ctime", "etime", "exec_host", "exec_vnode", "group",
		"jobname", "project", "qtime", "queue", "session", "start", "user",
	},
}

// ErrParse is the sentinel wrapped by every *ParseError.
var ErrParse = errors.New("parse accounting record")

// ErrorKind classifies a parse failure.
type ErrorKind int

const (
	MalformedLine ErrorKind = iota + 1
	BadTimestamp
	UnknownRecordType
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedLine:
		return "malformed_line"
	case BadTimestamp:
		return "bad_timestamp"
	case UnknownRecordType:
		return "unknown_record_type"
	default:
		return "unknown"
	}
}

// ParseError reports why a line was rejected.
type ParseError struct {
	Kind   ErrorKind
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Options configures a Parser. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	RequestedPrefix string
	UsedPrefix      string
	JobAttributes   map[string][]string
	Location        *time.Location
}

// DefaultOptions returns the stock PBS prefixes and attribute sets in the
// local time zone.
func DefaultOptions() Options {
	return Options{
		RequestedPrefix: DefaultRequestedPrefix,
		UsedPrefix:      DefaultUsedPrefix,
		JobAttributes:   DefaultJobAttributes,
		Location:        time.Local,
	}
}

// Parser turns accounting lines into records. It is safe for concurrent use.
type Parser struct {
	requestedPrefix string
	usedPrefix      string
	attrs           map[string]map[string]struct{}
	loc             *time.Location
}

// NewParser builds a Parser from opts.
func NewParser(opts Options) *Parser {
	p := &Parser{
		requestedPrefix: opts.RequestedPrefix,
		usedPrefix:      opts.UsedPrefix,
		attrs:           make(map[string]map[string]struct{}, len(opts.JobAttributes)),
		loc:             opts.Location,
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	for recordType, keys := range opts.JobAttributes {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		p.attrs[recordType] = set
	}
	return p
}

// Parse parses one line. The trailing newline, if any, is ignored. Errors
// are always *ParseError.
func (p *Parser) Parse(line string) (models.Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, ";", 4)
	if len(fields) < 4 {
		return models.Record{}, malformed(line, fmt.Sprintf("expected 4 ';'-separated fields, got %d", len(fields)))
	}
	stamp, recordType, jobID, rest := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]), strings.TrimSpace(fields[2]), fields[3]

	if stamp == "" {
		return models.Record{}, malformed(line, "missing timestamp")
	}
	if recordType == "" {
		return models.Record{}, malformed(line, "missing record type")
	}
	if jobID == "" {
		return models.Record{}, malformed(line, "missing job id")
	}
	if strings.IndexFunc(jobID, unicode.IsSpace) >= 0 {
		return models.Record{}, malformed(line, fmt.Sprintf("job id %q contains whitespace", jobID))
	}

	ts, err := time.ParseInLocation(TimestampLayout, stamp, p.loc)
	if err != nil {
		return models.Record{}, &ParseError{Kind: BadTimestamp, Reason: fmt.Sprintf("timestamp %q", stamp), Line: line}
	}

	if !models.KnownRecordType(recordType) {
		return models.Record{}, &ParseError{
			Kind:   UnknownRecordType,
			Reason: fmt.Sprintf("record type %q for job %s", recordType, jobID),
			Line:   line,
		}
	}
	if recordType == models.RecordLicense {
		return models.Record{Skip: true}, nil
	}

	rec := models.Record{
		Job: models.JobFact{
			JobID:      sanitize(jobID),
			RecordType: recordType,
			Timestamp:  ts,
			Attributes: make(map[string]string),
		},
	}

	keep, restricted := p.attrs[recordType]
	resources := make(map[models.ResourceKey]models.ResourceFact)

	tokens, unbalanced := tokenize(rest)
	if unbalanced {
		rec.Warnings = append(rec.Warnings, "unterminated quote, split on whitespace")
	}
	for _, tok := range tokens {
		key, val, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("ignored token %q", tok))
			continue
		}
		val = sanitize(unquote(val))

		var (
			name      string
			requested bool
			resource  bool
		)
		switch {
		case p.requestedPrefix != "" && strings.HasPrefix(key, p.requestedPrefix):
			name, requested, resource = key[len(p.requestedPrefix):], true, true
		case p.usedPrefix != "" && strings.HasPrefix(key, p.usedPrefix):
			name, resource = key[len(p.usedPrefix):], true
		default:
			_, isAttr := keep[key]
			if !restricted || isAttr {
				rec.Job.Attributes[key] = val
				continue
			}
			// Unlisted keys are kept as generic used resources.
			name, resource = key, true
		}
		if resource && name == "" {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("empty resource name in %q", tok))
			continue
		}

		r := models.ResourceFact{JobID: rec.Job.JobID, Name: sanitize(name), Requested: requested, Value: val}
		resources[r.Key()] = r
	}

	rec.Resources = make([]models.ResourceFact, 0, len(resources))
	for _, r := range resources {
		rec.Resources = append(rec.Resources, r)
	}
	sort.Slice(rec.Resources, func(i, j int) bool {
		a, b := rec.Resources[i], rec.Resources[j]
		if a.Requested != b.Requested {
			return a.Requested
		}
		return a.Name < b.Name
	})

	return rec, nil
}

func malformed(line, reason string) *ParseError {
	return &ParseError{Kind: MalformedLine, Reason: reason, Line: line}
}

// tokenize splits the attribute field on whitespace and ';', keeping
// double-quoted runs intact. A quote left open at the end does not swallow
// the rest of the line: that run is split on separators alone and
// unbalanced is reported.
func tokenize(s string) (tokens []string, unbalanced bool) {
	var (
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && isSeparator(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		tokens = append(tokens, strings.FieldsFunc(cur.String(), isSeparator)...)
		return tokens, true
	}
	flush()
	return tokens, false
}

func isSeparator(r rune) bool {
	return r == ';' || unicode.IsSpace(r)
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// sanitize makes v storable as PostgreSQL text.
func sanitize(v string) string {
	v = strings.ToValidUTF8(v, "�")
	return strings.ReplaceAll(v, "\x00", "")
}
