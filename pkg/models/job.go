package models

import (
	"strings"
	"time"
)

// Accounting record types.
const (
	RecordQueued    = "Q"
	RecordStarted   = "S"
	RecordEnded     = "E"
	RecordDeleted   = "D"
	RecordAborted   = "A"
	RecordRerun     = "R"
	RecordRestarted = "T"
	RecordLicense   = "L"
)

var eventTypes = map[string]string{
	RecordQueued:    "QUEUED",
	RecordStarted:   "STARTED",
	RecordEnded:     "ENDED",
	RecordDeleted:   "DELETED",
	RecordAborted:   "ABORTED",
	RecordRerun:     "RERUN",
	RecordRestarted: "RESTARTED",
}

// eventRanks orders lifecycle events so a re-processed older record
// never moves a job backwards.
var eventRanks = map[string]int{
	RecordQueued:    1,
	RecordRerun:     2,
	RecordStarted:   3,
	RecordRestarted: 3,
	RecordDeleted:   4,
	RecordAborted:   4,
	RecordEnded:     5,
}

// KnownRecordType reports whether t is a record type the ingester understands.
func KnownRecordType(t string) bool {
	_, ok := eventTypes[t]
	return ok || t == RecordLicense
}

// EventType returns the lifecycle event name for a record type.
func EventType(recordType string) string {
	return eventTypes[recordType]
}

// EventRank returns the lifecycle order of a record type, 0 if unknown.
func EventRank(recordType string) int {
	return eventRanks[recordType]
}

// JobFact is one job-lifecycle record. Attributes hold the raw text values
// of the scalar job attributes present on the line.
type JobFact struct {
	JobID      string            `json:"job_id"`
	RecordType string            `json:"record_type"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceFile time.Time         `json:"source_file"`
	Attributes map[string]string `json:"attributes"`
}

// Server returns the scheduler host part of the job id ("123.host" -> "host").
func (j JobFact) Server() string {
	if i := strings.IndexByte(j.JobID, '.'); i >= 0 {
		return j.JobID[i+1:]
	}
	return ""
}

// Merge folds a later fact for the same job into j. Attributes present in
// next overwrite, absent ones are kept. The record type only moves forward.
func (j *JobFact) Merge(next JobFact) {
	if j.Attributes == nil {
		j.Attributes = make(map[string]string, len(next.Attributes))
	}
	for k, v := range next.Attributes {
		j.Attributes[k] = v
	}
	if EventRank(next.RecordType) >= EventRank(j.RecordType) {
		j.RecordType = next.RecordType
		j.Timestamp = next.Timestamp
	}
	if next.SourceFile.After(j.SourceFile) {
		j.SourceFile = next.SourceFile
	}
}
