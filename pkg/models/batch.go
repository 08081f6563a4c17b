package models

import "time"

// Reject is a log line that could not be parsed. It is stored so that no
// line is silently dropped.
type Reject struct {
	File        time.Time `db:"file_date"   json:"file_date"`
	LineNo      int64     `db:"line_no"     json:"line_no"`
	Kind        string    `db:"kind"        json:"kind"`
	Reason      string    `db:"reason"      json:"reason"`
	Raw         string    `db:"raw"         json:"raw"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
}

// RejectCluster groups rejects that share a fingerprint.
type RejectCluster struct {
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	Kind        string    `db:"kind"        json:"kind"`
	Count       int       `db:"count"       json:"count"`
	FirstFile   time.Time `db:"first_file"  json:"first_file"`
	LastFile    time.Time `db:"last_file"   json:"last_file"`
	Sample      string    `db:"sample"      json:"sample"`
}

// Batch is the unit of durability: every fact parsed from the lines ending
// at Position, all from the same file.
type Batch struct {
	Jobs      []JobFact
	Resources []ResourceFact
	Rejects   []Reject
	Lines     int
	Position  LogPosition
}

// Empty reports whether the batch carries no facts and no rejects.
func (b *Batch) Empty() bool {
	return len(b.Jobs) == 0 && len(b.Resources) == 0 && len(b.Rejects) == 0
}

// Record is the parsed form of a single accounting line.
type Record struct {
	// Skip is set for records that carry nothing to ingest (license lines).
	Skip      bool
	Job       JobFact
	Resources []ResourceFact
	// Warnings lists tokens that were ignored while parsing.
	Warnings []string
}
