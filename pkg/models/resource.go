package models

import "time"

// ResourceFact is one entity-attribute-value row: a resource requested by
// or used by a job. (JobID, Name, Requested) is unique.
type ResourceFact struct {
	JobID      string    `db:"job_id"      json:"job_id"`
	Name       string    `db:"name"        json:"name"`
	Requested  bool      `db:"requested"   json:"requested"`
	Value      string    `db:"value"       json:"value"`
	SourceFile time.Time `db:"source_file" json:"source_file"`
}

// ResourceKey identifies a resource row.
type ResourceKey struct {
	JobID     string
	Name      string
	Requested bool
}

func (r ResourceFact) Key() ResourceKey {
	return ResourceKey{JobID: r.JobID, Name: r.Name, Requested: r.Requested}
}
