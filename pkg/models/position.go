package models

import "time"

// LogPosition is the committed read position inside one daily log file.
// Offset and Line never decrease for a given File.
type LogPosition struct {
	File      time.Time `db:"file_date"  json:"file_date"`
	Offset    int64     `db:"byte_offset" json:"offset"`
	Line      int64     `db:"line_count" json:"line"`
	Completed bool      `db:"completed"  json:"completed"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Day truncates t to its calendar date in t's own location and returns it
// as midnight UTC, the form used for file identifiers.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextDay returns the file identifier of the day after day.
func NextDay(day time.Time) time.Time {
	return Day(day).AddDate(0, 0, 1)
}
