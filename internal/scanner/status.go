package scanner

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
)

// Snapshot is a point-in-time view of the scanner for the status API.
type Snapshot struct {
	State      string    `json:"state"`
	From       string    `json:"from,omitempty"`
	Till       string    `json:"till,omitempty"`
	File       string    `json:"file,omitempty"`
	Offset     int64     `json:"offset"`
	Line       int64     `json:"line"`
	LagBytes   int64     `json:"lag_bytes"`
	Batches    int64     `json:"batches"`
	Rejects    int64     `json:"rejects"`
	LastCommit time.Time `json:"last_commit"`
	LastError  string    `json:"last_error,omitempty"`
}

// Snapshot returns the current status. Safe for concurrent use.
func (s *Scanner) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Scanner) setState(st State) {
	s.state = st
	s.mu.Lock()
	s.snap.State = st.String()
	s.mu.Unlock()
}

func (s *Scanner) setError(err error) {
	s.mu.Lock()
	s.snap.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Scanner) recordCommit(c *cursor, batch models.Batch) {
	lag := c.size() - c.offset
	if lag < 0 {
		lag = 0
	}
	metrics.CommittedOffset.Set(float64(c.offset))
	metrics.LagBytes.Set(float64(lag))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.File = c.day.Format(FileLayout)
	s.snap.Offset = batch.Position.Offset
	s.snap.Line = batch.Position.Line
	s.snap.LagBytes = lag
	s.snap.Batches++
	s.snap.Rejects += int64(len(batch.Rejects))
	s.snap.LastCommit = s.clock.Now()
	s.snap.LastError = ""
}

// updateLag refreshes the lag of the open file against its committed
// offset.
func (s *Scanner) updateLag() {
	var lag int64
	file := s.committed.File
	if s.cur != nil {
		lag = s.cur.size() - s.committed.Offset
		file = s.cur.day
	}
	if lag < 0 {
		lag = 0
	}
	metrics.LagBytes.Set(float64(lag))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !file.IsZero() {
		s.snap.File = file.Format(FileLayout)
	}
	s.snap.Offset = s.committed.Offset
	s.snap.Line = s.committed.Line
	s.snap.LagBytes = lag
}

// statusWriter prints the user-facing progress lines.
type statusWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *statusWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format+"\n", args...)
}
