package scanner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/scanner"
	"github.com/kiranshivaraju/pbsgestor/pkg/acctlog"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// memStore is an in-memory Store with the same progress semantics as the
// database: offsets only grow and completion sticks.
type memStore struct {
	mu        sync.Mutex
	positions map[time.Time]models.LogPosition
	batches   []models.Batch
	failures  []error
	always    error
	calls     int
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[time.Time]models.LogPosition)}
}

func (m *memStore) WriteBatch(_ context.Context, b models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.always != nil {
		return m.always
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}

	m.batches = append(m.batches, b)
	p := m.positions[b.Position.File]
	p.File = b.Position.File
	p.Offset = max(p.Offset, b.Position.Offset)
	p.Line = max(p.Line, b.Position.Line)
	p.Completed = p.Completed || b.Position.Completed
	m.positions[p.File] = p
	return nil
}

func (m *memStore) Position(_ context.Context, day time.Time) (models.LogPosition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[models.Day(day)]
	return p, ok, nil
}

func (m *memStore) LastPosition(context.Context) (models.LogPosition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last models.LogPosition
	found := false
	for d, p := range m.positions {
		if !found || d.After(last.File) {
			last, found = p, true
		}
	}
	return last, found, nil
}

func (m *memStore) position(day time.Time) models.LogPosition {
	p, _, _ := m.Position(context.Background(), day)
	return p
}

func (m *memStore) jobs() []models.JobFact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobFact
	for _, b := range m.batches {
		out = append(out, b.Jobs...)
	}
	return out
}

func (m *memStore) lines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += b.Lines
	}
	return n
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func acctLine(ts time.Time, typ, jobID, attrs string) string {
	return fmt.Sprintf("%s;%s;%s;%s\n", ts.Format(acctlog.TimestampLayout), typ, jobID, attrs)
}

func writeLog(t *testing.T, dir string, day time.Time, content string) string {
	t.Helper()
	path := scanner.FilePath(dir, day)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendLog(t *testing.T, dir string, day time.Time, content string) {
	t.Helper()
	f, err := os.OpenFile(scanner.FilePath(dir, day), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	return st.Size()
}

type harness struct {
	dir    string
	clock  *testingclock.FakeClock
	store  *memStore
	status *bytes.Buffer
	opts   scanner.Options
}

func newHarness(t *testing.T, now time.Time) *harness {
	dir := t.TempDir()
	fc := testingclock.NewFakeClock(now)
	status := &bytes.Buffer{}
	return &harness{
		dir:    dir,
		clock:  fc,
		store:  newMemStore(),
		status: status,
		opts: scanner.Options{
			Dir:           dir,
			Location:      time.UTC,
			BatchSize:     100,
			BatchInterval: 5 * time.Second,
			PollInterval:  time.Second,
			RolloverGrace: 2 * time.Minute,
			MaxAttempts:   3,
			RetryInitial:  time.Second,
			RetryMax:      4 * time.Second,
			Clock:         fc,
			Status:        status,
		},
	}
}

func (h *harness) scanner() *scanner.Scanner {
	opts := acctlog.DefaultOptions()
	opts.Location = time.UTC
	return scanner.New(acctlog.NewParser(opts), h.store, h.opts)
}

// settle steps s until it goes idle or stops.
func settle(t *testing.T, s *scanner.Scanner) {
	t.Helper()
	for i := 0; i < 100; i++ {
		idle, err := s.Step(context.Background())
		if s.State() == scanner.Stopped {
			return
		}
		require.NoError(t, err)
		if idle {
			return
		}
	}
	t.Fatal("scanner never settled")
}

// stepWithClock runs one Step while advancing the fake clock for any
// backoff timers it waits on.
func stepWithClock(t *testing.T, s *scanner.Scanner, fc *testingclock.FakeClock) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := s.Step(context.Background())
		done <- err
	}()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("step did not finish")
		default:
			if fc.HasWaiters() {
				fc.Step(10 * time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestReplay_ManualRangeStops(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1, d2, d3 := date(2019, 1, 1), date(2019, 1, 2), date(2019, 1, 3)

	ts := time.Date(2019, 1, 1, 0, 0, 1, 0, time.UTC)
	content := acctLine(ts, "Q", "1.host", "queue=workq") +
		acctLine(ts, "E", "1.host", "user=alice resources_used.walltime=00:10:00 Resource_List.ncpus=4") +
		"garbage\n" +
		"01/01/2019 23:59:59;E;2.host;user=bob" // unterminated
	p1 := writeLog(t, h.dir, d1, content)
	writeLog(t, h.dir, d3, acctLine(ts.AddDate(0, 0, 2), "S", "3.host", "user=carol"))

	h.opts.From = "20190101"
	h.opts.Till = "20190103"
	s := h.scanner()
	for s.State() != scanner.Stopped {
		settle(t, s)
	}
	require.NoError(t, s.Err())

	pos1 := h.store.position(d1)
	assert.True(t, pos1.Completed)
	assert.Equal(t, fileSize(t, p1), pos1.Offset)
	assert.Equal(t, int64(4), pos1.Line)
	assert.True(t, h.store.position(d3).Completed)
	_, ok, _ := h.store.Position(context.Background(), d2)
	assert.False(t, ok, "missing day is skipped, not recorded")

	jobs := h.store.jobs()
	require.Len(t, jobs, 4)
	for _, j := range jobs[:3] {
		assert.Equal(t, d1, j.SourceFile)
	}
	assert.Equal(t, "2.host", jobs[2].JobID)
	assert.Equal(t, d3, jobs[3].SourceFile)

	var rejects []models.Reject
	for _, b := range h.store.batches {
		rejects = append(rejects, b.Rejects...)
	}
	require.Len(t, rejects, 1)
	assert.Equal(t, int64(3), rejects[0].LineNo)
	assert.Equal(t, "malformed_line", rejects[0].Kind)
	assert.NotEmpty(t, rejects[0].Fingerprint)

	assert.Contains(t, h.status.String(), "range 20190101..20190103")
	assert.Contains(t, h.status.String(), "skip 20190102: no file")
	assert.Equal(t, "stopped", s.Snapshot().State)
}

func TestReplay_SkipsCompletedFiles(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1 := date(2019, 1, 1)
	writeLog(t, h.dir, d1, acctLine(d1, "Q", "1.host", "queue=workq"))
	h.store.positions[d1] = models.LogPosition{File: d1, Offset: 10, Line: 1, Completed: true}

	h.opts.From, h.opts.Till = "20190101", "20190101"
	s := h.scanner()
	for s.State() != scanner.Stopped {
		settle(t, s)
	}
	assert.Empty(t, h.store.batches)
}

func TestTail_ResumesWithoutDuplicates(t *testing.T) {
	now := time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	d := date(2019, 1, 2)
	path := writeLog(t, h.dir, d,
		acctLine(now, "Q", "1.host", "queue=workq")+
			acctLine(now, "Q", "2.host", "queue=workq")+
			acctLine(now, "Q", "3.host", "queue=workq"))

	s := h.scanner()
	settle(t, s)
	assert.Equal(t, scanner.Tailing, s.State())
	assert.Empty(t, h.store.batches, "batch waits for the interval")

	h.clock.Step(5 * time.Second)
	settle(t, s)
	assert.Equal(t, fileSize(t, path), h.store.position(d).Offset)
	assert.Equal(t, 3, h.store.lines())

	// Restart: a fresh scanner resumes at the committed offset.
	appendLog(t, h.dir, d, acctLine(now, "E", "1.host", "user=alice")+acctLine(now, "E", "2.host", "user=bob"))
	s2 := h.scanner()
	settle(t, s2)
	h.clock.Step(5 * time.Second)
	settle(t, s2)

	assert.Equal(t, 5, h.store.lines())
	assert.Equal(t, int64(5), h.store.position(d).Line)
	assert.Equal(t, fileSize(t, path), h.store.position(d).Offset)

	seen := map[string]int{}
	for _, j := range h.store.jobs() {
		seen[j.JobID+"/"+j.RecordType]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
}

func TestTail_PartialLineIsBuffered(t *testing.T) {
	now := time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	d := date(2019, 1, 2)
	first := acctLine(now, "Q", "1.host", "queue=workq")
	second := acctLine(now, "E", "2.host", "user=alice Resource_List.ncpus=8")
	writeLog(t, h.dir, d, first+second[:20])

	s := h.scanner()
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	assert.Equal(t, int64(len(first)), h.store.position(d).Offset)
	assert.Equal(t, 1, h.store.lines())
	for _, b := range h.store.batches {
		assert.Empty(t, b.Rejects, "a partial line is never parsed")
	}

	appendLog(t, h.dir, d, second[20:])
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	assert.Equal(t, int64(len(first)+len(second)), h.store.position(d).Offset)
	jobs := h.store.jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "2.host", jobs[1].JobID)
}

func TestTail_RolloverAttributesFactsToTheirDay(t *testing.T) {
	before := time.Date(2019, 1, 2, 23, 59, 0, 0, time.UTC)
	h := newHarness(t, before)
	d2, d3 := date(2019, 1, 2), date(2019, 1, 3)
	p2 := writeLog(t, h.dir, d2, acctLine(before, "Q", "1.host", "queue=workq"))

	s := h.scanner()
	settle(t, s)

	// A late line without its newline, then midnight and the next file.
	appendLog(t, h.dir, d2, "01/02/2019 23:59:59;E;1.host;user=alice")
	h.clock.SetTime(time.Date(2019, 1, 3, 0, 0, 30, 0, time.UTC))
	p3 := writeLog(t, h.dir, d3, acctLine(d3, "Q", "2.host", "queue=workq"))

	settle(t, s)
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	pos2 := h.store.position(d2)
	assert.True(t, pos2.Completed)
	assert.Equal(t, fileSize(t, p2), pos2.Offset)
	assert.Equal(t, int64(2), pos2.Line)
	assert.Equal(t, fileSize(t, p3), h.store.position(d3).Offset)
	assert.False(t, h.store.position(d3).Completed)

	for _, b := range h.store.batches {
		for _, j := range b.Jobs {
			assert.Equal(t, b.Position.File, j.SourceFile, "batch never spans files")
		}
	}
	byDay := map[time.Time][]string{}
	for _, j := range h.store.jobs() {
		byDay[j.SourceFile] = append(byDay[j.SourceFile], j.JobID+"/"+j.RecordType)
	}
	assert.Equal(t, []string{"1.host/Q", "1.host/E"}, byDay[d2])
	assert.Equal(t, []string{"2.host/Q"}, byDay[d3])
	assert.Contains(t, h.status.String(), "rollover 20190102 -> 20190103")
}

func TestTail_RolloverWaitsForGrace(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 2, 23, 59, 0, 0, time.UTC))
	d2, d3 := date(2019, 1, 2), date(2019, 1, 3)
	writeLog(t, h.dir, d2, acctLine(d2, "Q", "1.host", "queue=workq"))

	s := h.scanner()
	settle(t, s)

	h.clock.SetTime(time.Date(2019, 1, 3, 0, 1, 0, 0, time.UTC))
	settle(t, s)
	assert.False(t, h.store.position(d2).Completed, "inside the grace period")

	h.clock.SetTime(time.Date(2019, 1, 3, 0, 2, 30, 0, time.UTC))
	settle(t, s)
	settle(t, s)
	assert.True(t, h.store.position(d2).Completed)
	_, ok, _ := h.store.Position(context.Background(), d3)
	assert.False(t, ok, "next file not created yet")
	assert.Equal(t, scanner.Tailing, s.State())
}

func TestTail_ReopensReplacedFile(t *testing.T) {
	now := time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	d := date(2019, 1, 2)
	first := acctLine(now, "Q", "1.host", "queue=workq")
	path := writeLog(t, h.dir, d, first)

	s := h.scanner()
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)
	require.Equal(t, 1, h.store.lines())

	require.NoError(t, os.Remove(path))
	writeLog(t, h.dir, d, first+acctLine(now, "Q", "2.host", "queue=workq"))

	settle(t, s)
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	jobs := h.store.jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "2.host", jobs[1].JobID, "earlier lines are not re-read")
	assert.Equal(t, fileSize(t, path), h.store.position(d).Offset)
}

func TestTail_WaitsForTodaysFile(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC))
	s := h.scanner()
	settle(t, s)
	assert.Equal(t, scanner.Tailing, s.State())
	assert.Empty(t, h.store.batches)
}

func TestTail_FutureRangeWaitsForItsFirstDay(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC))
	d2, d5 := date(2019, 1, 2), date(2019, 1, 5)
	writeLog(t, h.dir, d2, acctLine(d2, "Q", "1.host", "queue=workq"))
	h.opts.From = "20190105"
	h.opts.Till = "20190106"

	s := h.scanner()
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	assert.Equal(t, scanner.Tailing, s.State())
	assert.Empty(t, h.store.batches, "today is outside the range")
	assert.Contains(t, h.status.String(), "then follow 20190105")
	assert.NotContains(t, h.status.String(), "follow 20190102")

	h.clock.SetTime(time.Date(2019, 1, 5, 8, 0, 0, 0, time.UTC))
	writeLog(t, h.dir, d5, acctLine(d5, "Q", "5.host", "queue=workq"))
	settle(t, s)
	h.clock.Step(5 * time.Second)
	settle(t, s)

	jobs := h.store.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "5.host", jobs[0].JobID)
	assert.Equal(t, d5, jobs[0].SourceFile)
}

func TestWrite_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1 := date(2019, 1, 1)
	writeLog(t, h.dir, d1, acctLine(d1, "Q", "1.host", "queue=workq"))
	h.store.failures = []error{
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "08006"},
	}

	h.opts.From, h.opts.Till = "20190101", "20190101"
	s := h.scanner()
	_, err := s.Step(context.Background()) // seek
	require.NoError(t, err)
	require.NoError(t, stepWithClock(t, s, h.clock))

	assert.Equal(t, 3, h.store.calls)
	assert.True(t, h.store.position(d1).Completed)
	require.Len(t, h.store.batches, 1)
}

func TestWrite_FatalAfterRetryBudget(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1 := date(2019, 1, 1)
	writeLog(t, h.dir, d1, acctLine(d1, "Q", "1.host", "queue=workq"))
	h.store.always = &pgconn.PgError{Code: "40P01"}

	h.opts.From, h.opts.Till = "20190101", "20190101"
	s := h.scanner()
	_, err := s.Step(context.Background())
	require.NoError(t, err)

	err = stepWithClock(t, s, h.clock)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrFatalStorage))
	assert.Equal(t, 3, h.store.calls)
	assert.Equal(t, scanner.Stopped, s.State())
	assert.Empty(t, h.store.positions, "progress never advances on failure")
	assert.NotEmpty(t, s.Snapshot().LastError)
}

func TestWrite_ConstraintErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1 := date(2019, 1, 1)
	writeLog(t, h.dir, d1, acctLine(d1, "Q", "1.host", "queue=workq"))
	h.store.always = &pgconn.PgError{Code: "23503"}

	h.opts.From, h.opts.Till = "20190101", "20190101"
	s := h.scanner()
	_, err := s.Step(context.Background())
	require.NoError(t, err)
	_, err = s.Step(context.Background())

	assert.ErrorIs(t, err, apperr.ErrFatalStorage)
	assert.Equal(t, 1, h.store.calls)
	assert.Equal(t, scanner.Stopped, s.State())
}

func TestRun_FlushesPendingOnCancel(t *testing.T) {
	now := time.Date(2019, 1, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	d := date(2019, 1, 2)
	path := writeLog(t, h.dir, d, acctLine(now, "Q", "1.host", "queue=workq"))

	s := h.scanner()
	settle(t, s)
	require.Empty(t, h.store.batches)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, fileSize(t, path), h.store.position(d).Offset)
	assert.Equal(t, scanner.Stopped, s.State())
}

func TestRun_ManualRangeReturnsNil(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	d1 := date(2019, 1, 1)
	writeLog(t, h.dir, d1, acctLine(d1, "Q", "1.host", "queue=workq"))
	h.opts.From, h.opts.Till = "20190101", "20190101"

	require.NoError(t, h.scanner().Run(context.Background()))
	assert.True(t, h.store.position(d1).Completed)
}

func TestStep_BadDateStops(t *testing.T) {
	h := newHarness(t, time.Date(2019, 1, 10, 12, 0, 0, 0, time.UTC))
	h.opts.From = "yesterday"
	s := h.scanner()
	_, err := s.Step(context.Background())
	assert.ErrorIs(t, err, apperr.ErrConfig)
	assert.Equal(t, scanner.Stopped, s.State())
}

func TestResolveRange(t *testing.T) {
	today := date(2019, 1, 10)
	dir := t.TempDir()
	for _, name := range []string{"20190103", "20190105", "notes.txt", "2019010"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	emptyDir := t.TempDir()

	withLast := newMemStore()
	withLast.positions[date(2019, 1, 7)] = models.LogPosition{File: date(2019, 1, 7), Offset: 10}
	withLast.positions[date(2019, 1, 6)] = models.LogPosition{File: date(2019, 1, 6), Completed: true}

	tests := []struct {
		name     string
		store    *memStore
		dir      string
		from     string
		till     string
		wantFrom time.Time
		wantTill time.Time
		wantErr  error
	}{
		{name: "defaults with no history", store: newMemStore(), dir: dir, wantFrom: today, wantTill: today},
		{name: "defaults resume last file", store: withLast, dir: dir, wantFrom: date(2019, 1, 7), wantTill: today},
		{name: "lastscan with no history is firstlog", store: newMemStore(), dir: dir, from: "lastscan", wantFrom: date(2019, 1, 3), wantTill: today},
		{name: "firstlog with no files is today", store: newMemStore(), dir: emptyDir, from: "firstlog", wantFrom: today, wantTill: today},
		{name: "explicit dates", store: newMemStore(), dir: dir, from: "20190102", till: "20190104", wantFrom: date(2019, 1, 2), wantTill: date(2019, 1, 4)},
		{name: "reversed range is swapped", store: newMemStore(), dir: dir, from: "today", till: "20190104", wantFrom: date(2019, 1, 4), wantTill: today},
		{name: "bad date", store: newMemStore(), dir: dir, from: "2019-01-04", wantErr: apperr.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scanner.ResolveRange(context.Background(), tt.store, tt.dir, tt.from, tt.till, today)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, got.From)
			assert.Equal(t, tt.wantTill, got.Till)
		})
	}
}

func TestRangeDays(t *testing.T) {
	r := scanner.Range{From: date(2019, 12, 30), Till: date(2020, 1, 2)}
	days := r.Days()
	require.Len(t, days, 4)
	assert.True(t, sort.SliceIsSorted(days, func(i, j int) bool { return days[i].Before(days[j]) }))
	assert.Equal(t, "20191230..20200102", r.String())
}
