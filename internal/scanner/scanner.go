// Package scanner follows the daily accounting files and feeds complete
// lines through the parser into the fact store. It is an explicit state
// machine driven one Step at a time, so that its timing can be tested with
// a fake clock.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
	"k8s.io/utils/clock"
)

// State is the scanner's position in its lifecycle.
type State int

const (
	Seeking State = iota
	Replaying
	Tailing
	Stopped
)

func (s State) String() string {
	switch s {
	case Seeking:
		return "seeking"
	case Replaying:
		return "replaying"
	case Tailing:
		return "tailing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Parser turns one accounting line into facts.
type Parser interface {
	Parse(line string) (models.Record, error)
}

// Store is the part of the fact store the scanner needs.
type Store interface {
	WriteBatch(ctx context.Context, batch models.Batch) error
	Position(ctx context.Context, day time.Time) (models.LogPosition, bool, error)
	LastPosition(ctx context.Context) (models.LogPosition, bool, error)
}

// Options configures a Scanner. Zero durations fall back to defaults.
type Options struct {
	Dir      string
	Location *time.Location
	// From and Till are date expressions: today, lastscan, firstlog or
	// YYYYMMDD. Empty From resumes; empty Till follows today's file.
	From string
	Till string

	BatchSize     int
	BatchInterval time.Duration
	PollInterval  time.Duration
	RolloverGrace time.Duration

	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration

	Clock  clock.Clock
	Status io.Writer
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RolloverGrace <= 0 {
		o.RolloverGrace = 2 * time.Minute
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Status == nil {
		o.Status = io.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scanner is the single writer of facts and progress.
type Scanner struct {
	opts   Options
	parser Parser
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	status *statusWriter

	state   State
	rng     Range
	days    []time.Time // days left to replay
	tail    bool        // the range reaches today
	tailDay time.Time

	cur       *cursor
	committed models.LogPosition
	pending   builder
	err       error

	mu   sync.Mutex
	snap Snapshot
}

func New(parser Parser, st Store, opts Options) *Scanner {
	opts.setDefaults()
	s := &Scanner{
		opts:   opts,
		parser: parser,
		store:  st,
		clock:  opts.Clock,
		logger: opts.Logger,
		status: &statusWriter{w: opts.Status},
		state:  Seeking,
	}
	s.snap.State = Seeking.String()
	return s
}

// State returns the current state.
func (s *Scanner) State() State {
	return s.state
}

// Err returns the error that stopped the scanner, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Run drives Step until the scanner stops or ctx is cancelled, waiting
// PollInterval whenever there is nothing to do. On cancellation the
// pending batch is committed first. A manual range that completes returns
// nil.
func (s *Scanner) Run(ctx context.Context) error {
	defer func() { s.cur.close() }()

	for {
		if ctx.Err() != nil {
			return s.shutdown(ctx)
		}

		idle, err := s.Step(ctx)
		switch {
		case s.state == Stopped:
			return s.err
		case errors.Is(err, apperr.ErrTransientIO):
			s.logger.Warn("transient error, will retry", "state", s.state.String(), "error", err)
		case err != nil && ctx.Err() == nil:
			return err
		}

		if !idle {
			continue
		}
		select {
		case <-ctx.Done():
		case <-s.clock.After(s.opts.PollInterval):
		}
	}
}

// shutdown commits what has been read so far without waiting for more.
func (s *Scanner) shutdown(ctx context.Context) error {
	if s.cur != nil && s.pending.size() > 0 {
		if err := s.flush(context.WithoutCancel(ctx), s.cur, false); err != nil {
			return err
		}
	}
	s.setState(Stopped)
	s.status.printf("stopped at %s offset %d", s.committed.File.Format(FileLayout), s.committed.Offset)
	return nil
}

// Step performs one unit of work: resolving the range, reading up to one
// batch of lines, or checking a tailed file for growth. idle reports that
// nothing was available and the caller should wait before the next Step.
func (s *Scanner) Step(ctx context.Context) (idle bool, err error) {
	switch s.state {
	case Seeking:
		err = s.seek(ctx)
		idle = err != nil
	case Replaying:
		idle, err = s.replay(ctx)
	case Tailing:
		idle, err = s.tailStep(ctx)
	case Stopped:
		return true, s.err
	}

	if err != nil {
		s.setError(err)
		if errors.Is(err, apperr.ErrFatalStorage) || errors.Is(err, apperr.ErrConfig) {
			s.stop(err)
		}
	}
	return idle, err
}

func (s *Scanner) today() time.Time {
	return models.Day(s.clock.Now().In(s.opts.Location))
}

func (s *Scanner) seek(ctx context.Context) error {
	today := s.today()
	rng, err := ResolveRange(ctx, s.store, s.opts.Dir, s.opts.From, s.opts.Till, today)
	if err != nil {
		return s.classify(err)
	}
	s.rng = rng

	// Days after today have no file yet; following covers them, starting
	// no earlier than the range does.
	s.tail = !rng.Till.Before(today)
	s.tailDay = today
	if rng.From.After(today) {
		s.tailDay = rng.From
	}
	for _, d := range rng.Days() {
		if d.Before(today) {
			s.days = append(s.days, d)
		}
	}

	s.mu.Lock()
	s.snap.From = rng.From.Format(FileLayout)
	s.snap.Till = rng.Till.Format(FileLayout)
	s.mu.Unlock()

	mode := "replay only"
	if s.tail {
		mode = "then follow " + s.tailDay.Format(FileLayout)
	}
	s.status.printf("range %s (%d past days, %s)", rng, len(s.days), mode)
	s.logger.Info("range resolved", "from", s.snap.From, "till", s.snap.Till, "tail", s.tail)

	s.setState(Replaying)
	return nil
}

// replay reads past files to their end, one batch per Step.
func (s *Scanner) replay(ctx context.Context) (bool, error) {
	if s.cur == nil {
		if len(s.days) == 0 {
			if s.tail {
				s.setState(Tailing)
			} else {
				s.status.printf("range %s done", s.rng)
				s.stop(nil)
			}
			return false, nil
		}

		day := s.days[0]
		c, done, err := s.open(ctx, day)
		if err != nil {
			return true, err
		}
		if c == nil {
			if !done {
				s.logger.Warn("accounting file missing, skipping", "file", day.Format(FileLayout))
				s.status.printf("skip %s: no file", day.Format(FileLayout))
			}
			s.days = s.days[1:]
			return false, nil
		}
		s.cur = c
		s.status.printf("replay %s from offset %d", day.Format(FileLayout), c.offset)
	}

	full, err := s.read(s.cur)
	if err != nil {
		return true, err
	}
	if full {
		return false, s.flush(ctx, s.cur, false)
	}

	// EOF of a finished file: the tail is final.
	if line, ok := s.cur.flushPartial(); ok {
		s.add(s.cur, line)
	}
	if err := s.flush(ctx, s.cur, true); err != nil {
		return true, err
	}
	s.status.printf("done %s at line %d", s.cur.day.Format(FileLayout), s.cur.line)
	s.cur.close()
	s.cur = nil
	s.days = s.days[1:]
	return false, nil
}

// tailStep follows the current day's file and rolls over at midnight.
func (s *Scanner) tailStep(ctx context.Context) (bool, error) {
	now := s.clock.Now().In(s.opts.Location)

	if s.cur == nil {
		c, done, err := s.open(ctx, s.tailDay)
		if err != nil {
			return true, err
		}
		if c == nil {
			if done || s.shouldRollover(s.tailDay, now) {
				return false, s.skipDay(ctx, done)
			}
			// Not created yet.
			s.updateLag()
			return true, nil
		}
		s.cur = c
		s.status.printf("follow %s from offset %d", s.tailDay.Format(FileLayout), c.offset)
	}

	full, err := s.read(s.cur)
	if err != nil {
		return true, err
	}
	if full {
		return false, s.flush(ctx, s.cur, false)
	}

	if s.pending.size() > 0 && s.clock.Since(s.pending.started) >= s.opts.BatchInterval {
		if err := s.flush(ctx, s.cur, false); err != nil {
			return true, err
		}
	}

	if s.shouldRollover(s.cur.day, now) {
		return false, s.rollover(ctx)
	}

	replaced, why, err := s.cur.replaced(s.committed.Offset)
	if err != nil {
		return true, fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
	}
	if replaced {
		return false, s.reopen(ctx, why)
	}

	s.updateLag()
	return true, nil
}

// shouldRollover reports whether the file for day is finished: the clock
// has moved past it and either the next file exists or the grace period
// since midnight has run out.
func (s *Scanner) shouldRollover(day, now time.Time) bool {
	next := models.NextDay(day)
	midnight := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, s.opts.Location)
	if now.Before(midnight) {
		return false
	}
	if _, err := os.Stat(FilePath(s.opts.Dir, next)); err == nil {
		return true
	}
	return now.Sub(midnight) >= s.opts.RolloverGrace
}

// rollover drains the old file, commits it as completed on its own and
// moves on to the next day at offset 0.
func (s *Scanner) rollover(ctx context.Context) error {
	old := s.cur
	for {
		full, err := s.read(old)
		if err != nil {
			return err
		}
		if !full {
			break
		}
		if err := s.flush(ctx, old, false); err != nil {
			return err
		}
	}
	if line, ok := old.flushPartial(); ok {
		s.add(old, line)
	}
	if err := s.flush(ctx, old, true); err != nil {
		return err
	}
	old.close()
	s.cur = nil

	next := models.NextDay(old.day)
	s.tailDay = next
	metrics.Rollovers.Inc()
	s.status.printf("rollover %s -> %s", old.day.Format(FileLayout), next.Format(FileLayout))
	s.logger.Info("rolled over", "file", old.day.Format(FileLayout), "next", next.Format(FileLayout), "lines", old.line)
	return nil
}

// skipDay moves the tail past a day with nothing left to read. A day
// whose file never appeared is recorded as completed.
func (s *Scanner) skipDay(ctx context.Context, done bool) error {
	day := s.tailDay
	if !done {
		s.logger.Warn("accounting file never appeared, moving on", "file", day.Format(FileLayout))
		if err := s.flush(ctx, &cursor{day: day}, true); err != nil {
			return err
		}
	}
	s.tailDay = models.NextDay(day)
	s.status.printf("rollover %s -> %s", day.Format(FileLayout), s.tailDay.Format(FileLayout))
	return nil
}

// reopen commits what was read and reopens the file at the committed
// offset after it was replaced or truncated.
func (s *Scanner) reopen(ctx context.Context, why string) error {
	if err := s.flush(ctx, s.cur, false); err != nil {
		return err
	}
	s.logger.Warn("reopening accounting file", "file", s.cur.day.Format(FileLayout), "reason", why, "offset", s.committed.Offset)
	day := s.cur.day
	s.cur.close()
	s.cur = nil

	c, _, err := s.open(ctx, day)
	if err != nil {
		return err
	}
	s.cur = c
	return nil
}

// open returns a cursor for day at its committed position. A nil cursor
// means there is nothing to read: done is true when the file was already
// completed, false when it does not exist.
func (s *Scanner) open(ctx context.Context, day time.Time) (*cursor, bool, error) {
	pos, ok, err := s.store.Position(ctx, day)
	if err != nil {
		return nil, false, s.classify(err)
	}
	if ok && pos.Completed {
		s.committed = pos
		return nil, true, nil
	}
	if !ok {
		pos = models.LogPosition{File: day}
	}

	c, err := openCursor(day, FilePath(s.opts.Dir, day), pos.Offset, pos.Line)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
	}
	s.committed = pos
	s.pending = builder{}
	return c, false, nil
}

// read moves complete lines into the pending batch until the batch is full
// (true) or the file has no complete line left (false).
func (s *Scanner) read(c *cursor) (bool, error) {
	for s.pending.size() < s.opts.BatchSize {
		line, ok, err := c.next()
		if err != nil {
			return false, fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
		}
		if !ok {
			return false, nil
		}
		s.add(c, line)
	}
	return true, nil
}

// classify maps a storage error seen outside a batch write.
func (s *Scanner) classify(err error) error {
	if errors.Is(err, apperr.ErrConfig) || errors.Is(err, apperr.ErrTransientIO) {
		return err
	}
	if store.IsRetryable(err) {
		return fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
	}
	return fmt.Errorf("%w: %w", apperr.ErrFatalStorage, err)
}

func (s *Scanner) stop(err error) {
	s.err = err
	s.cur.close()
	s.cur = nil
	s.setState(Stopped)
	if err != nil {
		s.logger.Error("scanner stopped", "error", err)
	}
}
