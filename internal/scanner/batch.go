package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/pbsgestor/internal/analysis"
	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
	"github.com/kiranshivaraju/pbsgestor/pkg/acctlog"
	"github.com/kiranshivaraju/pbsgestor/pkg/models"
	"k8s.io/utils/clock"
)

// builder accumulates the facts of consecutive lines of one file.
type builder struct {
	batch   models.Batch
	started time.Time
}

func (b *builder) size() int {
	return b.batch.Lines
}

// add parses one line into the batch. Blank lines only advance the
// position.
func (s *Scanner) add(c *cursor, raw string) {
	if s.pending.batch.Lines == 0 {
		s.pending.started = s.clock.Now()
	}
	s.pending.batch.Lines++
	metrics.LinesRead.Inc()

	if strings.TrimSpace(raw) == "" {
		return
	}

	rec, err := s.parser.Parse(raw)
	if err != nil {
		kind := "malformed_line"
		reason := err.Error()
		var pe *acctlog.ParseError
		if errors.As(err, &pe) {
			kind = pe.Kind.String()
			reason = pe.Reason
		}
		s.pending.batch.Rejects = append(s.pending.batch.Rejects, models.Reject{
			File:        c.day,
			LineNo:      c.line,
			Kind:        kind,
			Reason:      reason,
			Raw:         raw,
			Fingerprint: analysis.Fingerprint(raw),
		})
		metrics.Rejects.WithLabelValues(kind).Inc()
		return
	}

	for _, w := range rec.Warnings {
		s.logger.Debug("ignored token", "file", c.day.Format(FileLayout), "line_no", c.line, "token", w)
	}
	if rec.Skip {
		metrics.RecordsSkipped.Inc()
		return
	}

	job := rec.Job
	job.SourceFile = c.day
	s.pending.batch.Jobs = append(s.pending.batch.Jobs, job)
	for _, r := range rec.Resources {
		r.SourceFile = c.day
		s.pending.batch.Resources = append(s.pending.batch.Resources, r)
	}
}

// flush commits the pending lines of c, marking the file completed when
// asked. Nothing is written for an empty batch unless completion has to be
// recorded.
func (s *Scanner) flush(ctx context.Context, c *cursor, completed bool) error {
	if s.pending.batch.Lines == 0 && !completed {
		return nil
	}

	batch := s.pending.batch
	batch.Position = models.LogPosition{
		File:      c.day,
		Offset:    c.offset,
		Line:      c.line,
		Completed: completed,
	}

	if err := s.write(ctx, batch); err != nil {
		return err
	}

	if len(batch.Rejects) > 0 {
		for _, cl := range analysis.Cluster(batch.Rejects) {
			s.logger.Warn("rejected lines",
				"file", c.day.Format(FileLayout),
				"kind", cl.Kind,
				"count", cl.Count,
				"fingerprint", cl.Fingerprint[:12],
				"sample", cl.Sample)
		}
	}

	s.committed = batch.Position
	s.pending = builder{}
	s.recordCommit(c, batch)
	return nil
}

// write commits batch, retrying transient failures with exponential
// backoff. The transaction itself is never cancelled; ctx only stops the
// waiting between attempts.
func (s *Scanner) write(ctx context.Context, batch models.Batch) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.RetryInitial
	expo.MaxInterval = s.opts.RetryMax
	expo.MaxElapsedTime = 0
	expo.Clock = s.clock

	var policy backoff.BackOff = expo
	if s.opts.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(expo, uint64(s.opts.MaxAttempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	op := func() error {
		attempt++
		start := s.clock.Now()
		err := s.store.WriteBatch(context.WithoutCancel(ctx), batch)
		if err == nil {
			metrics.BatchDuration.Observe(s.clock.Since(start).Seconds())
			metrics.Batches.WithLabelValues(metrics.OutcomeCommitted).Inc()
			return nil
		}
		if !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.Batches.WithLabelValues(metrics.OutcomeRetried).Inc()
		s.logger.Warn("batch write failed, retrying",
			"file", batch.Position.File.Format(FileLayout),
			"offset", batch.Position.Offset,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: s.clock})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, ctx.Err()) || store.IsRetryable(err)) {
		return ctx.Err()
	}
	metrics.Batches.WithLabelValues(metrics.OutcomeFailed).Inc()
	return fmt.Errorf("%w: after %d attempts: %w", apperr.ErrFatalStorage, attempt, err)
}

// clockTimer drives backoff waits from the scanner's clock so tests can
// step through retries.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C()
}
