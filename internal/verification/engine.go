// Package verification evaluates reports against external signals and
// community votes.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/claims"
	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/signals"
	"github.com/mr1hm/report-verification/internal/trust"
)

// Gatherer collects one verdict per channel. It never fails.
type Gatherer interface {
	Gather(ctx context.Context, q signals.Query) map[models.Channel]models.ChannelResult
}

type Engine struct {
	store     repository.Store
	claimer   claims.Claimer
	gatherer  Gatherer
	trust     trust.Recorder
	publisher events.Publisher
	clock     clockwork.Clock
	metrics   *observability.Metrics

	cfg      config.VerificationConfig
	lookback time.Duration
}

type Deps struct {
	Store     repository.Store
	Claimer   claims.Claimer
	Gatherer  Gatherer
	Trust     trust.Recorder
	Publisher events.Publisher
	Clock     clockwork.Clock
	Metrics   *observability.Metrics
}

func NewEngine(d Deps, cfg config.VerificationConfig, lookback time.Duration) *Engine {
	return &Engine{
		store:     d.Store,
		claimer:   d.Claimer,
		gatherer:  d.Gatherer,
		trust:     d.Trust,
		publisher: d.Publisher,
		clock:     d.Clock,
		metrics:   d.Metrics,
		cfg:       cfg,
		lookback:  lookback,
	}
}

// Result is the state of a report after a verify call. Evaluated is false
// when the call was a no-op because the record is locked or another
// evaluation holds the report.
type Result struct {
	Report    *models.Report `json:"report"`
	Evaluated bool           `json:"evaluated"`
}

// VerifyReport gathers fresh signals for the report and recombines its
// verification record.
func (e *Engine) VerifyReport(ctx context.Context, reportID string) (*Result, error) {
	r, err := e.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Verification.Locked {
		return &Result{Report: r}, nil
	}

	claim, err := e.claimer.Acquire(ctx, reportID)
	if errors.Is(err, claims.ErrClaimed) {
		e.claimSkipped(reportID)
		return &Result{Report: r}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error claiming report %s: %w", reportID, err)
	}
	defer e.release(claim, reportID)

	return e.evaluate(ctx, r)
}

// evaluate runs the adapters for r and applies their verdicts. The caller
// must hold the report's claim.
func (e *Engine) evaluate(ctx context.Context, r *models.Report) (*Result, error) {
	results := e.gatherer.Gather(ctx, signals.NewQuery(r, e.lookback, e.clock.Now()))

	var (
		updated       *models.Report
		statusChanged bool
	)
	err := e.store.InTx(ctx, func(tx repository.Store) error {
		fresh, err := tx.GetReport(ctx, r.ID)
		if err != nil {
			return err
		}
		updated = fresh
		// A moderator may have locked the record while adapters ran.
		if fresh.Verification.Locked {
			return nil
		}

		before := fresh.Verification.OverallStatus
		for ch, res := range results {
			fresh.Verification.SetChannel(ch, res)
		}
		now := e.clock.Now()
		Recompute(fresh, now)
		fresh.UpdatedAt = now
		statusChanged = fresh.Verification.OverallStatus != before

		return tx.SaveReport(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	if updated.Verification.Locked {
		return &Result{Report: updated}, nil
	}

	if e.metrics != nil {
		e.metrics.Verifications.WithLabelValues(string(updated.Verification.OverallStatus)).Inc()
	}
	slog.Info("report evaluated",
		"report_id", updated.ID,
		"status", updated.Verification.OverallStatus,
		"confidence", updated.Verification.Confidence,
		"weather", updated.Verification.Weather.Status,
		"news", updated.Verification.News.Status,
		"social", updated.Verification.Social.Status,
	)

	if statusChanged {
		e.trust.RecordOutcome(ctx, updated)
	}
	e.publish(ctx, events.TypeReportEvaluated, updated)

	return &Result{Report: updated, Evaluated: true}, nil
}

type BulkResult struct {
	Processed int `json:"processed"`
	Verified  int `json:"verified"`
	Disputed  int `json:"disputed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunBulk evaluates up to limit pending, unlocked, unclaimed reports, oldest
// first, with at most BulkConcurrency evaluations in flight. A report that
// fails is counted and never aborts the run.
func (e *Engine) RunBulk(ctx context.Context, limit int) (*BulkResult, error) {
	if limit < 1 || limit > e.cfg.BulkMaxLimit {
		return nil, apperr.Validation("limit must be between 1 and %d", e.cfg.BulkMaxLimit)
	}

	start := e.clock.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.BulkRunDuration.Observe(e.clock.Since(start).Seconds())
		}
	}()

	// Over-fetch so that reports claimed elsewhere between the query and
	// the claim do not shrink the batch.
	candidates, err := e.store.ListPendingUnclaimed(ctx, limit*2, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("error listing pending reports: %w", err)
	}

	res := &BulkResult{}
	type claimed struct {
		report models.Report
		claim  claims.Claim
	}
	var batch []claimed
	for _, r := range candidates {
		if len(batch) == limit {
			break
		}
		c, err := e.claimer.Acquire(ctx, r.ID)
		if errors.Is(err, claims.ErrClaimed) {
			e.claimSkipped(r.ID)
			res.Skipped++
			continue
		}
		if err != nil {
			slog.Error("bulk claim failed", "report_id", r.ID, "error", err)
			res.Skipped++
			continue
		}
		// The candidate list may be stale: another run can have finished
		// this report between the query and the claim.
		fresh, err := e.store.GetReport(ctx, r.ID)
		if err != nil || fresh.Verification.OverallStatus != models.StatusPending || fresh.Verification.Locked {
			e.release(c, r.ID)
			res.Skipped++
			continue
		}
		batch = append(batch, claimed{report: *fresh, claim: c})
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.BulkConcurrency)
	for _, item := range batch {
		eg.Go(func() error {
			defer e.release(item.claim, item.report.ID)

			out, err := e.evaluate(egCtx, &item.report)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				slog.Error("bulk evaluation failed", "report_id", item.report.ID, "error", err)
				res.Processed++
				res.Failed++
			case !out.Evaluated:
				res.Skipped++
			default:
				res.Processed++
				switch out.Report.Verification.OverallStatus {
				case models.StatusVerified:
					res.Verified++
				case models.StatusPartiallyVerified, models.StatusNotMatched, models.StatusManualReview:
					res.Disputed++
				default:
					// Still pending: no channel produced a verdict.
					res.Failed++
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	if e.metrics != nil {
		e.metrics.BulkProcessed.WithLabelValues("verified").Add(float64(res.Verified))
		e.metrics.BulkProcessed.WithLabelValues("disputed").Add(float64(res.Disputed))
		e.metrics.BulkProcessed.WithLabelValues("failed").Add(float64(res.Failed))
		e.metrics.BulkProcessed.WithLabelValues("skipped").Add(float64(res.Skipped))
	}
	slog.Info("bulk verification complete",
		"limit", limit,
		"processed", res.Processed,
		"verified", res.Verified,
		"disputed", res.Disputed,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}

// RunScheduler calls RunBulk every interval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration, limit int) {
	slog.Info("starting bulk scheduler", "interval", interval, "limit", limit)

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("bulk scheduler shutting down")
			return
		case <-ticker.Chan():
			if _, err := e.RunBulk(ctx, limit); err != nil {
				slog.Error("scheduled bulk run failed", "error", err)
			}
		}
	}
}

func (e *Engine) Status(ctx context.Context, reportID string) (*models.Report, error) {
	return e.store.GetReport(ctx, reportID)
}

func (e *Engine) Statistics(ctx context.Context) (*models.Statistics, error) {
	return e.store.Statistics(ctx)
}

func (e *Engine) release(c claims.Claim, reportID string) {
	// Released even if the request was cancelled mid-evaluation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Release(ctx); err != nil {
		slog.Warn("claim release failed", "report_id", reportID, "error", err)
	}
}

func (e *Engine) claimSkipped(reportID string) {
	slog.Debug("report already in evaluation", "report_id", reportID)
	if e.metrics != nil {
		e.metrics.ClaimsSkipped.Inc()
	}
}

func (e *Engine) publish(ctx context.Context, t events.Type, r *models.Report) {
	if err := e.publisher.Publish(ctx, events.NewEvent(t, r, e.clock.Now())); err != nil {
		slog.Warn("report event not delivered", "report_id", r.ID, "type", t, "error", err)
	}
}
