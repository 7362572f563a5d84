package verification

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/claims"
	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/signals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)

type fakeGatherer struct {
	mu       sync.Mutex
	statuses map[models.Channel]models.ChannelStatus
	calls    map[string]int
	// onGather runs while the evaluation is between reading the report and
	// saving it.
	onGather func(q signals.Query)
}

func newFakeGatherer(weather, news, social models.ChannelStatus) *fakeGatherer {
	return &fakeGatherer{
		statuses: map[models.Channel]models.ChannelStatus{
			models.ChannelWeather: weather,
			models.ChannelNews:    news,
			models.ChannelSocial:  social,
		},
		calls: make(map[string]int),
	}
}

func (g *fakeGatherer) Gather(_ context.Context, q signals.Query) map[models.Channel]models.ChannelResult {
	if g.onGather != nil {
		g.onGather(q)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[q.ReportID]++

	out := make(map[models.Channel]models.ChannelResult, len(g.statuses))
	for ch, s := range g.statuses {
		out[ch] = models.ChannelResult{Status: s, CheckedAt: start}
	}
	return out
}

func (g *fakeGatherer) callsFor(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *fakeGatherer) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

type recordingTrust struct {
	mu       sync.Mutex
	outcomes []models.VerificationStatus
}

func (r *recordingTrust) RecordOutcome(_ context.Context, rep *models.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, rep.Verification.OverallStatus)
}

func (r *recordingTrust) RecordVotes(context.Context, *models.Report) {}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	engine    *Engine
	db        *repository.SQLiteDB
	gatherer  *fakeGatherer
	trust     *recordingTrust
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, g *fakeGatherer) *fixture {
	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(start)
	f := &fixture{
		db:        db,
		gatherer:  g,
		trust:     &recordingTrust{},
		publisher: &recordingPublisher{},
		clock:     clock,
	}
	f.engine = NewEngine(Deps{
		Store:     db,
		Claimer:   claims.NewStoreClaimer(db, "test-instance", time.Minute, clock),
		Gatherer:  g,
		Trust:     f.trust,
		Publisher: f.publisher,
		Clock:     clock,
		Metrics:   observability.NewMetricsForTesting(),
	}, config.VerificationConfig{
		BulkConcurrency: 4,
		BulkMaxLimit:    200,
		ClaimTTL:        time.Minute,
	}, 72*time.Hour)
	return f
}

func (f *fixture) addReport(t *testing.T, id string, createdAt time.Time) *models.Report {
	r := models.NewReport(id, models.ReportKindFlood, "submitter_1", models.Location{
		District:  "Pune",
		State:     "Maharashtra",
		Latitude:  18.52,
		Longitude: 73.85,
	}, "water entering homes", models.SeverityHigh, nil, createdAt)
	require.NoError(t, f.db.CreateReport(context.Background(), r))
	return r
}

func TestVerifyReport_ScenarioA(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	res, err := f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)

	assert.True(t, res.Evaluated)
	assert.Equal(t, models.StatusVerified, res.Report.Verification.OverallStatus)
	assert.GreaterOrEqual(t, res.Report.Verification.Confidence, 0.75)
	assert.Equal(t, models.ChannelNotAvailable, res.Report.Verification.Social.Status)
	require.NotNil(t, res.Report.Verification.LastEvaluatedAt)

	stored, err := f.db.GetReport(context.Background(), "report_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, stored.Verification.OverallStatus)
	assert.Equal(t, int64(1), stored.Version)

	assert.Equal(t, []models.VerificationStatus{models.StatusVerified}, f.trust.outcomes)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.TypeReportEvaluated, f.publisher.events[0].Type)
}

func TestVerifyReport_KeepsVoteCastDuringGather(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	ctx := context.Background()
	f.gatherer.onGather = func(q signals.Query) {
		err := f.db.InTx(ctx, func(tx repository.Store) error {
			r, err := tx.GetReport(ctx, q.ReportID)
			if err != nil {
				return err
			}
			if err := tx.AddVote(ctx, models.Vote{ReportID: r.ID, UserID: "voter_1", Direction: models.VoteUp, CreatedAt: start}); err != nil {
				return err
			}
			r.Votes.Apply("voter_1", models.VoteUp)
			Recompute(r, start)
			return tx.SaveReport(ctx, r)
		})
		require.NoError(t, err)
	}

	res, err := f.engine.VerifyReport(ctx, "report_1")
	require.NoError(t, err)
	require.True(t, res.Evaluated)

	stored, err := f.db.GetReport(ctx, "report_1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Votes.Upvotes)
	assert.Equal(t, 0, stored.Votes.Downvotes)
	assert.Equal(t, []string{"voter_1"}, stored.Votes.Voters)
	assert.Len(t, stored.Votes.Voters, stored.Votes.Upvotes+stored.Votes.Downvotes)
	assert.Equal(t, models.StatusVerified, stored.Verification.OverallStatus)
	assert.Equal(t, models.ChannelVerified, stored.Verification.Weather.Status)
}

func TestVerifyReport_ScenarioB(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelNotMatched, models.ChannelVerified, models.ChannelNotMatched))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	res, err := f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusManualReview, res.Report.Verification.OverallStatus)
	assert.InDelta(t, 0.33, res.Report.Verification.Confidence, 0.01)
}

func TestVerifyReport_NotFound(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelVerified))

	_, err := f.engine.VerifyReport(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyReport_LockedIsNoop(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelNotMatched, models.ChannelNotMatched, models.ChannelNotMatched))
	r := f.addReport(t, "report_1", start.Add(-time.Hour))
	r.Verification.OverallStatus = models.StatusVerified
	r.Verification.Locked = true
	require.NoError(t, f.db.SaveReport(context.Background(), r))

	res, err := f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)

	assert.False(t, res.Evaluated)
	assert.Equal(t, models.StatusVerified, res.Report.Verification.OverallStatus)
	assert.Equal(t, 0, f.gatherer.totalCalls(), "adapters must not run for a locked record")
	assert.Empty(t, f.publisher.events)
}

func TestVerifyReport_ClaimedIsNoop(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelVerified))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	other := claims.NewStoreClaimer(f.db, "other-instance", time.Minute, f.clock)
	held, err := other.Acquire(context.Background(), "report_1")
	require.NoError(t, err)

	res, err := f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)
	assert.False(t, res.Evaluated)
	assert.Equal(t, models.StatusPending, res.Report.Verification.OverallStatus)
	assert.Equal(t, 0, f.gatherer.totalCalls())

	require.NoError(t, held.Release(context.Background()))

	res, err = f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)
	assert.True(t, res.Evaluated)
}

func TestVerifyReport_ReleasesClaim(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelNotAvailable, models.ChannelNotAvailable))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	for i := 0; i < 3; i++ {
		res, err := f.engine.VerifyReport(context.Background(), "report_1")
		require.NoError(t, err)
		assert.True(t, res.Evaluated, "call %d", i)
	}
	assert.Equal(t, 3, f.gatherer.callsFor("report_1"))
	// Re-evaluating to the same status does not repeat the trust outcome.
	assert.Len(t, f.trust.outcomes, 1)
}

func TestRunBulk_ScenarioD(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	for i := 0; i < 25; i++ {
		f.addReport(t, fmt.Sprintf("report_%02d", i), start.Add(-time.Duration(25-i)*time.Minute))
	}

	res, err := f.engine.RunBulk(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Processed)
	assert.Equal(t, res.Processed, res.Verified+res.Disputed+res.Failed)
	assert.Equal(t, 20, res.Verified)
	assert.Equal(t, 0, res.Skipped)

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("report_%02d", i)
		want := 1
		if i >= 20 {
			want = 0
		}
		assert.Equal(t, want, f.gatherer.callsFor(id), "report %s", id)
	}

	pending := models.StatusPending
	left, err := f.db.ListReports(context.Background(), repository.Filter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, left, 5)
}

func TestRunBulk_CountsOutcomes(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelNotAvailable, models.ChannelNotAvailable, models.ChannelNotAvailable))
	for i := 0; i < 3; i++ {
		f.addReport(t, fmt.Sprintf("report_%d", i), start.Add(-time.Duration(i+1)*time.Minute))
	}

	res, err := f.engine.RunBulk(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Failed, "no usable channel leaves reports pending")

	f.gatherer.statuses[models.ChannelWeather] = models.ChannelNotMatched
	res, err = f.engine.RunBulk(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Disputed)
}

func TestRunBulk_SkipsLockedAndClaimed(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelVerified))
	for i := 0; i < 4; i++ {
		f.addReport(t, fmt.Sprintf("report_%d", i), start.Add(-time.Duration(4-i)*time.Minute))
	}

	locked, _ := f.db.GetReport(context.Background(), "report_0")
	locked.Verification.Locked = true
	locked.Verification.OverallStatus = models.StatusManualReview
	require.NoError(t, f.db.SaveReport(context.Background(), locked))

	other := claims.NewStoreClaimer(f.db, "other-instance", time.Minute, f.clock)
	_, err := other.Acquire(context.Background(), "report_1")
	require.NoError(t, err)

	res, err := f.engine.RunBulk(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, f.gatherer.callsFor("report_0"))
	assert.Equal(t, 0, f.gatherer.callsFor("report_1"))
}

func TestRunBulk_ConcurrentRunsNeverDoubleProcess(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	for i := 0; i < 25; i++ {
		f.addReport(t, fmt.Sprintf("report_%02d", i), start.Add(-time.Duration(25-i)*time.Minute))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*BulkResult
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RunBulk(context.Background(), 20)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Processed
		assert.Equal(t, r.Processed, r.Verified+r.Disputed+r.Failed)
	}
	assert.Equal(t, 25, total)
	for i := 0; i < 25; i++ {
		assert.Equal(t, 1, f.gatherer.callsFor(fmt.Sprintf("report_%02d", i)))
	}
}

func TestRunBulk_InvalidLimit(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelVerified))

	for _, limit := range []int{0, -1, 201} {
		_, err := f.engine.RunBulk(context.Background(), limit)
		assert.ErrorIs(t, err, apperr.ErrValidation, "limit %d", limit)
	}
}

func TestRunScheduler(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	f.addReport(t, "report_1", start.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.RunScheduler(ctx, time.Minute, 5)
		close(done)
	}()

	blockCtx, blockCancel := context.WithTimeout(ctx, time.Second)
	defer blockCancel()
	require.NoError(t, f.clock.BlockUntilContext(blockCtx, 1))
	f.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return f.gatherer.callsFor("report_1") == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, newFakeGatherer(models.ChannelVerified, models.ChannelVerified, models.ChannelNotAvailable))
	f.addReport(t, "report_1", start.Add(-time.Hour))
	f.addReport(t, "report_2", start.Add(-time.Hour))

	_, err := f.engine.VerifyReport(context.Background(), "report_1")
	require.NoError(t, err)

	stats, err := f.engine.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalReports)
	assert.Equal(t, 1, stats.ByStatus[models.StatusVerified])
	assert.Equal(t, 1, stats.ByStatus[models.StatusPending])
	assert.Equal(t, 1, stats.AIVerified)
}
