// Package signals checks reports against external evidence: weather
// archives, news feeds and social posts.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
)

var (
	floodKeywords = []string{"flood", "flooding", "flooded", "waterlogging", "waterlogged", "inundation", "heavy rain", "overflow"}
	waterKeywords = []string{"water supply", "water shortage", "pipeline", "pipe burst", "leak", "contaminated water", "sewage", "drainage", "no water"}
)

// Query is what an adapter checks a report against. Adapters must treat it
// as read-only.
type Query struct {
	ReportID string
	Kind     models.ReportKind
	Location models.Location
	Keywords []string
	From     time.Time
	To       time.Time
	// Settled is set once To has reached the end of the lookback window,
	// so later checks cannot see new evidence.
	Settled bool
}

// NewQuery builds the query for r covering lookback on either side of the
// report's creation, cut off at now.
func NewQuery(r *models.Report, lookback time.Duration, now time.Time) Query {
	keywords := floodKeywords
	if r.Kind == models.ReportKindWaterIssue {
		keywords = waterKeywords
	}
	end := r.CreatedAt.Add(lookback)
	return Query{
		ReportID: r.ID,
		Kind:     r.Kind,
		Location: r.Location,
		Keywords: keywords,
		From:     r.CreatedAt.Add(-lookback),
		To:       minTime(end, now),
		Settled:  !now.Before(end),
	}
}

// cacheKey identifies queries that would yield the same upstream answer.
func (q Query) cacheKey() string {
	return fmt.Sprintf("%s|%.2f,%.2f|%s|%s|%s|%s",
		q.Kind, q.Location.Latitude, q.Location.Longitude,
		strings.ToLower(q.Location.Place()),
		q.From.UTC().Format("2006-01-02T15"), q.To.UTC().Format("2006-01-02T15"),
		strings.Join(q.Keywords, ","),
	)
}

// Result is a channel verdict. Status is verified, not-matched or
// not-available.
type Result struct {
	Status   models.ChannelStatus
	Snapshot json.RawMessage
	Detail   string
}

func notAvailable(detail string) Result {
	return Result{Status: models.ChannelNotAvailable, Detail: detail}
}

// Adapter checks one evidence channel. Upstream failures are returned as
// errors; Gather turns them into not-available.
type Adapter interface {
	Channel() models.Channel
	Check(ctx context.Context, q Query) (Result, error)
}

type Gatherer struct {
	adapters map[models.Channel]Adapter
	timeout  time.Duration
	clock    clockwork.Clock
	metrics  *observability.Metrics
}

func NewGatherer(adapters []Adapter, timeout time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *Gatherer {
	byChannel := make(map[models.Channel]Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	return &Gatherer{
		adapters: byChannel,
		timeout:  timeout,
		clock:    clock,
		metrics:  metrics,
	}
}

// Gather runs every channel in parallel and returns one result per channel
// in models.Channels. It never fails: a channel whose adapter is missing,
// errors or times out comes back not-available.
func (g *Gatherer) Gather(ctx context.Context, q Query) map[models.Channel]models.ChannelResult {
	results := make([]models.ChannelResult, len(models.Channels))

	var eg errgroup.Group
	for i, ch := range models.Channels {
		eg.Go(func() error {
			results[i] = g.check(ctx, ch, q)
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[models.Channel]models.ChannelResult, len(results))
	for i, ch := range models.Channels {
		out[ch] = results[i]
		if g.metrics != nil {
			g.metrics.ChannelResults.WithLabelValues(string(ch), string(results[i].Status)).Inc()
		}
	}
	return out
}

func (g *Gatherer) check(ctx context.Context, ch models.Channel, q Query) models.ChannelResult {
	adapter, ok := g.adapters[ch]
	if !ok {
		return models.ChannelResult{Status: models.ChannelNotAvailable, Detail: "channel disabled", CheckedAt: g.clock.Now()}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.clock.Now()
	res, err := adapter.Check(ctx, q)
	if g.metrics != nil {
		g.metrics.AdapterDuration.WithLabelValues(string(ch)).Observe(g.clock.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("signal check failed", "report_id", q.ReportID, "channel", ch, "error", err)
		detail := "upstream unavailable"
		if ctx.Err() != nil {
			detail = "upstream timed out"
		}
		return models.ChannelResult{Status: models.ChannelNotAvailable, Detail: detail, CheckedAt: g.clock.Now()}
	}

	switch res.Status {
	case models.ChannelVerified, models.ChannelNotMatched, models.ChannelNotAvailable:
	default:
		slog.Warn("signal check returned unexpected status", "report_id", q.ReportID, "channel", ch, "status", res.Status)
		res = notAvailable("unexpected adapter status")
	}

	return models.ChannelResult{
		Status:    res.Status,
		Snapshot:  res.Snapshot,
		Detail:    res.Detail,
		CheckedAt: g.clock.Now(),
	}
}

// mentions reports whether text contains the place and at least one keyword.
// An empty place matches anything.
func mentions(text string, loc models.Location, keywords []string) bool {
	text = strings.ToLower(text)

	placeHit := loc.District == "" && loc.State == ""
	for _, p := range []string{loc.District, loc.State} {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			placeHit = true
			break
		}
	}
	if !placeHit {
		return false
	}

	for _, k := range keywords {
		if strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func inWindow(t time.Time, q Query) bool {
	return !t.IsZero() && !t.Before(q.From) && !t.After(q.To)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func upstreamErr(channel models.Channel, err error) error {
	return apperr.Unavailable(err, "%s upstream", channel)
}

func snapshot(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
