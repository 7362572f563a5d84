package signals

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mr1hm/report-verification/internal/models"
)

const maxSnapshotItems = 5

type newsRSS struct {
	Channel newsChannel `xml:"channel"`
}
type newsChannel struct {
	Items []newsItem `xml:"item"`
}
type newsItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
}

type newsMatch struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
}

type newsSnapshot struct {
	Query   string      `json:"query"`
	Scanned int         `json:"scanned"`
	Matched int         `json:"matched"`
	Items   []newsMatch `json:"items,omitempty"`
}

// NewsAdapter searches an RSS news feed for coverage of the reported place.
type NewsAdapter struct {
	baseURL    string
	httpClient *http.Client
}

func NewNewsAdapter(baseURL string) *NewsAdapter {
	return &NewsAdapter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *NewsAdapter) Channel() models.Channel { return models.ChannelNews }

func (a *NewsAdapter) Check(ctx context.Context, q Query) (Result, error) {
	place := q.Location.Place()
	if place == "" {
		return notAvailable("report has no place name to search"), nil
	}

	apiURL, err := url.Parse(a.baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("error parsing URL: %w", err)
	}
	search := searchTerms(q)
	params := apiURL.Query()
	params.Set("q", search)
	apiURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, upstreamErr(models.ChannelNews, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, upstreamErr(models.ChannelNews, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var data newsRSS
	if err := xml.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{}, upstreamErr(models.ChannelNews, fmt.Errorf("error decoding resp.Body: %w", err))
	}

	snap := newsSnapshot{Query: search, Scanned: len(data.Channel.Items)}
	for _, item := range data.Channel.Items {
		published, err := parsePubDate(item.PubDate)
		if err != nil {
			slog.Debug("news pubDate parsing failed", "report_id", q.ReportID, "pub_date", item.PubDate, "error", err)
			continue
		}
		if !inWindow(published, q) || !mentions(item.Title+" "+item.Description, q.Location, q.Keywords) {
			continue
		}
		snap.Matched++
		if len(snap.Items) < maxSnapshotItems {
			snap.Items = append(snap.Items, newsMatch{Title: item.Title, Link: item.Link, PublishedAt: published})
		}
	}

	status := models.ChannelNotMatched
	if snap.Matched > 0 {
		status = models.ChannelVerified
	}
	return Result{
		Status:   status,
		Snapshot: snapshot(snap),
		Detail:   fmt.Sprintf("%d of %d articles matched", snap.Matched, snap.Scanned),
	}, nil
}

func searchTerms(q Query) string {
	terms := []string{q.Location.Place()}
	if len(q.Keywords) > 0 {
		terms = append(terms, q.Keywords[0])
	}
	return strings.Join(terms, " ")
}

func parsePubDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
