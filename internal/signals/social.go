package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mr1hm/report-verification/internal/models"
)

type socialResponse struct {
	Posts []socialPost `json:"posts"`
}

type socialPost struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type socialSnapshot struct {
	Query    string   `json:"query"`
	Scanned  int      `json:"scanned"`
	Matched  int      `json:"matched"`
	MinPosts int      `json:"min_posts"`
	PostIDs  []string `json:"post_ids,omitempty"`
}

// SocialAdapter counts recent posts about the reported place on a JSON
// search endpoint.
type SocialAdapter struct {
	baseURL    string
	minPosts   int
	httpClient *http.Client
}

func NewSocialAdapter(baseURL string, minPosts int) *SocialAdapter {
	return &SocialAdapter{
		baseURL:  baseURL,
		minPosts: max(1, minPosts),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *SocialAdapter) Channel() models.Channel { return models.ChannelSocial }

func (a *SocialAdapter) Check(ctx context.Context, q Query) (Result, error) {
	if q.Location.Place() == "" {
		return notAvailable("report has no place name to search"), nil
	}

	apiURL, err := url.Parse(a.baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("error parsing URL: %w", err)
	}
	search := searchTerms(q)
	params := apiURL.Query()
	params.Set("q", search)
	params.Set("since", q.From.UTC().Format(time.RFC3339))
	params.Set("until", q.To.UTC().Format(time.RFC3339))
	apiURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, upstreamErr(models.ChannelSocial, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, upstreamErr(models.ChannelSocial, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var data socialResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{}, upstreamErr(models.ChannelSocial, fmt.Errorf("error decoding resp.Body: %w", err))
	}

	snap := socialSnapshot{Query: search, Scanned: len(data.Posts), MinPosts: a.minPosts}
	for _, p := range data.Posts {
		if !inWindow(p.CreatedAt, q) || !mentions(p.Text, q.Location, q.Keywords) {
			continue
		}
		snap.Matched++
		if len(snap.PostIDs) < maxSnapshotItems {
			snap.PostIDs = append(snap.PostIDs, p.ID)
		}
	}

	status := models.ChannelNotMatched
	if snap.Matched >= a.minPosts {
		status = models.ChannelVerified
	}
	return Result{
		Status:   status,
		Snapshot: snapshot(snap),
		Detail:   fmt.Sprintf("%d matching posts, %d needed", snap.Matched, a.minPosts),
	}, nil
}
