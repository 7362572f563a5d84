package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mr1hm/report-verification/internal/models"
)

type openMeteoResponse struct {
	Daily struct {
		Time             []string   `json:"time"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
	} `json:"daily"`
}

type weatherSnapshot struct {
	TotalMM     float64 `json:"total_mm"`
	ThresholdMM float64 `json:"threshold_mm"`
	Days        int     `json:"days"`
	From        string  `json:"from"`
	To          string  `json:"to"`
}

// WeatherAdapter corroborates flood reports with the daily precipitation
// total from an Open-Meteo compatible archive API.
type WeatherAdapter struct {
	baseURL       string
	minRainfallMM float64
	httpClient    *http.Client
}

func NewWeatherAdapter(baseURL string, minRainfallMM float64) *WeatherAdapter {
	return &WeatherAdapter{
		baseURL:       baseURL,
		minRainfallMM: minRainfallMM,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *WeatherAdapter) Channel() models.Channel { return models.ChannelWeather }

func (a *WeatherAdapter) Check(ctx context.Context, q Query) (Result, error) {
	if q.Kind != models.ReportKindFlood {
		return notAvailable("weather does not apply to " + string(q.Kind)), nil
	}
	if !q.Location.HasCoordinates() {
		return notAvailable("report has no coordinates"), nil
	}

	apiURL, err := url.Parse(a.baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("error parsing URL: %w", err)
	}

	from := q.From.UTC().Format(time.DateOnly)
	to := q.To.UTC().Format(time.DateOnly)

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(q.Location.Latitude, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(q.Location.Longitude, 'f', 4, 64))
	params.Set("start_date", from)
	params.Set("end_date", to)
	params.Set("daily", "precipitation_sum")
	params.Set("timezone", "UTC")
	apiURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, upstreamErr(models.ChannelWeather, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, upstreamErr(models.ChannelWeather, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{}, upstreamErr(models.ChannelWeather, fmt.Errorf("error decoding resp.Body: %w", err))
	}

	snap := weatherSnapshot{ThresholdMM: a.minRainfallMM, From: from, To: to}
	for _, v := range data.Daily.PrecipitationSum {
		if v == nil {
			continue
		}
		snap.TotalMM += *v
		snap.Days++
	}

	if snap.Days == 0 {
		return notAvailable("no precipitation data for window"), nil
	}

	status := models.ChannelNotMatched
	if snap.TotalMM >= a.minRainfallMM {
		status = models.ChannelVerified
	}
	return Result{
		Status:   status,
		Snapshot: snapshot(snap),
		Detail:   fmt.Sprintf("%.1fmm over %d days", snap.TotalMM, snap.Days),
	}, nil
}
