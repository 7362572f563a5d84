package api

import (
	"github.com/mr1hm/report-verification/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON maps reports to point features for map clients. Reports without
// coordinates are left out.
func toGeoJSON(reports []models.Report) FeatureCollection {
	features := make([]Feature, 0, len(reports))

	for _, r := range reports {
		if !r.Location.HasCoordinates() {
			continue
		}
		f := Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{r.Location.Longitude, r.Location.Latitude},
			},
			Properties: map[string]any{
				"id":               r.ID,
				"kind":             r.Kind,
				"place":            r.Location.Place(),
				"severity":         r.Severity,
				"overall_status":   r.Verification.OverallStatus,
				"confidence":       r.Verification.Confidence,
				"lifecycle_status": r.Lifecycle,
				"upvotes":          r.Votes.Upvotes,
				"downvotes":        r.Votes.Downvotes,
				"created_at":       r.CreatedAt,
			},
		}
		features = append(features, f)
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
