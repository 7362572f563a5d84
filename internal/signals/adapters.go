package signals

import (
	"log/slog"

	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/observability"
)

// FromConfig builds the enabled adapters, each behind a response cache.
// Disabled channels have no adapter and gather as not-available.
func FromConfig(cfg config.SignalsConfig, metrics *observability.Metrics) []Adapter {
	var adapters []Adapter
	if cfg.WeatherEnabled {
		adapters = append(adapters, NewWeatherAdapter(cfg.WeatherURL, cfg.WeatherMinRainfallMM))
	}
	if cfg.NewsEnabled {
		adapters = append(adapters, NewNewsAdapter(cfg.NewsURL))
	}
	if cfg.SocialEnabled {
		adapters = append(adapters, NewSocialAdapter(cfg.SocialURL, cfg.SocialMinPosts))
	}

	if cfg.CacheSize > 0 {
		for i, a := range adapters {
			adapters[i] = NewCachedAdapter(a, cfg.CacheSize, cfg.CacheTTL, metrics)
		}
	}

	for _, a := range adapters {
		slog.Info("signal channel enabled", "channel", a.Channel())
	}
	return adapters
}
