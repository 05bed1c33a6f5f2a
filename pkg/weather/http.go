package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/common"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/model"
	"github.com/raterudder/eemeter/pkg/types"
)

const dateLayout = "2006-01-02"

// HTTPProvider reads daily average temperatures from a JSON API of the form
//
//	GET {apiURL}?start=2014-01-01&end=2014-01-04&unit=degF&zipcode=60601
//	{"temperatures":[{"date":"2014-01-01","value":30.5}, ...]}
//
// where end is exclusive. Responses are cached per location, unit and day.
type HTTPProvider struct {
	apiURL        string
	apiKey        string
	cacheDuration time.Duration
	client        *http.Client
	now           func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cachedDay
}

type cacheKey struct {
	location string
	unit     model.TemperatureUnit
	date     string
}

type cachedDay struct {
	value   float64
	fetched time.Time
}

type httpEnv struct {
	APIKey string `env:"WEATHER_API_KEY"`
}

// NewHTTPProvider returns a provider for apiURL. A zero cacheDuration disables
// caching.
func NewHTTPProvider(apiURL, apiKey string, cacheDuration time.Duration) *HTTPProvider {
	return &HTTPProvider{
		apiURL:        apiURL,
		apiKey:        apiKey,
		cacheDuration: cacheDuration,
		client:        common.HTTPClient(30 * time.Second),
		now:           time.Now,
		cache:         make(map[cacheKey]cachedDay),
	}
}

// configuredHTTP sets up flags for the HTTP provider and returns the instance.
func configuredHTTP() *HTTPProvider {
	h := NewHTTPProvider("", "", 0)
	apiURL := lflag.String("weather-api-url", "https://weather.example.com/v1/daily", "URL for the daily temperature API")
	cacheDuration := lflag.Duration("weather-cache-duration", 24*time.Hour, "How long fetched daily temperatures are reused")

	lflag.Do(func() {
		h.apiURL = *apiURL
		h.cacheDuration = *cacheDuration
		var e httpEnv
		if err := common.ParseEnv(&e); err != nil {
			panic(fmt.Errorf("failed to parse weather env: %w", err))
		}
		h.apiKey = e.APIKey
	})
	return h
}

// Validate ensures the configuration is valid.
func (h *HTTPProvider) Validate() error {
	if h.apiURL == "" {
		return fmt.Errorf("weather-api-url is required")
	}
	if _, err := url.Parse(h.apiURL); err != nil {
		return fmt.Errorf("failed to parse weather url (%s): %w", h.apiURL, err)
	}
	return nil
}

type temperatureEntry struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

type temperatureResponse struct {
	Temperatures []temperatureEntry `json:"temperatures"`
}

// DailyTemperatures implements Source.
func (h *HTTPProvider) DailyTemperatures(ctx context.Context, loc types.Location, period types.Period, unit model.TemperatureUnit) ([]float64, error) {
	days := period.Days()
	out := make([]float64, days)
	if days == 0 {
		return out, nil
	}
	locKey := loc.String()
	if locKey == "" {
		return nil, ErrUnresolvableLocation
	}

	if h.fromCache(locKey, unit, period, out) {
		log.Ctx(ctx).DebugContext(
			ctx,
			"using cached temperatures",
			slog.String("location", locKey),
			slog.Int("days", days),
		)
		return out, nil
	}

	fetched, err := h.fetch(ctx, loc, period, unit)
	if err != nil {
		return nil, err
	}

	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range out {
		date := period.Start.AddDate(0, 0, i).Format(dateLayout)
		v, ok := fetched[date]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
		if h.cacheDuration > 0 {
			h.cache[cacheKey{location: locKey, unit: unit, date: date}] = cachedDay{value: v, fetched: now}
		}
	}
	return out, nil
}

// fromCache fills out if every day of period is cached and fresh.
func (h *HTTPProvider) fromCache(locKey string, unit model.TemperatureUnit, period types.Period, out []float64) bool {
	if h.cacheDuration <= 0 {
		return false
	}
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range out {
		date := period.Start.AddDate(0, 0, i).Format(dateLayout)
		c, ok := h.cache[cacheKey{location: locKey, unit: unit, date: date}]
		if !ok || now.Sub(c.fetched) > h.cacheDuration {
			return false
		}
		out[i] = c.value
	}
	return true
}

func (h *HTTPProvider) fetch(ctx context.Context, loc types.Location, period types.Period, unit model.TemperatureUnit) (map[string]float64, error) {
	u, err := url.Parse(h.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	q := u.Query()
	q.Set("start", period.Start.Format(dateLayout))
	q.Set("end", period.Start.AddDate(0, 0, period.Days()).Format(dateLayout))
	q.Set("unit", string(unit))
	switch {
	case loc.Latitude != nil && loc.Longitude != nil:
		q.Set("lat", strconv.FormatFloat(*loc.Latitude, 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(*loc.Longitude, 'f', -1, 64))
	case loc.Station != "":
		q.Set("station", loc.Station)
	default:
		q.Set("zipcode", loc.Zipcode)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching temperatures", slog.String("url", u.String()))

	resp, err := h.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch temperatures", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch temperatures: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather api returned status: %d", resp.StatusCode)
	}

	var data temperatureResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make(map[string]float64, len(data.Temperatures))
	for _, e := range data.Temperatures {
		if e.Value == nil {
			continue
		}
		if _, err := time.Parse(dateLayout, e.Date); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse temperature date", slog.String("value", e.Date), slog.Any("error", err))
			continue
		}
		out[e.Date] = *e.Value
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched temperatures",
		slog.Int("count", len(out)),
		slog.Int("days", period.Days()),
	)
	return out, nil
}
