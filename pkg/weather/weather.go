// Package weather resolves project locations and supplies the daily average
// temperatures the consumption model is fit and projected with.
package weather

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/model"
	"github.com/raterudder/eemeter/pkg/types"
)

var ErrUnresolvableLocation = errors.New("unresolvable location")

// Source returns daily average temperatures for a location.
type Source interface {
	// DailyTemperatures returns one value per calendar day of period, in
	// order. Days without an observation are NaN.
	DailyTemperatures(ctx context.Context, loc types.Location, period types.Period, unit model.TemperatureUnit) ([]float64, error)
}

// ResolveLocation picks the location descriptor of a project. Coordinates win
// over a weather station, which wins over a zipcode.
func ResolveLocation(p types.Project) (types.Location, error) {
	switch {
	case p.Latitude != nil && p.Longitude != nil:
		lat, lng := *p.Latitude, *p.Longitude
		return types.Location{Latitude: &lat, Longitude: &lng}, nil
	case p.WeatherStation != "":
		return types.Location{Station: p.WeatherStation}, nil
	case p.Zipcode != "":
		return types.Location{Zipcode: p.Zipcode}, nil
	default:
		return types.Location{}, fmt.Errorf("%w: project %s has no coordinates, weather station or zipcode", ErrUnresolvableLocation, p.ID)
	}
}

// Bind returns a model.Temperatures that always asks src about loc.
func Bind(src Source, loc types.Location) model.Temperatures {
	return &bound{src: src, loc: loc}
}

type bound struct {
	src Source
	loc types.Location
}

func (b *bound) DailyTemperatures(ctx context.Context, period types.Period, unit model.TemperatureUnit) ([]float64, error) {
	return b.src.DailyTemperatures(ctx, b.loc, period, unit)
}

// Configured sets up the weather providers and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.SetProvider("http", configuredHTTP())

	provider := lflag.String("weather-provider", "http", "Weather provider to use (available: http)")
	lflag.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.defaultName = *provider
		if err := m.Validate(); err != nil {
			panic(fmt.Sprintf("weather validation failed: %v", err))
		}
	})
	return m
}

// Validate checks that the default provider exists and, if it can, that its
// configuration is valid.
func (m *Map) Validate() error {
	src, err := m.Default()
	if err != nil {
		return err
	}
	if v, ok := src.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// Map manages weather providers.
type Map struct {
	mu          sync.Mutex
	providers   map[string]Source
	defaultName string
}

// NewMap creates a new weather Map.
func NewMap() *Map {
	return &Map{
		providers: make(map[string]Source),
	}
}

// Provider returns the provider for the given name.
func (m *Map) Provider(name string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prov, ok := m.providers[name]; ok {
		return prov, nil
	}
	return nil, fmt.Errorf("unknown weather provider: %s", name)
}

// Default returns the provider selected with -weather-provider.
func (m *Map) Default() (Source, error) {
	m.mu.Lock()
	name := m.defaultName
	m.mu.Unlock()
	return m.Provider(name)
}

// DailyTemperatures implements Source using the default provider.
func (m *Map) DailyTemperatures(ctx context.Context, loc types.Location, period types.Period, unit model.TemperatureUnit) ([]float64, error) {
	src, err := m.Default()
	if err != nil {
		return nil, err
	}
	return src.DailyTemperatures(ctx, loc, period, unit)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *Map) SetProvider(name string, provider Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = provider
	if m.defaultName == "" {
		m.defaultName = name
	}
}
