// Package model defines the consumption model used to evaluate meter runs
// and the registry that picks a model configuration per fuel type.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raterudder/eemeter/pkg/types"
)

var ErrUnsupportedFuelType = errors.New("unsupported fuel type")

// TemperatureUnit is the unit daily temperatures are requested in.
type TemperatureUnit string

const (
	DegF TemperatureUnit = "degF"
	DegC TemperatureUnit = "degC"
)

// Temperatures supplies daily average temperatures, one per calendar day of
// the period.
type Temperatures interface {
	DailyTemperatures(ctx context.Context, period types.Period, unit TemperatureUnit) ([]float64, error)
}

// Partition splits a stream into the baseline and reporting regimes.
type Partition struct {
	Baseline  types.Period
	Reporting types.Period
}

// RegimeFit holds what the model learned for one regime. Any field may be nil
// if the model could not be fit.
type RegimeFit struct {
	Parameters      *types.ModelParameters
	AnnualizedUsage *float64
	CVRMSE          *float64
}

// FitResult is the outcome of fitting both regimes of a stream.
type FitResult struct {
	Baseline     RegimeFit
	Reporting    RegimeFit
	GrossSavings *float64
}

// Model fits consumption to temperature and projects usage from temperature.
type Model interface {
	// Fit fits the baseline and reporting regimes of series separately.
	Fit(ctx context.Context, series *ConsumptionSeries, partition Partition, temps Temperatures) (FitResult, error)

	// Transform returns one usage value per temperature.
	Transform(temps []float64, params types.ModelParameters) []float64

	// Serialize returns an opaque representation of the model configuration.
	Serialize() (string, error)

	// TemperatureUnit returns the unit the model expects temperatures in.
	TemperatureUnit() TemperatureUnit
}

// Configuration selects which terms of the temperature sensitivity model are
// fit and the balance point search ranges.
type Configuration struct {
	Heating         bool            `yaml:"heating"`
	Cooling         bool            `yaml:"cooling"`
	TemperatureUnit TemperatureUnit `yaml:"temperature_unit"`
	HeatingBalance  BalanceRange    `yaml:"heating_balance_range,omitempty"`
	CoolingBalance  BalanceRange    `yaml:"cooling_balance_range,omitempty"`
}

// BalanceRange is an inclusive grid of candidate balance temperatures.
type BalanceRange struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

// Points returns the candidate balance temperatures.
func (r BalanceRange) Points() []float64 {
	if r.Step <= 0 || r.Max < r.Min {
		return []float64{r.Min}
	}
	var out []float64
	for v := r.Min; v <= r.Max+r.Step/2; v += r.Step {
		out = append(out, v)
	}
	return out
}

var (
	defaultHeatingBalance = BalanceRange{Min: 55, Max: 70, Step: 1}
	defaultCoolingBalance = BalanceRange{Min: 60, Max: 75, Step: 1}
)

// Registry maps fuel types to model configurations.
type Registry struct {
	mu      sync.RWMutex
	configs map[types.FuelType]Configuration
}

// NewRegistry returns a registry with the default residential
// configurations: electricity is fit with heating and cooling, natural gas
// with heating only.
func NewRegistry() *Registry {
	return &Registry{
		configs: map[types.FuelType]Configuration{
			types.FuelTypeElectricity: {
				Heating:         true,
				Cooling:         true,
				TemperatureUnit: DegF,
				HeatingBalance:  defaultHeatingBalance,
				CoolingBalance:  defaultCoolingBalance,
			},
			types.FuelTypeNaturalGas: {
				Heating:         true,
				Cooling:         false,
				TemperatureUnit: DegF,
				HeatingBalance:  defaultHeatingBalance,
			},
		},
	}
}

// Configuration returns the configuration for fuel.
func (r *Registry) Configuration(fuel types.FuelType) (Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[fuel]
	if !ok {
		return Configuration{}, fmt.Errorf("%w: %q", ErrUnsupportedFuelType, fuel)
	}
	return cfg, nil
}

// Set registers or replaces the configuration for fuel.
func (r *Registry) Set(fuel types.FuelType, cfg Configuration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[fuel] = cfg
}
