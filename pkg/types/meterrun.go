package types

import (
	"errors"
	"fmt"
	"time"
)

// DefaultValidityThreshold is the CVRMSE a meter run must stay below in both
// regimes to be considered valid.
const DefaultValidityThreshold = 20.0

var ErrUnsupportedMeterType = errors.New("unsupported meter type")

// MeterKind is the class of building a meter is evaluated for.
type MeterKind string

const (
	MeterKindResidential MeterKind = "residential"
	MeterKindCommercial  MeterKind = "commercial"
)

// MeterType tags a meter run with the building class and fuel it was
// evaluated with.
type MeterType string

const (
	MeterTypeResidentialElectricity MeterType = "DFLT_RES_E"
	MeterTypeResidentialNaturalGas  MeterType = "DFLT_RES_NG"
	MeterTypeCommercialElectricity  MeterType = "DFLT_COM_E"
	MeterTypeCommercialNaturalGas   MeterType = "DFLT_COM_NG"
)

// MeterTypeFor returns the meter type used to evaluate a fuel stream with the
// given kind of meter. Only residential meters can be evaluated.
func MeterTypeFor(kind MeterKind, fuel FuelType) (MeterType, error) {
	switch kind {
	case MeterKindResidential:
	case MeterKindCommercial:
		return "", fmt.Errorf("%w: %s meters are not implemented", ErrUnsupportedMeterType, kind)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMeterType, kind)
	}
	switch fuel {
	case FuelTypeElectricity:
		return MeterTypeResidentialElectricity, nil
	case FuelTypeNaturalGas:
		return MeterTypeResidentialNaturalGas, nil
	default:
		return "", fmt.Errorf("%w: no %s meter for fuel %q", ErrUnsupportedMeterType, kind, fuel)
	}
}

// ModelParameters are the fitted coefficients of the temperature sensitivity
// model for one regime. Slopes are in usage per degree-day; balance points are
// in the model's temperature unit.
type ModelParameters struct {
	BaseDailyConsumption      float64 `json:"baseDailyConsumption" yaml:"base_daily_consumption"`
	HeatingSlope              float64 `json:"heatingSlope,omitempty" yaml:"heating_slope,omitempty"`
	HeatingBalanceTemperature float64 `json:"heatingBalanceTemperature,omitempty" yaml:"heating_balance_temperature,omitempty"`
	CoolingSlope              float64 `json:"coolingSlope,omitempty" yaml:"cooling_slope,omitempty"`
	CoolingBalanceTemperature float64 `json:"coolingBalanceTemperature,omitempty" yaml:"cooling_balance_temperature,omitempty"`
}

// MeterRun is the outcome of evaluating one consumption stream of a project.
// Nil metrics mean the model could not produce them.
type MeterRun struct {
	ID                       string           `json:"id"`
	ProjectID                string           `json:"projectID"`
	ConsumptionID            string           `json:"consumptionID"`
	FuelType                 FuelType         `json:"fuelType"`
	MeterType                MeterType        `json:"meterType"`
	AnnualUsageBaseline      *float64         `json:"annualUsageBaseline"`
	AnnualUsageReporting     *float64         `json:"annualUsageReporting"`
	GrossSavings             *float64         `json:"grossSavings"`
	AnnualSavings            *float64         `json:"annualSavings"`
	ModelParametersBaseline  *ModelParameters `json:"modelParametersBaseline,omitempty"`
	ModelParametersReporting *ModelParameters `json:"modelParametersReporting,omitempty"`
	CVRMSEBaseline           *float64         `json:"cvrmseBaseline"`
	CVRMSEReporting          *float64         `json:"cvrmseReporting"`
	Serialization            string           `json:"serialization,omitempty"`
	EvaluationPeriod         Period           `json:"evaluationPeriod"`
	Added                    time.Time        `json:"added"`
}

// Valid returns true if both regimes were fit with a CVRMSE strictly below
// threshold.
func (m MeterRun) Valid(threshold float64) bool {
	if m.CVRMSEBaseline == nil || m.CVRMSEReporting == nil {
		return false
	}
	return *m.CVRMSEBaseline < threshold && *m.CVRMSEReporting < threshold
}

// FuelTypeSummary is the parent of one aggregation run's portfolio series for
// a single fuel type.
type FuelTypeSummary struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"groupID"`
	FuelType FuelType  `json:"fuelType"`
	Projects int       `json:"projects"`
	Added    time.Time `json:"added"`
}
