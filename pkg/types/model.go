package types

import (
	"fmt"
	"time"
)

const (
	CurrentMeterRunVersion        = 1
	CurrentFuelTypeSummaryVersion = 1
)

// FuelType is the metered commodity of a consumption stream.
type FuelType string

const (
	FuelTypeElectricity FuelType = "electricity"
	FuelTypeNaturalGas  FuelType = "natural_gas"
)

// ParseFuelTypeCode converts the short storage codes (E, NG) used by older
// records into a FuelType. Full names are accepted as well.
func ParseFuelTypeCode(code string) (FuelType, error) {
	switch code {
	case "E", string(FuelTypeElectricity):
		return FuelTypeElectricity, nil
	case "NG", string(FuelTypeNaturalGas):
		return FuelTypeNaturalGas, nil
	default:
		return "", fmt.Errorf("unknown fuel type: %q", code)
	}
}

// Code returns the short code for the fuel type.
func (f FuelType) Code() string {
	switch f {
	case FuelTypeElectricity:
		return "E"
	case FuelTypeNaturalGas:
		return "NG"
	default:
		return ""
	}
}

// EnergyUnit is the unit the consumption records are metered in.
type EnergyUnit string

const (
	EnergyUnitKWH   EnergyUnit = "kWh"
	EnergyUnitTherm EnergyUnit = "therm"
)

// ParseEnergyUnitCode converts the short storage codes (KWH, THM) into an
// EnergyUnit.
func ParseEnergyUnitCode(code string) (EnergyUnit, error) {
	switch code {
	case "KWH", string(EnergyUnitKWH):
		return EnergyUnitKWH, nil
	case "THM", string(EnergyUnitTherm):
		return EnergyUnitTherm, nil
	default:
		return "", fmt.Errorf("unknown energy unit: %q", code)
	}
}

// Project represents a retrofit project: a building with a baseline period
// before the retrofit and a reporting period after it.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BaselinePeriod  Period    `json:"baselinePeriod"`
	ReportingPeriod Period    `json:"reportingPeriod"`
	Zipcode         string    `json:"zipcode,omitempty"`
	WeatherStation  string    `json:"weatherStation,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	Added           time.Time `json:"added"`
	Updated         time.Time `json:"updated"`
}

// ProjectGroup is a named collection of projects that is summarized as a
// portfolio.
type ProjectGroup struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ProjectIDs []string  `json:"projectIDs"`
	Added      time.Time `json:"added"`
}

// Location describes where a project is. Exactly one of the descriptors is
// used when fetching weather; see weather.ResolveLocation.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Station   string   `json:"station,omitempty"`
	Zipcode   string   `json:"zipcode,omitempty"`
}

// String returns a stable key for the location.
func (l Location) String() string {
	switch {
	case l.Latitude != nil && l.Longitude != nil:
		return fmt.Sprintf("latlng:%.5f,%.5f", *l.Latitude, *l.Longitude)
	case l.Station != "":
		return "station:" + l.Station
	case l.Zipcode != "":
		return "zipcode:" + l.Zipcode
	default:
		return ""
	}
}

// ConsumptionMetadata is a single metered fuel stream. ProjectID is empty for
// standalone streams.
type ConsumptionMetadata struct {
	ID         string              `json:"id"`
	ProjectID  string              `json:"projectID,omitempty"`
	FuelType   FuelType            `json:"fuelType"`
	EnergyUnit EnergyUnit          `json:"energyUnit"`
	Records    []ConsumptionRecord `json:"records"`
	Added      time.Time           `json:"added"`
}

// ConsumptionRecord is one reading. The value spans from Start until the
// start of the next record.
type ConsumptionRecord struct {
	Start     time.Time `json:"start"`
	Value     *float64  `json:"value"`
	Estimated bool      `json:"estimated"`
}
