package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// UsageValue is one row of a daily or monthly usage series. Monthly rows are
// dated on the first day of the month. Value may be NaN when the model could
// not produce a value for the day.
type UsageValue struct {
	Date  time.Time
	Value float64
}

type usageValueJSON struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

const dateLayout = "2006-01-02"

// MarshalJSON encodes the date as YYYY-MM-DD and NaN as null since JSON has
// no representation for NaN.
func (u UsageValue) MarshalJSON() ([]byte, error) {
	v := usageValueJSON{Date: u.Date.Format(dateLayout)}
	if !math.IsNaN(u.Value) {
		val := u.Value
		v.Value = &val
	}
	return json.Marshal(v)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (u *UsageValue) UnmarshalJSON(b []byte) error {
	var v usageValueJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d, err := time.Parse(dateLayout, v.Date)
	if err != nil {
		return fmt.Errorf("invalid usage date %q: %w", v.Date, err)
	}
	u.Date = d
	if v.Value == nil {
		u.Value = math.NaN()
	} else {
		u.Value = *v.Value
	}
	return nil
}

// MeterRunSeries holds the child rows of a meter run. The daily series always
// have the same length and dates.
type MeterRunSeries struct {
	DailyBaseline    []UsageValue `json:"dailyBaseline"`
	DailyReporting   []UsageValue `json:"dailyReporting"`
	MonthlyBaseline  []UsageValue `json:"monthlyBaseline"`
	MonthlyReporting []UsageValue `json:"monthlyReporting"`
}

// SummarySeries holds the child rows of a fuel type summary.
type SummarySeries struct {
	DailyBaseline    []UsageValue `json:"dailyBaseline"`
	DailyActual      []UsageValue `json:"dailyActual"`
	DailyReporting   []UsageValue `json:"dailyReporting"`
	MonthlyBaseline  []UsageValue `json:"monthlyBaseline"`
	MonthlyActual    []UsageValue `json:"monthlyActual"`
	MonthlyReporting []UsageValue `json:"monthlyReporting"`
}

// SeriesKind names one of the usage series. It is used as a storage key.
type SeriesKind string

const (
	SeriesDailyBaseline    SeriesKind = "daily_baseline"
	SeriesDailyActual      SeriesKind = "daily_actual"
	SeriesDailyReporting   SeriesKind = "daily_reporting"
	SeriesMonthlyBaseline  SeriesKind = "monthly_baseline"
	SeriesMonthlyActual    SeriesKind = "monthly_actual"
	SeriesMonthlyReporting SeriesKind = "monthly_reporting"
)

// Kinds returns the series of a meter run keyed by kind.
func (s *MeterRunSeries) Kinds() map[SeriesKind]*[]UsageValue {
	return map[SeriesKind]*[]UsageValue{
		SeriesDailyBaseline:    &s.DailyBaseline,
		SeriesDailyReporting:   &s.DailyReporting,
		SeriesMonthlyBaseline:  &s.MonthlyBaseline,
		SeriesMonthlyReporting: &s.MonthlyReporting,
	}
}

// Kinds returns the series of a summary keyed by kind.
func (s *SummarySeries) Kinds() map[SeriesKind]*[]UsageValue {
	return map[SeriesKind]*[]UsageValue{
		SeriesDailyBaseline:    &s.DailyBaseline,
		SeriesDailyActual:      &s.DailyActual,
		SeriesDailyReporting:   &s.DailyReporting,
		SeriesMonthlyBaseline:  &s.MonthlyBaseline,
		SeriesMonthlyActual:    &s.MonthlyActual,
		SeriesMonthlyReporting: &s.MonthlyReporting,
	}
}
