package model

import (
	"sort"
	"time"

	"github.com/raterudder/eemeter/pkg/types"
)

// Interval is one reading spanning [Start, End).
type Interval struct {
	Start     time.Time
	End       time.Time
	Value     *float64
	Estimated bool
}

// ConsumptionSeries is a read-only view over the records of one fuel stream.
type ConsumptionSeries struct {
	fuelType  types.FuelType
	unit      types.EnergyUnit
	intervals []Interval
	earliest  time.Time
}

// NewConsumptionSeries copies and orders the records of cm. Each record's
// value spans until the next record's start; the final record only marks the
// end of the series.
func NewConsumptionSeries(cm types.ConsumptionMetadata) *ConsumptionSeries {
	records := append([]types.ConsumptionRecord(nil), cm.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Start.Before(records[j].Start)
	})

	s := &ConsumptionSeries{
		fuelType: cm.FuelType,
		unit:     cm.EnergyUnit,
	}
	if len(records) > 0 {
		s.earliest = records[0].Start
	}
	for i := 0; i+1 < len(records); i++ {
		r := records[i]
		var value *float64
		if r.Value != nil {
			v := *r.Value
			value = &v
		}
		s.intervals = append(s.intervals, Interval{
			Start:     r.Start,
			End:       records[i+1].Start,
			Value:     value,
			Estimated: r.Estimated,
		})
	}
	return s
}

// FuelType returns the stream's fuel type.
func (s *ConsumptionSeries) FuelType() types.FuelType {
	return s.fuelType
}

// Unit returns the stream's energy unit.
func (s *ConsumptionSeries) Unit() types.EnergyUnit {
	return s.unit
}

// Earliest returns the first record's start, or the zero time if the stream
// has no records.
func (s *ConsumptionSeries) Earliest() time.Time {
	return s.earliest
}

// Len returns the number of intervals.
func (s *ConsumptionSeries) Len() int {
	return len(s.intervals)
}

// Intervals returns a copy of the intervals in start order.
func (s *ConsumptionSeries) Intervals() []Interval {
	return append([]Interval(nil), s.intervals...)
}

// Within returns the intervals with a value that lie entirely inside p.
func (s *ConsumptionSeries) Within(p types.Period) []Interval {
	var out []Interval
	for _, in := range s.intervals {
		if in.Value == nil {
			continue
		}
		if in.Start.Before(p.Start) || in.End.After(p.End) {
			continue
		}
		out = append(out, in)
	}
	return out
}
