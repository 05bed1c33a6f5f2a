// Package series has the NaN-tolerant reductions and calendar bucketing used
// to build daily and monthly usage series.
package series

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/raterudder/eemeter/pkg/types"
)

// ErrAlignment is returned when two series that must cover the same days do
// not.
var ErrAlignment = errors.New("series alignment fault")

const monthKeyLayout = "2006-01"

// NaNSum returns the sum of the non-NaN values. It is 0 if there are none.
func NaNSum(values []float64) float64 {
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
	}
	return sum
}

// NaNMean returns the mean of the non-NaN values. A bucket with no non-NaN
// values averages to exactly 0 rather than NaN.
func NaNMean(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MonthKey returns the YYYY-MM bucket key for t.
func MonthKey(t time.Time) string {
	return t.Format(monthKeyLayout)
}

// ParseMonthKey returns the first day of the month named by key as a calendar
// date.
func ParseMonthKey(key string) (time.Time, error) {
	t, err := time.Parse(monthKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month key %q: %w", key, err)
	}
	return t, nil
}

// MonthBuckets groups values by month and remembers the order in which months
// were first seen.
type MonthBuckets struct {
	keys   []string
	values map[string][]float64
}

// NewMonthBuckets returns buckets seeded with the given months. Seeded months
// are visited even if no value is ever added to them.
func NewMonthBuckets(seed ...string) *MonthBuckets {
	b := &MonthBuckets{values: make(map[string][]float64)}
	for _, k := range seed {
		b.touch(k)
	}
	return b
}

func (b *MonthBuckets) touch(key string) {
	if _, ok := b.values[key]; ok {
		return
	}
	b.keys = append(b.keys, key)
	b.values[key] = nil
}

// Add appends v to the bucket for key.
func (b *MonthBuckets) Add(key string, v float64) {
	b.touch(key)
	b.values[key] = append(b.values[key], v)
}

// Keys returns the months in first-seen order.
func (b *MonthBuckets) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Values returns the values added for key.
func (b *MonthBuckets) Values(key string) []float64 {
	return b.values[key]
}

// Means returns one row per month, in first-seen order, holding the NaN
// mean of the month's values.
func (b *MonthBuckets) Means() ([]types.UsageValue, error) {
	out := make([]types.UsageValue, 0, len(b.keys))
	for _, k := range b.keys {
		d, err := ParseMonthKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, types.UsageValue{Date: d, Value: NaNMean(b.values[k])})
	}
	return out, nil
}

// Daily zips values with consecutive calendar dates starting at start.
func Daily(start time.Time, values []float64) []types.UsageValue {
	out := make([]types.UsageValue, len(values))
	for i, v := range values {
		out[i] = types.UsageValue{
			Date:  types.CalendarDate(start.AddDate(0, 0, i)),
			Value: v,
		}
	}
	return out
}

// CheckAligned verifies that the two series have the same length and the
// same date at every position.
func CheckAligned(a, b []types.UsageValue) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: lengths differ (%d != %d)", ErrAlignment, len(a), len(b))
	}
	for i := range a {
		if !a[i].Date.Equal(b[i].Date) {
			return fmt.Errorf(
				"%w: dates differ at index %d (%s != %s)",
				ErrAlignment,
				i,
				a[i].Date.Format(time.DateOnly),
				b[i].Date.Format(time.DateOnly),
			)
		}
	}
	return nil
}
