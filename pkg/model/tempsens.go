package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/raterudder/eemeter/pkg/types"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

const daysPerYear = 365

// TemperatureSensitivity is an average daily temperature sensitivity model:
// daily usage is a base load plus a heating term proportional to heating
// degree days and a cooling term proportional to cooling degree days.
type TemperatureSensitivity struct {
	cfg Configuration
}

var _ Model = (*TemperatureSensitivity)(nil)

// NewTemperatureSensitivity returns a model using cfg.
func NewTemperatureSensitivity(cfg Configuration) *TemperatureSensitivity {
	if cfg.TemperatureUnit == "" {
		cfg.TemperatureUnit = DegF
	}
	return &TemperatureSensitivity{cfg: cfg}
}

// TemperatureUnit implements Model.
func (m *TemperatureSensitivity) TemperatureUnit() TemperatureUnit {
	return m.cfg.TemperatureUnit
}

// Transform implements Model. A NaN temperature produces a NaN usage.
func (m *TemperatureSensitivity) Transform(temps []float64, p types.ModelParameters) []float64 {
	out := make([]float64, len(temps))
	for i, t := range temps {
		if math.IsNaN(t) {
			out[i] = math.NaN()
			continue
		}
		u := p.BaseDailyConsumption
		if m.cfg.Heating {
			u += p.HeatingSlope * math.Max(0, p.HeatingBalanceTemperature-t)
		}
		if m.cfg.Cooling {
			u += p.CoolingSlope * math.Max(0, t-p.CoolingBalanceTemperature)
		}
		out[i] = u
	}
	return out
}

// Serialize implements Model by dumping the configuration as YAML.
func (m *TemperatureSensitivity) Serialize() (string, error) {
	b, err := yaml.Marshal(struct {
		Model         string `yaml:"model"`
		Configuration `yaml:",inline"`
	}{
		Model:         "AverageDailyTemperatureSensitivityModel",
		Configuration: m.cfg,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize model configuration: %w", err)
	}
	return string(b), nil
}

// usagePeriod is a run of contiguous readings covering at least one whole day,
// paired with the temperatures of the days it covers.
type usagePeriod struct {
	start time.Time
	days  int
	usage float64
	temps []float64
}

// Fit implements Model.
func (m *TemperatureSensitivity) Fit(ctx context.Context, series *ConsumptionSeries, partition Partition, temps Temperatures) (FitResult, error) {
	var res FitResult

	baseline, err := m.fitRegime(ctx, series, partition.Baseline, temps)
	if err != nil {
		return FitResult{}, fmt.Errorf("failed to fit baseline: %w", err)
	}
	res.Baseline = baseline

	reporting, err := m.fitRegime(ctx, series, partition.Reporting, temps)
	if err != nil {
		return FitResult{}, fmt.Errorf("failed to fit reporting: %w", err)
	}
	res.Reporting = reporting

	if res.Baseline.Parameters != nil {
		gs, err := m.grossSavings(ctx, series, partition.Reporting, *res.Baseline.Parameters, temps)
		if err != nil {
			return FitResult{}, fmt.Errorf("failed to compute gross savings: %w", err)
		}
		res.GrossSavings = gs
	}
	return res, nil
}

func (m *TemperatureSensitivity) fitRegime(ctx context.Context, series *ConsumptionSeries, p types.Period, temps Temperatures) (RegimeFit, error) {
	if p.Start.IsZero() || p.Days() == 0 {
		return RegimeFit{}, nil
	}
	periods, regimeTemps, err := m.usagePeriods(ctx, series, p, temps)
	if err != nil {
		return RegimeFit{}, err
	}

	params, cvrmse, ok := m.regress(periods)
	if !ok {
		return RegimeFit{}, nil
	}
	res := RegimeFit{Parameters: &params, CVRMSE: cvrmse}

	projected := m.Transform(regimeTemps, params)
	var sum float64
	var n int
	for _, v := range projected {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n > 0 {
		annual := sum / float64(n) * daysPerYear
		res.AnnualizedUsage = &annual
	}
	return res, nil
}

// grossSavings is the baseline model's prediction over the reporting readings
// minus what was actually metered.
func (m *TemperatureSensitivity) grossSavings(ctx context.Context, series *ConsumptionSeries, reporting types.Period, baseline types.ModelParameters, temps Temperatures) (*float64, error) {
	if reporting.Start.IsZero() || reporting.Days() == 0 {
		return nil, nil
	}
	periods, _, err := m.usagePeriods(ctx, series, reporting, temps)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}
	var predicted, observed float64
	for _, up := range periods {
		for _, v := range m.Transform(up.temps, baseline) {
			if !math.IsNaN(v) {
				predicted += v
			}
		}
		observed += up.usage
	}
	gs := predicted - observed
	return &gs, nil
}

// usagePeriods joins contiguous readings inside p into periods of whole days
// and attaches the daily temperatures for each one.
func (m *TemperatureSensitivity) usagePeriods(ctx context.Context, series *ConsumptionSeries, p types.Period, temps Temperatures) ([]usagePeriod, []float64, error) {
	daily := types.DailyPeriod(p.Start, p.End)
	regimeTemps, err := temps.DailyTemperatures(ctx, daily, m.cfg.TemperatureUnit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get daily temperatures: %w", err)
	}
	if len(regimeTemps) != daily.Days() {
		return nil, nil, fmt.Errorf("got %d daily temperatures for %d days", len(regimeTemps), daily.Days())
	}

	var out []usagePeriod
	var acc *Interval
	var accValue float64
	flush := func() {
		if acc == nil {
			return
		}
		first := types.TruncateDay(acc.Start)
		days := types.Period{Start: acc.Start, End: acc.End}.Days()
		offset := types.Period{Start: daily.Start, End: first}.Days()
		if days > 0 && offset+days <= len(regimeTemps) {
			out = append(out, usagePeriod{
				start: first,
				days:  days,
				usage: accValue,
				temps: regimeTemps[offset : offset+days],
			})
		}
		acc = nil
		accValue = 0
	}

	for _, in := range series.Within(p) {
		if acc != nil && !acc.End.Equal(in.Start) {
			// a gap in the readings breaks the period
			acc = nil
			accValue = 0
		}
		if acc == nil {
			cp := in
			acc = &cp
		} else {
			acc.End = in.End
		}
		accValue += *in.Value
		if (types.Period{Start: acc.Start, End: acc.End}).Days() >= 1 {
			flush()
		}
	}
	return out, regimeTemps, nil
}

type candidate struct {
	heating *float64
	cooling *float64
}

func (m *TemperatureSensitivity) candidates() []candidate {
	heating := []*float64{nil}
	if m.cfg.Heating {
		heating = nil
		for _, v := range m.cfg.HeatingBalance.Points() {
			heating = append(heating, &v)
		}
	}
	cooling := []*float64{nil}
	if m.cfg.Cooling {
		cooling = nil
		for _, v := range m.cfg.CoolingBalance.Points() {
			cooling = append(cooling, &v)
		}
	}
	var out []candidate
	for _, h := range heating {
		for _, c := range cooling {
			if h != nil && c != nil && *h > *c {
				continue
			}
			out = append(out, candidate{heating: h, cooling: c})
		}
	}
	return out
}

// regress fits every balance point candidate with ordinary least squares and
// keeps the one with the smallest squared error. Candidates with negative
// slopes are rejected; if none remain the model falls back to a constant base
// load.
func (m *TemperatureSensitivity) regress(periods []usagePeriod) (types.ModelParameters, *float64, bool) {
	var (
		best     types.ModelParameters
		bestSSE  = math.Inf(1)
		bestN    int
		bestK    int
		bestMean float64
		found    bool
	)

	try := func(c candidate) {
		var xs [][]float64
		var ys []float64
		for _, up := range periods {
			row := []float64{1}
			if c.heating != nil {
				hdd, ok := meanDegreeDays(up.temps, func(t float64) float64 { return math.Max(0, *c.heating-t) })
				if !ok {
					continue
				}
				row = append(row, hdd)
			}
			if c.cooling != nil {
				cdd, ok := meanDegreeDays(up.temps, func(t float64) float64 { return math.Max(0, t-*c.cooling) })
				if !ok {
					continue
				}
				row = append(row, cdd)
			}
			if c.heating == nil && c.cooling == nil && !anyFinite(up.temps) {
				continue
			}
			xs = append(xs, row)
			ys = append(ys, up.usage/float64(up.days))
		}
		k := 1
		if c.heating != nil {
			k++
		}
		if c.cooling != nil {
			k++
		}
		if len(ys) <= k {
			return
		}
		beta, sse, ok := leastSquares(xs, ys)
		if !ok {
			return
		}
		for _, b := range beta[1:] {
			if b < 0 {
				return
			}
		}
		mean := floats.Sum(ys) / float64(len(ys))
		if sse >= bestSSE {
			return
		}
		params := types.ModelParameters{BaseDailyConsumption: beta[0]}
		j := 1
		if c.heating != nil {
			params.HeatingSlope = beta[j]
			params.HeatingBalanceTemperature = *c.heating
			j++
		}
		if c.cooling != nil {
			params.CoolingSlope = beta[j]
			params.CoolingBalanceTemperature = *c.cooling
		}
		best, bestSSE, bestN, bestK, bestMean, found = params, sse, len(ys), k, mean, true
	}

	for _, c := range m.candidates() {
		try(c)
	}
	if !found {
		try(candidate{})
	}
	if !found {
		return types.ModelParameters{}, nil, false
	}

	var cvrmse *float64
	if bestMean != 0 {
		v := 100 * math.Sqrt(bestSSE/float64(bestN-bestK)) / bestMean
		cvrmse = &v
	}
	return best, cvrmse, true
}

func meanDegreeDays(temps []float64, dd func(float64) float64) (float64, bool) {
	var vals []float64
	for _, t := range temps {
		if !math.IsNaN(t) {
			vals = append(vals, dd(t))
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	return floats.Sum(vals) / float64(len(vals)), true
}

func anyFinite(values []float64) bool {
	return floats.Count(func(v float64) bool { return !math.IsNaN(v) }, values) > 0
}

// leastSquares solves xs·β = ys in the least squares sense with a QR
// factorization and returns β with the sum of squared residuals. It reports
// false for rank deficient or ill-conditioned systems.
func leastSquares(xs [][]float64, ys []float64) ([]float64, float64, bool) {
	if len(xs) == 0 {
		return nil, 0, false
	}
	n, k := len(xs), len(xs[0])
	x := mat.NewDense(n, k, nil)
	for i, row := range xs {
		x.SetRow(i, row)
	}
	y := mat.NewVecDense(n, append([]float64(nil), ys...))

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return nil, 0, false
	}

	var pred, resid mat.VecDense
	pred.MulVec(x, &beta)
	resid.SubVec(y, &pred)
	return mat.Col(nil, 0, &beta), mat.Dot(&resid, &resid), true
}
