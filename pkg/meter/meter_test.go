package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raterudder/eemeter/pkg/model"
	"github.com/raterudder/eemeter/pkg/series"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/storage/storagemock"
	"github.com/raterudder/eemeter/pkg/types"
	"github.com/raterudder/eemeter/pkg/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var jan1 = time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)

func float(f float64) *float64 {
	return &f
}

// fakeModel projects usage as base + slope·t and returns a canned fit.
type fakeModel struct {
	fit model.FitResult
	err error
}

func (f *fakeModel) Fit(ctx context.Context, s *model.ConsumptionSeries, p model.Partition, temps model.Temperatures) (model.FitResult, error) {
	return f.fit, f.err
}

func (f *fakeModel) Transform(temps []float64, p types.ModelParameters) []float64 {
	out := make([]float64, len(temps))
	for i, t := range temps {
		out[i] = p.BaseDailyConsumption + p.HeatingSlope*t
	}
	return out
}

// shortModel drops the last projected day.
type shortModel struct {
	fakeModel
}

func (f *shortModel) Transform(temps []float64, p types.ModelParameters) []float64 {
	out := f.fakeModel.Transform(temps, p)
	if len(out) == 0 {
		return out
	}
	return out[:len(out)-1]
}

func (f *fakeModel) Serialize() (string, error)             { return "fake", nil }
func (f *fakeModel) TemperatureUnit() model.TemperatureUnit { return model.DegF }

// fakeWeather returns temps[i] for the i-th day after jan1, NaN past the end.
type fakeWeather struct {
	temps []float64
	short bool
	calls atomic.Int32

	mu      sync.Mutex
	periods []types.Period
}

func (w *fakeWeather) DailyTemperatures(ctx context.Context, loc types.Location, p types.Period, unit model.TemperatureUnit) ([]float64, error) {
	w.calls.Add(1)
	w.mu.Lock()
	w.periods = append(w.periods, p)
	w.mu.Unlock()
	out := make([]float64, p.Days())
	for i := range out {
		d := types.Period{Start: jan1, End: p.Start.AddDate(0, 0, i)}.Days()
		if d < len(w.temps) {
			out[i] = w.temps[d]
		} else {
			out[i] = math.NaN()
		}
	}
	if w.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func newTestEvaluator(db storage.Database, src weather.Source, m model.Model) *Evaluator {
	e := New(db, src, nil)
	e.newModel = func(model.Configuration) model.Model { return m }
	e.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	var n atomic.Int32
	e.newID = func() string { return fmt.Sprintf("run-%d", n.Add(1)) }
	return e
}

func testProject() types.Project {
	return types.Project{
		ID:              "project-1",
		Zipcode:         "60601",
		BaselinePeriod:  types.Period{Start: jan1.AddDate(-1, 0, 0), End: jan1},
		ReportingPeriod: types.Period{Start: jan1.AddDate(0, 0, 1), End: jan1.AddDate(1, 0, 0)},
	}
}

func stream(id string, fuel types.FuelType) types.ConsumptionMetadata {
	return types.ConsumptionMetadata{
		ID:        id,
		ProjectID: "project-1",
		FuelType:  fuel,
		Records: []types.ConsumptionRecord{
			{Start: jan1, Value: float(1)},
			{Start: jan1.AddDate(0, 0, 1)},
		},
	}
}

// captured collects every meter run written to the mock.
type captured struct {
	mu     sync.Mutex
	runs   []types.MeterRun
	series []types.MeterRunSeries
}

func (c *captured) expect(db *storagemock.MockDatabase) {
	db.On("CreateMeterRun", mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.runs = append(c.runs, args.Get(1).(types.MeterRun))
		c.series = append(c.series, args.Get(2).(types.MeterRunSeries))
	})
}

func values(in []types.UsageValue) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = v.Value
	}
	return out
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("ThreeDayWindow", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)

		m := &fakeModel{fit: model.FitResult{
			Baseline: model.RegimeFit{
				Parameters:      &types.ModelParameters{BaseDailyConsumption: 1, HeatingSlope: 1},
				AnnualizedUsage: float(1000),
				CVRMSE:          float(10),
			},
			Reporting: model.RegimeFit{
				Parameters:      &types.ModelParameters{HeatingSlope: 0.5},
				AnnualizedUsage: float(600),
				CVRMSE:          float(20),
			},
			GrossSavings: float(12),
		}}
		src := &fakeWeather{temps: []float64{30, 40, 50}}
		e := newTestEvaluator(db, src, m)

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{
			Start: jan1,
			End:   jan1.AddDate(0, 0, 3),
		})
		require.NoError(t, err)
		assert.NoError(t, ev.Skipped)
		assert.Empty(t, ev.Failures)
		require.Len(t, ev.Runs, 1)
		assert.Equal(t, 3, ev.Window.Days())

		run := ev.Runs[0]
		assert.Equal(t, "run-1", run.ID)
		assert.Equal(t, "cm-1", run.ConsumptionID)
		assert.Equal(t, types.MeterTypeResidentialElectricity, run.MeterType)
		assert.Equal(t, "fake", run.Serialization)
		require.NotNil(t, run.AnnualSavings)
		assert.Equal(t, 400.0, *run.AnnualSavings)
		assert.Equal(t, 12.0, *run.GrossSavings)
		assert.False(t, run.Valid(types.DefaultValidityThreshold), "a CVRMSE equal to the threshold is not valid")

		require.Len(t, c.series, 1)
		s := c.series[0]
		assert.Equal(t, []float64{31, 41, 51}, values(s.DailyBaseline))
		assert.Equal(t, []float64{15, 20, 25}, values(s.DailyReporting))
		require.NoError(t, series.CheckAligned(s.DailyBaseline, s.DailyReporting))
		for i, d := range s.DailyBaseline {
			assert.Equal(t, jan1.AddDate(0, 0, i), d.Date)
		}
		require.Len(t, s.MonthlyBaseline, 1)
		assert.Equal(t, jan1, s.MonthlyBaseline[0].Date)
		assert.Equal(t, 41.0, s.MonthlyBaseline[0].Value)
		assert.Equal(t, 20.0, s.MonthlyReporting[0].Value)
		db.AssertExpectations(t)
	})

	t.Run("NoLocationIsSkipped", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		src := &fakeWeather{}
		e := newTestEvaluator(db, src, &fakeModel{})

		project := testProject()
		project.Zipcode = ""
		ev, err := e.Evaluate(ctx, project, []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{})
		require.NoError(t, err)
		assert.ErrorIs(t, ev.Skipped, weather.ErrUnresolvableLocation)
		assert.Empty(t, ev.Runs)
		assert.Zero(t, src.calls.Load())
		db.AssertNotCalled(t, "CreateMeterRun", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UnsupportedStreamsAreIsolated", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)
		e := newTestEvaluator(db, &fakeWeather{temps: []float64{30}}, &fakeModel{})

		streams := []types.ConsumptionMetadata{
			stream("cm-propane", "propane"),
			stream("cm-gas", types.FuelTypeNaturalGas),
		}
		ev, err := e.Evaluate(ctx, testProject(), streams, Options{Start: jan1, End: jan1.AddDate(0, 0, 1)})
		require.NoError(t, err)
		require.Len(t, ev.Failures, 1)
		assert.Equal(t, "cm-propane", ev.Failures[0].ConsumptionID)
		assert.ErrorIs(t, ev.Failures[0].Err, model.ErrUnsupportedFuelType)
		require.Len(t, ev.Runs, 1)
		assert.Equal(t, types.MeterTypeResidentialNaturalGas, ev.Runs[0].MeterType)

		ev, err = e.Evaluate(ctx, testProject(), streams[1:], Options{
			MeterKind: types.MeterKindCommercial,
			Start:     jan1,
			End:       jan1.AddDate(0, 0, 1),
		})
		require.NoError(t, err)
		require.Len(t, ev.Failures, 1)
		assert.ErrorIs(t, ev.Failures[0].Err, types.ErrUnsupportedMeterType)
		assert.Empty(t, ev.Runs)
	})

	t.Run("MissingRegimeIsNaN", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)
		m := &fakeModel{fit: model.FitResult{
			Baseline: model.RegimeFit{
				Parameters:      &types.ModelParameters{BaseDailyConsumption: 2},
				AnnualizedUsage: float(730),
			},
		}}
		e := newTestEvaluator(db, &fakeWeather{temps: []float64{30, 40, 50, 60}}, m)

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{
			Start: jan1,
			End:   jan1.AddDate(0, 0, 4),
		})
		require.NoError(t, err)
		require.Len(t, ev.Runs, 1)
		assert.Nil(t, ev.Runs[0].AnnualSavings, "savings need both regimes")
		assert.Nil(t, ev.Runs[0].CVRMSEReporting)

		s := c.series[0]
		require.Len(t, s.DailyReporting, len(s.DailyBaseline))
		for _, v := range s.DailyReporting {
			assert.True(t, math.IsNaN(v.Value))
		}
		require.Len(t, s.MonthlyReporting, 1)
		assert.Equal(t, 0.0, s.MonthlyReporting[0].Value, "a month without values averages to zero")
		assert.Equal(t, 2.0, s.MonthlyBaseline[0].Value)
	})

	t.Run("MonthBuckets", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)
		m := &fakeModel{fit: model.FitResult{
			Baseline:  model.RegimeFit{Parameters: &types.ModelParameters{HeatingSlope: 1}},
			Reporting: model.RegimeFit{Parameters: &types.ModelParameters{HeatingSlope: 2}},
		}}
		// temperatures stop on Jan 31, so February has no values
		temps := make([]float64, 31)
		for i := range temps {
			temps[i] = float64(i + 1)
		}
		e := newTestEvaluator(db, &fakeWeather{temps: temps}, m)

		start := jan1.AddDate(0, 0, 28)
		_, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{
			Start: start,
			End:   start.AddDate(0, 0, 6),
		})
		require.NoError(t, err)

		s := c.series[0]
		require.Len(t, s.DailyBaseline, 6)
		require.Len(t, s.MonthlyBaseline, 2)
		assert.Equal(t, jan1, s.MonthlyBaseline[0].Date)
		assert.Equal(t, time.Date(2014, 2, 1, 0, 0, 0, 0, time.UTC), s.MonthlyBaseline[1].Date)
		assert.Equal(t, 30.0, s.MonthlyBaseline[0].Value)
		assert.Equal(t, 60.0, s.MonthlyReporting[0].Value)
		assert.Equal(t, 0.0, s.MonthlyBaseline[1].Value)

		// mean times the days with data gives back the sum
		sum := series.NaNSum(values(s.DailyBaseline[:3]))
		assert.InDelta(t, sum, s.MonthlyBaseline[0].Value*3, 1e-9)
	})

	t.Run("WeatherFetchedOnce", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)
		src := &fakeWeather{temps: []float64{30, 40}}
		e := newTestEvaluator(db, src, &fakeModel{})

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{
			stream("cm-1", types.FuelTypeElectricity),
			stream("cm-2", types.FuelTypeNaturalGas),
		}, Options{Start: jan1, End: jan1.AddDate(0, 0, 2)})
		require.NoError(t, err)
		assert.Len(t, ev.Runs, 2)
		assert.EqualValues(t, 1, src.calls.Load())
	})

	t.Run("ShortWeatherIsAlignmentFault", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		e := newTestEvaluator(db, &fakeWeather{temps: []float64{30, 40}, short: true}, &fakeModel{})

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{
			Start: jan1,
			End:   jan1.AddDate(0, 0, 2),
		})
		require.NoError(t, err)
		require.Len(t, ev.Failures, 1)
		assert.ErrorIs(t, ev.Failures[0].Err, series.ErrAlignment)
		db.AssertNotCalled(t, "CreateMeterRun", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ShortProjectionIsAlignmentFault", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		params := &types.ModelParameters{BaseDailyConsumption: 1}
		m := &shortModel{fakeModel{fit: model.FitResult{
			Baseline:  model.RegimeFit{Parameters: params},
			Reporting: model.RegimeFit{Parameters: params},
		}}}
		e := newTestEvaluator(db, &fakeWeather{temps: []float64{30, 40, 50}}, m)

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{
			Start: jan1,
			End:   jan1.AddDate(0, 0, 3),
		})
		require.NoError(t, err)
		require.Len(t, ev.Failures, 1)
		assert.ErrorIs(t, ev.Failures[0].Err, series.ErrAlignment)
		assert.Empty(t, ev.Runs)
		db.AssertNotCalled(t, "CreateMeterRun", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("OpenBaselineWithoutRecords", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		var c captured
		c.expect(db)
		src := &fakeWeather{temps: []float64{30, 40, 50}}
		// the real model asks the weather source for each regime it fits
		e := New(db, src, nil)
		e.now = func() time.Time { return jan1.AddDate(0, 0, 3) }

		project := types.Project{
			ID:             "project-1",
			Zipcode:        "60601",
			BaselinePeriod: types.Period{End: jan1},
		}
		empty := types.ConsumptionMetadata{ID: "cm-1", ProjectID: "project-1", FuelType: types.FuelTypeElectricity}
		ev, err := e.Evaluate(ctx, project, []types.ConsumptionMetadata{empty}, Options{Start: jan1, End: jan1.AddDate(0, 0, 3)})
		require.NoError(t, err)
		require.Len(t, ev.Runs, 1)
		assert.Nil(t, ev.Runs[0].ModelParametersBaseline)

		src.mu.Lock()
		defer src.mu.Unlock()
		require.NotEmpty(t, src.periods)
		for _, p := range src.periods {
			assert.False(t, p.Start.Before(jan1), "requested %s..%s", p.Start, p.End)
			assert.LessOrEqual(t, p.Days(), 3)
		}
	})

	t.Run("FitErrorFailsStream", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		e := newTestEvaluator(db, &fakeWeather{}, &fakeModel{err: errors.New("boom")})

		ev, err := e.Evaluate(ctx, testProject(), []types.ConsumptionMetadata{stream("cm-1", types.FuelTypeElectricity)}, Options{})
		require.NoError(t, err)
		require.Len(t, ev.Failures, 1)
		assert.ErrorContains(t, ev.Failures[0].Err, "boom")
	})
}

func TestWindow(t *testing.T) {
	e := newTestEvaluator(nil, nil, nil)
	now := e.now()

	t.Run("DefaultsToEarliestRecord", func(t *testing.T) {
		streams := []*model.ConsumptionSeries{
			model.NewConsumptionSeries(stream("a", types.FuelTypeElectricity)),
			model.NewConsumptionSeries(types.ConsumptionMetadata{Records: []types.ConsumptionRecord{{Start: jan1.AddDate(0, 0, -5)}}}),
			model.NewConsumptionSeries(types.ConsumptionMetadata{}),
		}
		w, err := e.window(streams, Options{})
		require.NoError(t, err)
		assert.Equal(t, jan1.AddDate(0, 0, -5), w.Start)
		assert.False(t, w.End.After(now))
		assert.Equal(t, types.Period{Start: jan1.AddDate(0, 0, -5), End: now}.Days(), w.Days())
	})

	t.Run("NoRecords", func(t *testing.T) {
		w, err := e.window(nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, w.Days())
	})

	t.Run("PartialDaysAreDropped", func(t *testing.T) {
		w, err := e.window(nil, Options{Start: jan1.Add(6 * time.Hour), End: jan1.AddDate(0, 0, 3)})
		require.NoError(t, err)
		assert.Equal(t, jan1, w.Start)
		assert.Equal(t, 2, w.Days())
	})

	t.Run("Inverted", func(t *testing.T) {
		_, err := e.window(nil, Options{Start: jan1, End: jan1.AddDate(0, 0, -1)})
		assert.ErrorIs(t, err, ErrInvalidWindow)
	})
}

func TestPartition(t *testing.T) {
	cs := model.NewConsumptionSeries(stream("a", types.FuelTypeElectricity))
	window := types.Period{Start: jan1, End: jan1.AddDate(0, 0, 10)}

	p := partition(types.Project{
		BaselinePeriod:  types.Period{End: jan1.AddDate(0, 0, 1)},
		ReportingPeriod: types.Period{Start: jan1.AddDate(0, 0, 2)},
	}, cs, window)
	assert.Equal(t, jan1, p.Baseline.Start)
	assert.Equal(t, window.End, p.Reporting.End)

	empty := model.NewConsumptionSeries(types.ConsumptionMetadata{FuelType: types.FuelTypeElectricity})
	p = partition(types.Project{
		BaselinePeriod: types.Period{End: jan1},
	}, empty, window)
	assert.True(t, p.Baseline.Start.IsZero(), "a stream without records leaves the baseline open")

	p = partition(types.Project{}, cs, window)
	assert.True(t, p.Baseline.IsZero())
	assert.True(t, p.Reporting.IsZero())
}

func TestRunMeters(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	var c captured
	c.expect(db)

	db.On("GetProjectGroup", mock.Anything, "group-1").Return(types.ProjectGroup{
		ID:         "group-1",
		ProjectIDs: []string{"p1", "p2", "p3"},
	}, nil)
	for _, id := range []string{"p1", "p3"} {
		p := testProject()
		p.ID = id
		db.On("GetProject", mock.Anything, id).Return(p, nil)
		cm := stream("cm-"+id, types.FuelTypeElectricity)
		cm.ProjectID = id
		db.On("ListConsumption", mock.Anything, id).Return([]types.ConsumptionMetadata{cm}, nil)
	}
	db.On("GetProject", mock.Anything, "p2").Return(types.Project{}, storage.ErrNotFound)

	e := newTestEvaluator(db, &fakeWeather{temps: []float64{30}}, &fakeModel{})
	e.SetConcurrency(2)

	results, err := e.RunMeters(ctx, "group-1", Options{Start: jan1, End: jan1.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "p1", results[0].ProjectID)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Evaluation.Runs, 1)
	assert.ErrorIs(t, results[1].Err, storage.ErrNotFound)
	assert.NoError(t, results[2].Err)
	assert.Len(t, c.runs, 2)

	db.On("GetProjectGroup", mock.Anything, "missing").Return(types.ProjectGroup{}, storage.ErrNotFound)
	_, err = e.RunMeters(ctx, "missing", Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
