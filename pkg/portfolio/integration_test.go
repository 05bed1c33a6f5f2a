package portfolio_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/eemeter/pkg/meter"
	"github.com/raterudder/eemeter/pkg/model"
	"github.com/raterudder/eemeter/pkg/portfolio"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seasonalWeather struct{}

func tempOn(d time.Time) float64 {
	return 40 + float64(d.YearDay()%41)
}

func (seasonalWeather) DailyTemperatures(ctx context.Context, loc types.Location, p types.Period, unit model.TemperatureUnit) ([]float64, error) {
	out := make([]float64, p.Days())
	for i := range out {
		out[i] = tempOn(p.Start.AddDate(0, 0, i))
	}
	return out, nil
}

func TestEvaluateAndSummarize(t *testing.T) {
	ctx := context.Background()
	db := storage.NewSQLiteProvider(filepath.Join(t.TempDir(), "eemeter.db"))
	require.NoError(t, db.Init(ctx))
	defer db.Close()

	start := time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)
	retrofit := start.AddDate(0, 4, 0)
	end := start.AddDate(0, 8, 0)

	for i, id := range []string{"p1", "p2"} {
		scale := float64(i + 1)
		require.NoError(t, db.UpsertProject(ctx, types.Project{
			ID:              id,
			Zipcode:         "60601",
			BaselinePeriod:  types.Period{Start: start, End: retrofit},
			ReportingPeriod: types.Period{Start: retrofit, End: end},
		}))
		var records []types.ConsumptionRecord
		for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
			v := scale * (10 + 2*math.Max(0, 65-tempOn(d)))
			if !d.Before(retrofit) {
				v *= 0.8
			}
			records = append(records, types.ConsumptionRecord{Start: d, Value: &v})
		}
		records = append(records, types.ConsumptionRecord{Start: end})
		require.NoError(t, db.UpsertConsumption(ctx, types.ConsumptionMetadata{
			ID:         "cm-" + id,
			ProjectID:  id,
			FuelType:   types.FuelTypeNaturalGas,
			EnergyUnit: types.EnergyUnitTherm,
			Records:    records,
		}))
	}
	require.NoError(t, db.UpsertProjectGroup(ctx, types.ProjectGroup{ID: "group-1", ProjectIDs: []string{"p1", "p2"}}))

	e := meter.New(db, seasonalWeather{}, nil)
	e.SetConcurrency(2)
	results, err := e.RunMeters(ctx, "group-1", meter.Options{Start: start, End: end})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Len(t, r.Evaluation.Runs, 1)
		run := r.Evaluation.Runs[0]
		assert.True(t, run.Valid(types.DefaultValidityThreshold))
		require.NotNil(t, run.AnnualSavings)
		assert.Greater(t, *run.AnnualSavings, 0.0)
	}

	a := portfolio.New(db, nil)
	summaries, err := a.Summarize(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Projects)

	recent, err := a.RecentSummaries(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	s := recent[0].Series

	days := types.Period{Start: start, End: end}.Days()
	require.Len(t, s.DailyBaseline, days)
	require.Len(t, s.DailyActual, days)
	require.Len(t, s.MonthlyBaseline, 8)

	_, r1, err := db.GetLatestMeterRun(ctx, "p1", "cm-p1")
	require.NoError(t, err)
	_, r2, err := db.GetLatestMeterRun(ctx, "p2", "cm-p2")
	require.NoError(t, err)
	for i := range s.DailyBaseline {
		assert.InDelta(t, r1.DailyBaseline[i].Value+r2.DailyBaseline[i].Value, s.DailyBaseline[i].Value, 1e-6)
		want := r1.DailyBaseline[i].Value + r2.DailyBaseline[i].Value
		if s.DailyActual[i].Date.After(retrofit) {
			want = r1.DailyReporting[i].Value + r2.DailyReporting[i].Value
		}
		assert.InDelta(t, want, s.DailyActual[i].Value, 1e-6)
	}
}
