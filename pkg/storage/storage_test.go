package storage

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/raterudder/eemeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(f float64) *float64 {
	return &f
}

func usage(start time.Time, values ...float64) []types.UsageValue {
	out := make([]types.UsageValue, len(values))
	for i, v := range values {
		out[i] = types.UsageValue{Date: start.AddDate(0, 0, i), Value: v}
	}
	return out
}

func assertUsage(t *testing.T, want, got []types.UsageValue) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Date.Equal(got[i].Date), "date %d: want %s got %s", i, want[i].Date, got[i].Date)
		if math.IsNaN(want[i].Value) {
			assert.True(t, math.IsNaN(got[i].Value), "value %d should be NaN", i)
		} else {
			assert.Equal(t, want[i].Value, got[i].Value, "value %d", i)
		}
	}
}

// testDatabase runs the behavior every Database implementation shares. prefix
// keeps IDs unique when the backing store outlives the test.
func testDatabase(t *testing.T, db Database, prefix string) {
	ctx := context.Background()
	id := func(s string) string { return prefix + s }
	jan1 := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	added := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Projects", func(t *testing.T) {
		p := types.Project{
			ID:              id("project-1"),
			Name:            "Main St",
			BaselinePeriod:  types.Period{Start: jan1.AddDate(-1, 0, 0), End: jan1},
			ReportingPeriod: types.Period{Start: jan1.AddDate(0, 1, 0)},
			Zipcode:         "60601",
			Latitude:        float(41.88),
			Longitude:       float(-87.63),
			Added:           added,
		}
		require.NoError(t, db.UpsertProject(ctx, p))

		got, err := db.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Name, got.Name)
		assert.True(t, p.ReportingPeriod.Start.Equal(got.ReportingPeriod.Start))
		assert.Equal(t, 41.88, *got.Latitude)

		p.Name = "Main Street"
		require.NoError(t, db.UpsertProject(ctx, p))
		got, err = db.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Main Street", got.Name)

		all, err := db.ListProjects(ctx)
		require.NoError(t, err)
		var found bool
		for _, a := range all {
			if a.ID == p.ID {
				found = true
			}
		}
		assert.True(t, found)

		_, err = db.GetProject(ctx, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Consumption", func(t *testing.T) {
		for _, cm := range []types.ConsumptionMetadata{
			{ID: id("cm-b"), ProjectID: id("project-c"), FuelType: types.FuelTypeNaturalGas, EnergyUnit: types.EnergyUnitTherm},
			{ID: id("cm-a"), ProjectID: id("project-c"), FuelType: types.FuelTypeElectricity, EnergyUnit: types.EnergyUnitKWH,
				Records: []types.ConsumptionRecord{{Start: jan1, Value: float(1)}, {Start: jan1.AddDate(0, 0, 1)}}},
			{ID: id("cm-other"), ProjectID: id("project-d"), FuelType: types.FuelTypeElectricity},
		} {
			require.NoError(t, db.UpsertConsumption(ctx, cm))
		}

		list, err := db.ListConsumption(ctx, id("project-c"))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, id("cm-a"), list[0].ID)
		assert.Equal(t, id("cm-b"), list[1].ID)
		require.Len(t, list[0].Records, 2)
		assert.Nil(t, list[0].Records[1].Value)

		got, err := db.GetConsumption(ctx, id("cm-other"))
		require.NoError(t, err)
		assert.Equal(t, id("project-d"), got.ProjectID)

		_, err = db.GetConsumption(ctx, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Groups", func(t *testing.T) {
		g := types.ProjectGroup{ID: id("group-1"), Name: "All", ProjectIDs: []string{id("project-1"), id("project-2")}}
		require.NoError(t, db.UpsertProjectGroup(ctx, g))
		got, err := db.GetProjectGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, g.ProjectIDs, got.ProjectIDs)

		groups, err := db.ListProjectGroups(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, groups)

		_, err = db.GetProjectGroup(ctx, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MeterRuns", func(t *testing.T) {
		projectID := id("project-runs")
		older := types.MeterRun{
			ID:            id("run-1"),
			ProjectID:     projectID,
			ConsumptionID: id("cm-1"),
			FuelType:      types.FuelTypeElectricity,
			MeterType:     types.MeterTypeResidentialElectricity,
			Added:         added,
		}
		newer := older
		newer.ID = id("run-2")
		newer.Added = added.Add(time.Hour)
		newer.AnnualUsageBaseline = float(3650)
		newer.CVRMSEBaseline = float(12.5)
		newer.ModelParametersBaseline = &types.ModelParameters{BaseDailyConsumption: 10, HeatingSlope: 1, HeatingBalanceTemperature: 65}
		newer.EvaluationPeriod = types.Period{Start: jan1, End: jan1.AddDate(0, 0, 3)}
		other := older
		other.ID = id("run-3")
		other.ConsumptionID = id("cm-2")

		series := types.MeterRunSeries{
			DailyBaseline:    usage(jan1, 1, math.NaN(), 3),
			DailyReporting:   usage(jan1, math.NaN(), math.NaN(), math.NaN()),
			MonthlyBaseline:  usage(jan1, 2),
			MonthlyReporting: usage(jan1, 0),
		}

		require.NoError(t, db.CreateMeterRun(ctx, older, types.MeterRunSeries{}))
		require.NoError(t, db.CreateMeterRun(ctx, newer, series))
		require.NoError(t, db.CreateMeterRun(ctx, other, types.MeterRunSeries{}))

		err := db.CreateMeterRun(ctx, older, types.MeterRunSeries{})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		run, got, err := db.GetLatestMeterRun(ctx, projectID, id("cm-1"))
		require.NoError(t, err)
		assert.Equal(t, newer.ID, run.ID)
		assert.Equal(t, 3650.0, *run.AnnualUsageBaseline)
		assert.Nil(t, run.AnnualUsageReporting)
		assert.Equal(t, 10.0, run.ModelParametersBaseline.BaseDailyConsumption)
		assert.Equal(t, 3, run.EvaluationPeriod.Days())
		assertUsage(t, series.DailyBaseline, got.DailyBaseline)
		assertUsage(t, series.DailyReporting, got.DailyReporting)
		assertUsage(t, series.MonthlyBaseline, got.MonthlyBaseline)
		assertUsage(t, series.MonthlyReporting, got.MonthlyReporting)

		_, _, err = db.GetLatestMeterRun(ctx, projectID, id("cm-never"))
		assert.ErrorIs(t, err, ErrNotFound)

		byID, err := db.GetMeterRun(ctx, projectID, older.ID)
		require.NoError(t, err)
		assert.Equal(t, older.ConsumptionID, byID.ConsumptionID)

		_, err = db.GetMeterRun(ctx, projectID, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)

		s, err := db.GetMeterRunSeries(ctx, projectID, newer.ID)
		require.NoError(t, err)
		assertUsage(t, series.DailyBaseline, s.DailyBaseline)

		s, err = db.GetMeterRunSeries(ctx, projectID, older.ID)
		require.NoError(t, err)
		assert.Empty(t, s.DailyBaseline)

		runs, err := db.ListMeterRuns(ctx, projectID)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, newer.ID, runs[0].ID, "newest first")
	})

	t.Run("FuelTypeSummaries", func(t *testing.T) {
		groupID := id("group-summaries")
		mk := func(n int, fuel types.FuelType, at time.Time) types.FuelTypeSummary {
			return types.FuelTypeSummary{ID: id(fmt.Sprintf("summary-%d", n)), GroupID: groupID, FuelType: fuel, Projects: n, Added: at}
		}
		series := types.SummarySeries{
			DailyBaseline:    usage(jan1, 30, 40),
			DailyActual:      usage(jan1, 30, math.NaN()),
			DailyReporting:   usage(jan1, 0, 0),
			MonthlyBaseline:  usage(jan1, 35),
			MonthlyActual:    usage(jan1, 30),
			MonthlyReporting: usage(jan1, 0),
		}
		require.NoError(t, db.CreateFuelTypeSummary(ctx, mk(1, types.FuelTypeElectricity, added), types.SummarySeries{}))
		require.NoError(t, db.CreateFuelTypeSummary(ctx, mk(2, types.FuelTypeElectricity, added.Add(time.Hour)), series))
		require.NoError(t, db.CreateFuelTypeSummary(ctx, mk(3, types.FuelTypeNaturalGas, added), types.SummarySeries{}))

		latest, err := db.GetLatestFuelTypeSummaries(ctx, groupID)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, types.FuelTypeElectricity, latest[0].FuelType)
		assert.Equal(t, id("summary-2"), latest[0].ID)
		assert.Equal(t, types.FuelTypeNaturalGas, latest[1].FuelType)

		got, err := db.GetFuelTypeSummarySeries(ctx, groupID, id("summary-2"))
		require.NoError(t, err)
		for kind, want := range series.Kinds() {
			assertUsage(t, *want, *got.Kinds()[kind])
		}

		_, err = db.GetFuelTypeSummarySeries(ctx, groupID, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)

		none, err := db.GetLatestFuelTypeSummaries(ctx, id("group-empty"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("LongSeries", func(t *testing.T) {
		groupID := id("group-long")
		values := make([]float64, 12000)
		for i := range values {
			values[i] = float64(i)
		}
		series := types.SummarySeries{
			DailyActual:   usage(jan1, values...),
			MonthlyActual: usage(jan1, 1, 2),
		}
		summary := types.FuelTypeSummary{ID: id("summary-long"), GroupID: groupID, FuelType: types.FuelTypeElectricity, Added: added}
		require.NoError(t, db.CreateFuelTypeSummary(ctx, summary, series))

		got, err := db.GetFuelTypeSummarySeries(ctx, groupID, summary.ID)
		require.NoError(t, err)
		assertUsage(t, series.DailyActual, got.DailyActual)
		assertUsage(t, series.MonthlyActual, got.MonthlyActual)
		assert.Empty(t, got.DailyBaseline)
	})
}
