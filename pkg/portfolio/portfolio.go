// Package portfolio sums the latest meter runs of a group of projects into
// per fuel type portfolio summaries.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/series"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
)

// ErrIntegrity is returned when a stored meter run contradicts itself, for
// example when its daily series do not cover its evaluation window.
var ErrIntegrity = errors.New("meter run integrity fault")

// Sink receives every summary after it is stored.
type Sink interface {
	Export(ctx context.Context, summary types.FuelTypeSummary, s types.SummarySeries) error
}

// Summary is a stored fuel type summary with its series.
type Summary struct {
	types.FuelTypeSummary
	Series types.SummarySeries `json:"series"`
}

// Aggregator builds portfolio summaries.
type Aggregator struct {
	db   storage.Database
	sink Sink

	now   func() time.Time
	newID func() string
}

// New returns an Aggregator. sink may be nil.
func New(db storage.Database, sink Sink) *Aggregator {
	return &Aggregator{
		db:    db,
		sink:  sink,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// regimeSums collects the values of one series kind by date and by month.
type regimeSums struct {
	byDate  map[int64][]float64
	byMonth map[string][]float64
}

func newRegimeSums() regimeSums {
	return regimeSums{byDate: make(map[int64][]float64), byMonth: make(map[string][]float64)}
}

func (r regimeSums) add(date time.Time, v float64) {
	r.byDate[date.Unix()] = append(r.byDate[date.Unix()], v)
	key := series.MonthKey(date)
	r.byMonth[key] = append(r.byMonth[key], v)
}

// fuelTypeData accumulates every contribution to one fuel type's summary.
type fuelTypeData struct {
	baseline  regimeSums
	actual    regimeSums
	reporting regimeSums
	projects  map[string]bool
	err       error
}

func newFuelTypeData() *fuelTypeData {
	return &fuelTypeData{
		baseline:  newRegimeSums(),
		actual:    newRegimeSums(),
		reporting: newRegimeSums(),
		projects:  make(map[string]bool),
	}
}

// Summarize sums the latest meter run of every stream of every project in the
// group, per fuel type, and stores one summary per fuel type. A fault in one
// fuel type's inputs aborts only that fuel type; the returned error joins the
// faults of every aborted fuel type.
func (a *Aggregator) Summarize(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error) {
	ctx = log.WithAttrs(ctx, slog.String("groupID", groupID))
	group, err := a.db.GetProjectGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project group: %w", err)
	}

	byFuel := make(map[types.FuelType]*fuelTypeData)
	data := func(fuel types.FuelType) *fuelTypeData {
		d, ok := byFuel[fuel]
		if !ok {
			d = newFuelTypeData()
			byFuel[fuel] = d
		}
		return d
	}

	for _, projectID := range group.ProjectIDs {
		project, err := a.db.GetProject(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
		}
		streams, err := a.db.ListConsumption(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to list consumption of project %s: %w", projectID, err)
		}
		for _, cm := range streams {
			run, s, err := a.db.GetLatestMeterRun(ctx, projectID, cm.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get latest meter run of %s: %w", cm.ID, err)
			}
			d := data(run.FuelType)
			if d.err != nil {
				continue
			}
			if err := checkRun(run, s); err != nil {
				log.Ctx(ctx).ErrorContext(
					ctx,
					"aborting fuel type summary",
					slog.String("fuelType", string(run.FuelType)),
					slog.String("projectID", projectID),
					slog.String("meterRunID", run.ID),
					slog.Any("error", err),
				)
				d.err = fmt.Errorf("fuel type %s: meter run %s: %w", run.FuelType, run.ID, err)
				continue
			}
			d.projects[projectID] = true
			contribute(d, project, s)
		}
	}

	fuels := make([]types.FuelType, 0, len(byFuel))
	for fuel := range byFuel {
		fuels = append(fuels, fuel)
	}
	sort.Slice(fuels, func(i, j int) bool { return fuels[i] < fuels[j] })

	var errs []error
	var out []types.FuelTypeSummary
	for _, fuel := range fuels {
		d := byFuel[fuel]
		if d.err != nil {
			errs = append(errs, d.err)
			continue
		}
		summary := types.FuelTypeSummary{
			ID:       a.newID(),
			GroupID:  groupID,
			FuelType: fuel,
			Projects: len(d.projects),
			Added:    a.now(),
		}
		s, err := d.series()
		if err != nil {
			errs = append(errs, fmt.Errorf("fuel type %s: %w", fuel, err))
			continue
		}
		if err := a.db.CreateFuelTypeSummary(ctx, summary, s); err != nil {
			errs = append(errs, fmt.Errorf("failed to save %s summary: %w", fuel, err))
			continue
		}
		out = append(out, summary)
		log.Ctx(ctx).InfoContext(
			ctx,
			"saved fuel type summary",
			slog.String("fuelType", string(fuel)),
			slog.String("summaryID", summary.ID),
			slog.Int("projects", summary.Projects),
			slog.Int("days", len(s.DailyBaseline)),
		)

		if a.sink != nil {
			if err := a.sink.Export(ctx, summary, s); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to export fuel type summary", slog.String("summaryID", summary.ID), slog.Any("error", err))
			}
		}
	}
	return out, errors.Join(errs...)
}

// checkRun verifies that both daily series of a run cover the same days and,
// when the run recorded its window, exactly the window's days.
func checkRun(run types.MeterRun, s types.MeterRunSeries) error {
	if err := series.CheckAligned(s.DailyBaseline, s.DailyReporting); err != nil {
		return err
	}
	if run.EvaluationPeriod.IsZero() {
		return nil
	}
	if days := run.EvaluationPeriod.Days(); days != len(s.DailyBaseline) {
		return fmt.Errorf("%w: %d daily values for a %d day evaluation window", ErrIntegrity, len(s.DailyBaseline), days)
	}
	return nil
}

// contribute adds a run's days to d. Days strictly after the calendar day the
// project's reporting period starts take the reporting value as actual; a
// project without a reporting start never switches.
func contribute(d *fuelTypeData, project types.Project, s types.MeterRunSeries) {
	var switchAfter time.Time
	switches := !project.ReportingPeriod.Start.IsZero()
	if switches {
		switchAfter = types.CalendarDate(project.ReportingPeriod.Start)
	}
	for i := range s.DailyBaseline {
		date := s.DailyBaseline[i].Date
		baseline := s.DailyBaseline[i].Value
		reporting := s.DailyReporting[i].Value

		actual := baseline
		if switches && types.CalendarDate(date).After(switchAfter) {
			actual = reporting
		}
		d.baseline.add(date, baseline)
		d.actual.add(date, actual)
		d.reporting.add(date, reporting)
	}
}

// series reduces the collected values with NaN sums, dates and months
// ascending.
func (d *fuelTypeData) series() (types.SummarySeries, error) {
	dates := make([]int64, 0, len(d.baseline.byDate))
	for k := range d.baseline.byDate {
		dates = append(dates, k)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	type month struct {
		key   string
		start time.Time
	}
	months := make([]month, 0, len(d.baseline.byMonth))
	for k := range d.baseline.byMonth {
		start, err := series.ParseMonthKey(k)
		if err != nil {
			return types.SummarySeries{}, err
		}
		months = append(months, month{key: k, start: start})
	}
	sort.Slice(months, func(i, j int) bool { return months[i].start.Before(months[j].start) })

	var out types.SummarySeries
	for _, k := range dates {
		date := time.Unix(k, 0).UTC()
		out.DailyBaseline = append(out.DailyBaseline, types.UsageValue{Date: date, Value: series.NaNSum(d.baseline.byDate[k])})
		out.DailyActual = append(out.DailyActual, types.UsageValue{Date: date, Value: series.NaNSum(d.actual.byDate[k])})
		out.DailyReporting = append(out.DailyReporting, types.UsageValue{Date: date, Value: series.NaNSum(d.reporting.byDate[k])})
	}
	for _, m := range months {
		out.MonthlyBaseline = append(out.MonthlyBaseline, types.UsageValue{Date: m.start, Value: series.NaNSum(d.baseline.byMonth[m.key])})
		out.MonthlyActual = append(out.MonthlyActual, types.UsageValue{Date: m.start, Value: series.NaNSum(d.actual.byMonth[m.key])})
		out.MonthlyReporting = append(out.MonthlyReporting, types.UsageValue{Date: m.start, Value: series.NaNSum(d.reporting.byMonth[m.key])})
	}
	return out, nil
}

// RecentSummaries returns the most recently created summary of every fuel
// type in the group, with its series.
func (a *Aggregator) RecentSummaries(ctx context.Context, groupID string) ([]Summary, error) {
	summaries, err := a.db.GetLatestFuelTypeSummaries(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest summaries: %w", err)
	}
	out := make([]Summary, 0, len(summaries))
	for _, s := range summaries {
		ss, err := a.db.GetFuelTypeSummarySeries(ctx, groupID, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get series of summary %s: %w", s.ID, err)
		}
		out = append(out, Summary{FuelTypeSummary: s, Series: ss})
	}
	return out, nil
}
