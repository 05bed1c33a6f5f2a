// Package meter evaluates the consumption streams of a project into meter
// runs: fitted model metrics plus daily and monthly usage projections for the
// baseline and reporting regimes over a shared evaluation window.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/model"
	"github.com/raterudder/eemeter/pkg/series"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
	"github.com/raterudder/eemeter/pkg/weather"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidWindow = errors.New("invalid evaluation window")

// Options control a single evaluation. Zero values pick the defaults.
type Options struct {
	// MeterKind defaults to residential.
	MeterKind types.MeterKind
	// Start defaults to the earliest record of the evaluated streams, or now
	// if there are none.
	Start time.Time
	// End defaults to now.
	End time.Time
}

// StreamFailure records why one consumption stream produced no meter run.
type StreamFailure struct {
	ConsumptionID string
	FuelType      types.FuelType
	Err           error
}

// Evaluation is the outcome of evaluating a project.
type Evaluation struct {
	ProjectID string
	Window    types.Period
	Runs      []types.MeterRun
	// Skipped is set when the whole project was skipped, currently only
	// because its location could not be resolved.
	Skipped error
	// Failures holds the streams that failed. Sibling streams are unaffected.
	Failures []StreamFailure
}

// ProjectResult is the outcome of evaluating one project of a group.
type ProjectResult struct {
	ProjectID  string
	Evaluation Evaluation
	Err        error
}

// Evaluator turns consumption streams into persisted meter runs.
type Evaluator struct {
	db          storage.Database
	weather     weather.Source
	registry    *model.Registry
	newModel    func(model.Configuration) model.Model
	concurrency int

	now   func() time.Time
	newID func() string
}

// New returns an Evaluator using the temperature sensitivity model.
func New(db storage.Database, src weather.Source, registry *model.Registry) *Evaluator {
	if registry == nil {
		registry = model.NewRegistry()
	}
	return &Evaluator{
		db:       db,
		weather:  src,
		registry: registry,
		newModel: func(cfg model.Configuration) model.Model {
			return model.NewTemperatureSensitivity(cfg)
		},
		concurrency: 1,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Configured returns an Evaluator and registers its flags.
func Configured(db storage.Database, src weather.Source) *Evaluator {
	e := New(db, src, nil)
	concurrency := 1
	lflag.JSON(&concurrency, "evaluate-concurrency", concurrency, "Number of projects of a group evaluated at once")
	lflag.Do(func() {
		if concurrency < 1 {
			panic(fmt.Sprintf("evaluate-concurrency must be at least 1, got %d", concurrency))
		}
		e.concurrency = concurrency
	})
	return e
}

// SetConcurrency sets how many projects RunMeters evaluates at once.
func (e *Evaluator) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	e.concurrency = n
}

// EvaluateProject loads a project and its streams and evaluates them.
func (e *Evaluator) EvaluateProject(ctx context.Context, projectID string, opts Options) (Evaluation, error) {
	project, err := e.db.GetProject(ctx, projectID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("failed to get project: %w", err)
	}
	streams, err := e.db.ListConsumption(ctx, projectID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("failed to list consumption: %w", err)
	}
	return e.Evaluate(ctx, project, streams, opts)
}

// RunMeters evaluates every project of a group. A failing project does not
// stop the others; its error is reported in its ProjectResult.
func (e *Evaluator) RunMeters(ctx context.Context, groupID string, opts Options) ([]ProjectResult, error) {
	group, err := e.db.GetProjectGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project group: %w", err)
	}
	ctx = log.WithAttrs(ctx, slog.String("groupID", groupID))

	results := make([]ProjectResult, len(group.ProjectIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, projectID := range group.ProjectIDs {
		g.Go(func() error {
			ev, err := e.EvaluateProject(gctx, projectID, opts)
			if err != nil {
				log.Ctx(gctx).ErrorContext(gctx, "failed to evaluate project", slog.String("projectID", projectID), slog.Any("error", err))
			}
			results[i] = ProjectResult{ProjectID: projectID, Evaluation: ev, Err: err}
			// errors stay with their project
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Evaluate fits and projects every stream of project over one evaluation
// window and persists a meter run per stream.
func (e *Evaluator) Evaluate(ctx context.Context, project types.Project, streams []types.ConsumptionMetadata, opts Options) (Evaluation, error) {
	ctx = log.WithAttrs(ctx, slog.String("projectID", project.ID))
	ev := Evaluation{ProjectID: project.ID}

	loc, err := weather.ResolveLocation(project)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping project without location", slog.Any("error", err))
		ev.Skipped = err
		return ev, nil
	}

	consumption := make([]*model.ConsumptionSeries, len(streams))
	for i, cm := range streams {
		consumption[i] = model.NewConsumptionSeries(cm)
	}
	window, err := e.window(consumption, opts)
	if err != nil {
		return ev, err
	}
	ev.Window = window

	kind := opts.MeterKind
	if kind == "" {
		kind = types.MeterKindResidential
	}

	temps := &windowTemperatures{src: e.weather, loc: loc, window: window}
	for i, cm := range streams {
		sctx := log.WithAttrs(ctx, slog.String("consumptionID", cm.ID), slog.String("fuelType", string(cm.FuelType)))
		run, err := e.evaluateStream(sctx, project, cm, consumption[i], kind, window, loc, temps)
		if err != nil {
			if ctx.Err() != nil {
				return ev, ctx.Err()
			}
			log.Ctx(sctx).WarnContext(sctx, "failed to evaluate stream", slog.Any("error", err))
			ev.Failures = append(ev.Failures, StreamFailure{ConsumptionID: cm.ID, FuelType: cm.FuelType, Err: err})
			continue
		}
		ev.Runs = append(ev.Runs, run)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"evaluated project",
		slog.Int("runs", len(ev.Runs)),
		slog.Int("failures", len(ev.Failures)),
		slog.Time("windowStart", window.Start),
		slog.Int("days", window.Days()),
	)
	return ev, nil
}

// window resolves the evaluation window shared by every stream of a call.
func (e *Evaluator) window(consumption []*model.ConsumptionSeries, opts Options) (types.Period, error) {
	now := e.now()
	start := opts.Start
	if start.IsZero() {
		for _, c := range consumption {
			earliest := c.Earliest()
			if earliest.IsZero() {
				continue
			}
			if start.IsZero() || earliest.Before(start) {
				start = earliest
			}
		}
	}
	if start.IsZero() {
		start = now
	}
	end := opts.End
	if end.IsZero() {
		end = now
	}
	if end.Before(start) {
		return types.Period{}, fmt.Errorf("%w: end %s is before start %s", ErrInvalidWindow, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return types.DailyPeriod(start, end), nil
}

// partition returns the regimes of project, filling open bounds from the data
// and the window.
func partition(project types.Project, consumption *model.ConsumptionSeries, window types.Period) model.Partition {
	p := model.Partition{Baseline: project.BaselinePeriod, Reporting: project.ReportingPeriod}
	if p.Baseline.Start.IsZero() && !p.Baseline.End.IsZero() {
		// a stream without records leaves the baseline open and unfit
		p.Baseline.Start = consumption.Earliest()
	}
	if !p.Reporting.Start.IsZero() && p.Reporting.End.IsZero() {
		p.Reporting.End = window.End
	}
	return p
}

func (e *Evaluator) evaluateStream(ctx context.Context, project types.Project, cm types.ConsumptionMetadata, consumption *model.ConsumptionSeries, kind types.MeterKind, window types.Period, loc types.Location, temps *windowTemperatures) (types.MeterRun, error) {
	cfg, err := e.registry.Configuration(cm.FuelType)
	if err != nil {
		return types.MeterRun{}, err
	}
	meterType, err := types.MeterTypeFor(kind, cm.FuelType)
	if err != nil {
		return types.MeterRun{}, err
	}
	m := e.newModel(cfg)

	fit, err := m.Fit(ctx, consumption, partition(project, consumption, window), weather.Bind(e.weather, loc))
	if err != nil {
		return types.MeterRun{}, fmt.Errorf("failed to fit model: %w", err)
	}
	serialization, err := m.Serialize()
	if err != nil {
		return types.MeterRun{}, err
	}

	run := types.MeterRun{
		ID:                       e.newID(),
		ProjectID:                project.ID,
		ConsumptionID:            cm.ID,
		FuelType:                 cm.FuelType,
		MeterType:                meterType,
		AnnualUsageBaseline:      fit.Baseline.AnnualizedUsage,
		AnnualUsageReporting:     fit.Reporting.AnnualizedUsage,
		GrossSavings:             fit.GrossSavings,
		ModelParametersBaseline:  fit.Baseline.Parameters,
		ModelParametersReporting: fit.Reporting.Parameters,
		CVRMSEBaseline:           fit.Baseline.CVRMSE,
		CVRMSEReporting:          fit.Reporting.CVRMSE,
		Serialization:            serialization,
		EvaluationPeriod:         window,
		Added:                    e.now(),
	}
	if run.AnnualUsageBaseline != nil && run.AnnualUsageReporting != nil {
		savings := *run.AnnualUsageBaseline - *run.AnnualUsageReporting
		run.AnnualSavings = &savings
	}

	daily, err := temps.get(ctx, m.TemperatureUnit())
	if err != nil {
		return types.MeterRun{}, err
	}
	if len(daily) != window.Days() {
		return types.MeterRun{}, fmt.Errorf("%w: got %d temperatures for a %d day window", series.ErrAlignment, len(daily), window.Days())
	}

	out, err := projectUsage(m, window, daily, fit)
	if err != nil {
		return types.MeterRun{}, err
	}
	if err := e.db.CreateMeterRun(ctx, run, out); err != nil {
		return types.MeterRun{}, fmt.Errorf("failed to save meter run: %w", err)
	}
	return run, nil
}

// projectUsage builds the daily and monthly series of both regimes over the full
// window.
func projectUsage(m model.Model, window types.Period, temps []float64, fit model.FitResult) (types.MeterRunSeries, error) {
	regime := func(params *types.ModelParameters) []float64 {
		if params == nil {
			out := make([]float64, len(temps))
			for i := range out {
				out[i] = math.NaN()
			}
			return out
		}
		return m.Transform(temps, *params)
	}

	var out types.MeterRunSeries
	out.DailyBaseline = series.Daily(window.Start, regime(fit.Baseline.Parameters))
	out.DailyReporting = series.Daily(window.Start, regime(fit.Reporting.Parameters))
	if err := series.CheckAligned(out.DailyBaseline, out.DailyReporting); err != nil {
		return types.MeterRunSeries{}, err
	}
	if days := window.Days(); len(out.DailyBaseline) != days {
		return types.MeterRunSeries{}, fmt.Errorf("%w: model projected %d days for a %d day window", series.ErrAlignment, len(out.DailyBaseline), days)
	}

	seed := series.MonthKey(types.CalendarDate(window.Start))
	baseline := series.NewMonthBuckets(seed)
	reporting := series.NewMonthBuckets(seed)
	for i := range out.DailyBaseline {
		key := series.MonthKey(out.DailyBaseline[i].Date)
		baseline.Add(key, out.DailyBaseline[i].Value)
		reporting.Add(key, out.DailyReporting[i].Value)
	}
	var err error
	if out.MonthlyBaseline, err = baseline.Means(); err != nil {
		return types.MeterRunSeries{}, err
	}
	if out.MonthlyReporting, err = reporting.Means(); err != nil {
		return types.MeterRunSeries{}, err
	}
	return out, nil
}

// windowTemperatures fetches the window's temperatures once per unit and
// shares them between the streams of an evaluation.
type windowTemperatures struct {
	src    weather.Source
	loc    types.Location
	window types.Period

	mu     sync.Mutex
	byUnit map[model.TemperatureUnit][]float64
}

func (w *windowTemperatures) get(ctx context.Context, unit model.TemperatureUnit) ([]float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if temps, ok := w.byUnit[unit]; ok {
		return temps, nil
	}
	temps, err := w.src.DailyTemperatures(ctx, w.loc, w.window, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily temperatures: %w", err)
	}
	if w.byUnit == nil {
		w.byUnit = make(map[model.TemperatureUnit][]float64)
	}
	w.byUnit[unit] = temps
	return temps, nil
}
