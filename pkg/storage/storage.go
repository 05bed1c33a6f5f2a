package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Database defines the interface for persisting projects, their consumption
// and the results of evaluating and summarizing them.
type Database interface {
	// Projects
	GetProject(ctx context.Context, projectID string) (types.Project, error)
	ListProjects(ctx context.Context) ([]types.Project, error)
	UpsertProject(ctx context.Context, project types.Project) error

	// Consumption
	GetConsumption(ctx context.Context, consumptionID string) (types.ConsumptionMetadata, error)
	// ListConsumption returns every stream of a project ordered by ID.
	ListConsumption(ctx context.Context, projectID string) ([]types.ConsumptionMetadata, error)
	UpsertConsumption(ctx context.Context, cm types.ConsumptionMetadata) error

	// Groups
	GetProjectGroup(ctx context.Context, groupID string) (types.ProjectGroup, error)
	ListProjectGroups(ctx context.Context) ([]types.ProjectGroup, error)
	UpsertProjectGroup(ctx context.Context, group types.ProjectGroup) error

	// Meter runs
	// CreateMeterRun stores the run and its series atomically.
	CreateMeterRun(ctx context.Context, run types.MeterRun, series types.MeterRunSeries) error
	GetMeterRun(ctx context.Context, projectID, runID string) (types.MeterRun, error)
	GetMeterRunSeries(ctx context.Context, projectID, runID string) (types.MeterRunSeries, error)
	// ListMeterRuns returns the runs of a project, newest first.
	ListMeterRuns(ctx context.Context, projectID string) ([]types.MeterRun, error)
	// GetLatestMeterRun returns the newest run of a consumption stream together
	// with its series, read from one snapshot. ErrNotFound if the stream was
	// never evaluated.
	GetLatestMeterRun(ctx context.Context, projectID, consumptionID string) (types.MeterRun, types.MeterRunSeries, error)

	// Fuel type summaries
	// CreateFuelTypeSummary stores the summary and its series atomically.
	CreateFuelTypeSummary(ctx context.Context, summary types.FuelTypeSummary, series types.SummarySeries) error
	// GetLatestFuelTypeSummaries returns the newest summary per fuel type of a
	// group, ordered by fuel type.
	GetLatestFuelTypeSummaries(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error)
	GetFuelTypeSummarySeries(ctx context.Context, groupID, summaryID string) (types.SummarySeries, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
