package storagemock

import (
	"context"

	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetProject(ctx context.Context, projectID string) (types.Project, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(types.Project), args.Error(1)
}

func (m *MockDatabase) ListProjects(ctx context.Context) ([]types.Project, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Project), args.Error(1)
}

func (m *MockDatabase) UpsertProject(ctx context.Context, project types.Project) error {
	args := m.Called(ctx, project)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumption(ctx context.Context, consumptionID string) (types.ConsumptionMetadata, error) {
	args := m.Called(ctx, consumptionID)
	return args.Get(0).(types.ConsumptionMetadata), args.Error(1)
}

func (m *MockDatabase) ListConsumption(ctx context.Context, projectID string) ([]types.ConsumptionMetadata, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ConsumptionMetadata), args.Error(1)
}

func (m *MockDatabase) UpsertConsumption(ctx context.Context, cm types.ConsumptionMetadata) error {
	args := m.Called(ctx, cm)
	return args.Error(0)
}

func (m *MockDatabase) GetProjectGroup(ctx context.Context, groupID string) (types.ProjectGroup, error) {
	args := m.Called(ctx, groupID)
	return args.Get(0).(types.ProjectGroup), args.Error(1)
}

func (m *MockDatabase) ListProjectGroups(ctx context.Context) ([]types.ProjectGroup, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ProjectGroup), args.Error(1)
}

func (m *MockDatabase) UpsertProjectGroup(ctx context.Context, group types.ProjectGroup) error {
	args := m.Called(ctx, group)
	return args.Error(0)
}

func (m *MockDatabase) CreateMeterRun(ctx context.Context, run types.MeterRun, series types.MeterRunSeries) error {
	args := m.Called(ctx, run, series)
	return args.Error(0)
}

func (m *MockDatabase) GetMeterRun(ctx context.Context, projectID, runID string) (types.MeterRun, error) {
	args := m.Called(ctx, projectID, runID)
	return args.Get(0).(types.MeterRun), args.Error(1)
}

func (m *MockDatabase) GetMeterRunSeries(ctx context.Context, projectID, runID string) (types.MeterRunSeries, error) {
	args := m.Called(ctx, projectID, runID)
	return args.Get(0).(types.MeterRunSeries), args.Error(1)
}

func (m *MockDatabase) ListMeterRuns(ctx context.Context, projectID string) ([]types.MeterRun, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.MeterRun), args.Error(1)
}

func (m *MockDatabase) GetLatestMeterRun(ctx context.Context, projectID, consumptionID string) (types.MeterRun, types.MeterRunSeries, error) {
	args := m.Called(ctx, projectID, consumptionID)
	return args.Get(0).(types.MeterRun), args.Get(1).(types.MeterRunSeries), args.Error(2)
}

func (m *MockDatabase) CreateFuelTypeSummary(ctx context.Context, summary types.FuelTypeSummary, series types.SummarySeries) error {
	args := m.Called(ctx, summary, series)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestFuelTypeSummaries(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.FuelTypeSummary), args.Error(1)
}

func (m *MockDatabase) GetFuelTypeSummarySeries(ctx context.Context, groupID, summaryID string) (types.SummarySeries, error) {
	args := m.Called(ctx, groupID, summaryID)
	return args.Get(0).(types.SummarySeries), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
