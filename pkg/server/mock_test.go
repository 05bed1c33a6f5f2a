package server

import (
	"context"

	"github.com/raterudder/eemeter/pkg/meter"
	"github.com/raterudder/eemeter/pkg/portfolio"
	"github.com/raterudder/eemeter/pkg/storage/storagemock"
	"github.com/raterudder/eemeter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) EvaluateProject(ctx context.Context, projectID string, opts meter.Options) (meter.Evaluation, error) {
	args := m.Called(ctx, projectID, opts)
	return args.Get(0).(meter.Evaluation), args.Error(1)
}

func (m *mockEvaluator) RunMeters(ctx context.Context, groupID string, opts meter.Options) ([]meter.ProjectResult, error) {
	args := m.Called(ctx, groupID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]meter.ProjectResult), args.Error(1)
}

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.FuelTypeSummary), args.Error(1)
}

func (m *mockSummarizer) RecentSummaries(ctx context.Context, groupID string) ([]portfolio.Summary, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]portfolio.Summary), args.Error(1)
}

func newTestServer() (*Server, *storagemock.MockDatabase, *mockEvaluator, *mockSummarizer) {
	db := &storagemock.MockDatabase{}
	ev := &mockEvaluator{}
	sum := &mockSummarizer{}
	srv := &Server{
		storage:           db,
		evaluator:         ev,
		summarizer:        sum,
		listenAddr:        ":8080",
		serverName:        "eemeter-test",
		validityThreshold: types.DefaultValidityThreshold,
	}
	return srv, db, ev, sum
}
