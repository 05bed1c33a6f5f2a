package server

import (
	"net/http"

	"github.com/raterudder/eemeter/pkg/types"
)

// meterRunResponse is a meter run with its validity and usage series.
type meterRunResponse struct {
	types.MeterRun
	Valid  bool                 `json:"valid"`
	Series types.MeterRunSeries `json:"series"`
}

func (s *Server) handleListMeterRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := r.PathValue("projectID")

	if _, err := s.storage.GetProject(ctx, projectID); err != nil {
		writeError(ctx, w, "failed to get project", err)
		return
	}
	runs, err := s.storage.ListMeterRuns(ctx, projectID)
	if err != nil {
		writeError(ctx, w, "failed to list meter runs", err)
		return
	}

	// Always return an array, even if empty
	if runs == nil {
		runs = []types.MeterRun{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleGetMeterRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := r.PathValue("projectID")
	runID := r.PathValue("runID")

	run, err := s.storage.GetMeterRun(ctx, projectID, runID)
	if err != nil {
		writeError(ctx, w, "failed to get meter run", err)
		return
	}
	series, err := s.storage.GetMeterRunSeries(ctx, projectID, runID)
	if err != nil {
		writeError(ctx, w, "failed to get meter run series", err)
		return
	}

	writeJSON(w, meterRunResponse{
		MeterRun: run,
		Valid:    run.Valid(s.validityThreshold),
		Series:   series,
	})
}
