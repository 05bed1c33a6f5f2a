package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/raterudder/eemeter/pkg/meter"
	"github.com/raterudder/eemeter/pkg/portfolio"
	"github.com/raterudder/eemeter/pkg/types"
)

type streamFailureResponse struct {
	ConsumptionID string         `json:"consumptionID"`
	FuelType      types.FuelType `json:"fuelType"`
	Error         string         `json:"error"`
}

type evaluationResponse struct {
	ProjectID string                  `json:"projectID"`
	Window    *types.Period           `json:"window,omitempty"`
	Runs      []types.MeterRun        `json:"runs"`
	Skipped   string                  `json:"skipped,omitempty"`
	Failures  []streamFailureResponse `json:"failures,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func newEvaluationResponse(ev meter.Evaluation) evaluationResponse {
	resp := evaluationResponse{
		ProjectID: ev.ProjectID,
		Runs:      ev.Runs,
	}
	if !ev.Window.IsZero() {
		window := ev.Window
		resp.Window = &window
	}
	if resp.Runs == nil {
		resp.Runs = []types.MeterRun{}
	}
	if ev.Skipped != nil {
		resp.Skipped = ev.Skipped.Error()
	}
	for _, f := range ev.Failures {
		resp.Failures = append(resp.Failures, streamFailureResponse{
			ConsumptionID: f.ConsumptionID,
			FuelType:      f.FuelType,
			Error:         f.Err.Error(),
		})
	}
	return resp
}

// parseDate accepts either a calendar date or an RFC 3339 timestamp.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// parseOptions reads the start, end and meterType query parameters.
func parseOptions(r *http.Request) (meter.Options, error) {
	var opts meter.Options
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return opts, fmt.Errorf("invalid start: %w", err)
		}
		opts.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return opts, fmt.Errorf("invalid end: %w", err)
		}
		opts.End = t
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return opts, fmt.Errorf("%w: end is before start", meter.ErrInvalidWindow)
	}
	if v := q.Get("meterType"); v != "" {
		kind := types.MeterKind(v)
		if _, err := types.MeterTypeFor(kind, types.FuelTypeElectricity); err != nil {
			return opts, err
		}
		opts.MeterKind = kind
	}
	return opts, nil
}

func (s *Server) handleEvaluateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := r.PathValue("projectID")
	opts, err := parseOptions(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ev, err := s.evaluator.EvaluateProject(ctx, projectID, opts)
	if err != nil {
		writeError(ctx, w, "failed to evaluate project", err)
		return
	}
	writeJSON(w, newEvaluationResponse(ev))
}

func (s *Server) handleEvaluateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := r.PathValue("groupID")
	opts, err := parseOptions(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.evaluator.RunMeters(ctx, groupID, opts)
	if err != nil {
		writeError(ctx, w, "failed to evaluate group", err)
		return
	}

	resp := make([]evaluationResponse, 0, len(results))
	for _, res := range results {
		er := newEvaluationResponse(res.Evaluation)
		er.ProjectID = res.ProjectID
		if res.Err != nil {
			er.Error = res.Err.Error()
		}
		resp = append(resp, er)
	}
	writeJSON(w, resp)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := r.PathValue("groupID")

	summaries, err := s.summarizer.Summarize(ctx, groupID)
	if err != nil && len(summaries) == 0 {
		writeError(ctx, w, "failed to summarize group", err)
		return
	}

	resp := struct {
		Summaries []types.FuelTypeSummary `json:"summaries"`
		Errors    []string                `json:"errors,omitempty"`
	}{Summaries: summaries}
	if resp.Summaries == nil {
		resp.Summaries = []types.FuelTypeSummary{}
	}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := r.PathValue("groupID")

	if _, err := s.storage.GetProjectGroup(ctx, groupID); err != nil {
		writeError(ctx, w, "failed to get project group", err)
		return
	}
	summaries, err := s.summarizer.RecentSummaries(ctx, groupID)
	if err != nil {
		writeError(ctx, w, "failed to get summaries", err)
		return
	}
	if summaries == nil {
		summaries = []portfolio.Summary{}
	}
	writeJSON(w, summaries)
}
