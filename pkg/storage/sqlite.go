package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/types"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteProvider implements the Database interface on a local SQLite file.
// Parents keep their JSON payload in a column; usage series are stored one
// row per value so a NaN becomes a NULL.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

var _ Database = (*SQLiteProvider)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// configuredSQLite sets up the SQLite provider.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "eemeter.db", "Path to the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteProvider returns a provider for the database file at path. Init must
// be called before use.
func NewSQLiteProvider(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if strings.TrimSpace(s.path) == "" {
		return fmt.Errorf("sqlite-path is required")
	}
	return nil
}

// Init opens the database and applies the embedded migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	dsn := filepath.Clean(s.path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteProvider) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// getJSON reads the json column of the single row matched by query into v.
func getJSON(ctx context.Context, q queryer, kind, id string, v any, query string, args ...any) error {
	var raw string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, id, err)
	}
	return nil
}

// listJSON decodes the json column of every row matched by query.
func listJSON[T any](ctx context.Context, q queryer, kind string, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", kind, err)
	}
	return out, nil
}

func (s *SQLiteProvider) upsertJSON(ctx context.Context, kind, query string, v any, args ...any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	if _, err := s.db.ExecContext(ctx, query, append(args, string(raw))...); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", kind, err)
	}
	return nil
}

// GetProject retrieves a project.
func (s *SQLiteProvider) GetProject(ctx context.Context, projectID string) (types.Project, error) {
	var p types.Project
	err := getJSON(ctx, s.db, "project", projectID, &p, "SELECT json FROM projects WHERE id = ?", projectID)
	return p, err
}

// ListProjects retrieves all projects ordered by ID.
func (s *SQLiteProvider) ListProjects(ctx context.Context) ([]types.Project, error) {
	return listJSON[types.Project](ctx, s.db, "projects", "SELECT json FROM projects ORDER BY id")
}

// UpsertProject creates or replaces a project.
func (s *SQLiteProvider) UpsertProject(ctx context.Context, project types.Project) error {
	if project.ID == "" {
		return fmt.Errorf("project missing id")
	}
	return s.upsertJSON(ctx, "project",
		"INSERT INTO projects (id, json) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET json = excluded.json",
		project, project.ID)
}

// GetConsumption retrieves a consumption stream.
func (s *SQLiteProvider) GetConsumption(ctx context.Context, consumptionID string) (types.ConsumptionMetadata, error) {
	var cm types.ConsumptionMetadata
	err := getJSON(ctx, s.db, "consumption", consumptionID, &cm, "SELECT json FROM consumption WHERE id = ?", consumptionID)
	return cm, err
}

// ListConsumption retrieves the streams of a project ordered by ID.
func (s *SQLiteProvider) ListConsumption(ctx context.Context, projectID string) ([]types.ConsumptionMetadata, error) {
	return listJSON[types.ConsumptionMetadata](ctx, s.db, "consumption",
		"SELECT json FROM consumption WHERE project_id = ? ORDER BY id", projectID)
}

// UpsertConsumption creates or replaces a consumption stream.
func (s *SQLiteProvider) UpsertConsumption(ctx context.Context, cm types.ConsumptionMetadata) error {
	if cm.ID == "" {
		return fmt.Errorf("consumption missing id")
	}
	return s.upsertJSON(ctx, "consumption",
		`INSERT INTO consumption (id, project_id, fuel_type, json) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET project_id = excluded.project_id, fuel_type = excluded.fuel_type, json = excluded.json`,
		cm, cm.ID, cm.ProjectID, string(cm.FuelType))
}

// GetProjectGroup retrieves a group.
func (s *SQLiteProvider) GetProjectGroup(ctx context.Context, groupID string) (types.ProjectGroup, error) {
	var g types.ProjectGroup
	err := getJSON(ctx, s.db, "project group", groupID, &g, "SELECT json FROM project_groups WHERE id = ?", groupID)
	return g, err
}

// ListProjectGroups retrieves all groups ordered by ID.
func (s *SQLiteProvider) ListProjectGroups(ctx context.Context) ([]types.ProjectGroup, error) {
	return listJSON[types.ProjectGroup](ctx, s.db, "project groups", "SELECT json FROM project_groups ORDER BY id")
}

// UpsertProjectGroup creates or replaces a group.
func (s *SQLiteProvider) UpsertProjectGroup(ctx context.Context, group types.ProjectGroup) error {
	if group.ID == "" {
		return fmt.Errorf("project group missing id")
	}
	return s.upsertJSON(ctx, "project group",
		"INSERT INTO project_groups (id, json) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET json = excluded.json",
		group, group.ID)
}

func nullableValue(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

// insertUsage writes every series of kinds as child rows of parentID.
func insertUsage(ctx context.Context, tx *sql.Tx, table, parentColumn, parentID string, kinds map[types.SeriesKind]*[]types.UsageValue) error {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, kind, position, date, value) VALUES (?, ?, ?, ?, ?)", table, parentColumn))
	if err != nil {
		return fmt.Errorf("failed to prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for kind, values := range kinds {
		for i, v := range *values {
			if _, err := stmt.ExecContext(ctx, parentID, string(kind), i, toMillis(v.Date), nullableValue(v.Value)); err != nil {
				return fmt.Errorf("failed to insert %s usage: %w", kind, err)
			}
		}
	}
	return nil
}

// readUsage fills kinds from the child rows of parentID. Unknown kinds are
// ignored.
func readUsage(ctx context.Context, q queryer, table, parentColumn, parentID string, kinds map[types.SeriesKind]*[]types.UsageValue) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT kind, date, value FROM %s WHERE %s = ? ORDER BY kind, position", table, parentColumn), parentID)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var date int64
		var value sql.NullFloat64
		if err := rows.Scan(&kind, &date, &value); err != nil {
			return fmt.Errorf("failed to scan usage: %w", err)
		}
		dst, ok := kinds[types.SeriesKind(kind)]
		if !ok {
			continue
		}
		v := math.NaN()
		if value.Valid {
			v = value.Float64
		}
		*dst = append(*dst, types.UsageValue{Date: fromMillis(date), Value: v})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating usage: %w", err)
	}
	return nil
}

// CreateMeterRun writes the run and its series in one transaction.
func (s *SQLiteProvider) CreateMeterRun(ctx context.Context, run types.MeterRun, series types.MeterRunSeries) error {
	if run.ID == "" {
		return fmt.Errorf("meter run missing id")
	}
	if run.ProjectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal meter run %s: %w", run.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meter_runs (id, project_id, consumption_id, fuel_type, added, version, json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.ConsumptionID, string(run.FuelType), toMillis(run.Added), types.CurrentMeterRunVersion, string(raw))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: meter run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("failed to create meter run %s: %w", run.ID, err)
	}
	if err := insertUsage(ctx, tx, "meter_run_usage", "meter_run_id", run.ID, series.Kinds()); err != nil {
		return fmt.Errorf("failed to create meter run %s: %w", run.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit meter run %s: %w", run.ID, err)
	}
	return nil
}

// GetMeterRun retrieves a single meter run.
func (s *SQLiteProvider) GetMeterRun(ctx context.Context, projectID, runID string) (types.MeterRun, error) {
	var run types.MeterRun
	err := getJSON(ctx, s.db, "meter run", runID, &run,
		"SELECT json FROM meter_runs WHERE project_id = ? AND id = ?", projectID, runID)
	return run, err
}

// GetMeterRunSeries retrieves the series of a meter run.
func (s *SQLiteProvider) GetMeterRunSeries(ctx context.Context, projectID, runID string) (types.MeterRunSeries, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return types.MeterRunSeries{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM meter_runs WHERE project_id = ? AND id = ?", projectID, runID).Scan(&n); err != nil {
		return types.MeterRunSeries{}, fmt.Errorf("failed to get meter run %s: %w", runID, err)
	}
	if n == 0 {
		return types.MeterRunSeries{}, fmt.Errorf("%w: meter run %s", ErrNotFound, runID)
	}
	var series types.MeterRunSeries
	if err := readUsage(ctx, tx, "meter_run_usage", "meter_run_id", runID, series.Kinds()); err != nil {
		return types.MeterRunSeries{}, err
	}
	return series, nil
}

// ListMeterRuns retrieves the runs of a project, newest first.
func (s *SQLiteProvider) ListMeterRuns(ctx context.Context, projectID string) ([]types.MeterRun, error) {
	return listJSON[types.MeterRun](ctx, s.db, "meter runs",
		"SELECT json FROM meter_runs WHERE project_id = ? ORDER BY added DESC, rowid DESC", projectID)
}

// GetLatestMeterRun reads the newest run of a stream and its series in one
// read-only transaction.
func (s *SQLiteProvider) GetLatestMeterRun(ctx context.Context, projectID, consumptionID string) (types.MeterRun, types.MeterRunSeries, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return types.MeterRun{}, types.MeterRunSeries{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var run types.MeterRun
	err = getJSON(ctx, tx, "meter run for consumption", consumptionID, &run,
		`SELECT json FROM meter_runs WHERE project_id = ? AND consumption_id = ?
		ORDER BY added DESC, rowid DESC LIMIT 1`, projectID, consumptionID)
	if err != nil {
		return types.MeterRun{}, types.MeterRunSeries{}, err
	}
	var series types.MeterRunSeries
	if err := readUsage(ctx, tx, "meter_run_usage", "meter_run_id", run.ID, series.Kinds()); err != nil {
		return types.MeterRun{}, types.MeterRunSeries{}, err
	}
	return run, series, nil
}

// CreateFuelTypeSummary writes the summary and its series in one transaction.
func (s *SQLiteProvider) CreateFuelTypeSummary(ctx context.Context, summary types.FuelTypeSummary, series types.SummarySeries) error {
	if summary.ID == "" {
		return fmt.Errorf("fuel type summary missing id")
	}
	if summary.GroupID == "" {
		return fmt.Errorf("groupID cannot be empty")
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal fuel type summary %s: %w", summary.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fuel_type_summaries (id, group_id, fuel_type, added, version, json) VALUES (?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.GroupID, string(summary.FuelType), toMillis(summary.Added), types.CurrentFuelTypeSummaryVersion, string(raw))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: fuel type summary %s", ErrAlreadyExists, summary.ID)
		}
		return fmt.Errorf("failed to create fuel type summary %s: %w", summary.ID, err)
	}
	if err := insertUsage(ctx, tx, "fuel_type_summary_usage", "summary_id", summary.ID, series.Kinds()); err != nil {
		return fmt.Errorf("failed to create fuel type summary %s: %w", summary.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fuel type summary %s: %w", summary.ID, err)
	}
	return nil
}

// GetLatestFuelTypeSummaries returns the newest summary of every fuel type in
// the group.
func (s *SQLiteProvider) GetLatestFuelTypeSummaries(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error) {
	return listJSON[types.FuelTypeSummary](ctx, s.db, "fuel type summaries", `
SELECT json FROM (
    SELECT json, fuel_type, ROW_NUMBER() OVER (PARTITION BY fuel_type ORDER BY added DESC, rowid DESC) AS rn
    FROM fuel_type_summaries
    WHERE group_id = ?
)
WHERE rn = 1
ORDER BY fuel_type`, groupID)
}

// GetFuelTypeSummarySeries retrieves the series of a summary.
func (s *SQLiteProvider) GetFuelTypeSummarySeries(ctx context.Context, groupID, summaryID string) (types.SummarySeries, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return types.SummarySeries{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM fuel_type_summaries WHERE group_id = ? AND id = ?", groupID, summaryID).Scan(&n); err != nil {
		return types.SummarySeries{}, fmt.Errorf("failed to get fuel type summary %s: %w", summaryID, err)
	}
	if n == 0 {
		return types.SummarySeries{}, fmt.Errorf("%w: fuel type summary %s", ErrNotFound, summaryID)
	}
	var series types.SummarySeries
	if err := readUsage(ctx, tx, "fuel_type_summary_usage", "summary_id", summaryID, series.Kinds()); err != nil {
		return types.SummarySeries{}, err
	}
	return series, nil
}
