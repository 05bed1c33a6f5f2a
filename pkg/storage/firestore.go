package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	projectsCollection    = "projects"
	consumptionCollection = "consumption"
	groupsCollection      = "project_groups"
	meterRunsCollection   = "meter_runs"
	summariesCollection   = "fuel_type_summaries"
	seriesCollection      = "series"

	// seriesChunkRows bounds the rows stored per series document. A row
	// encodes to well under 100 bytes so a chunk stays far below Firestore's
	// 1 MiB document limit.
	seriesChunkRows = 5000
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Every document stores its payload as a JSON string in the "json"
// field next to the few fields that are queried on. Usage series are split
// into chunks of at most seriesChunkRows rows, one document per chunk, named
// {kind}-{chunk}. Consumption records are still one document per stream and
// so a stream is bounded by that same 1 MiB limit.
//
// Layout:
//
//	projects/{projectID}
//	projects/{projectID}/meter_runs/{runID}
//	projects/{projectID}/meter_runs/{runID}/series/{kind}-{chunk}
//	consumption/{consumptionID}
//	project_groups/{groupID}
//	project_groups/{groupID}/fuel_type_summaries/{summaryID}
//	project_groups/{groupID}/fuel_type_summaries/{summaryID}/series/{kind}-{chunk}
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) meterRuns(projectID string) (*firestore.CollectionRef, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID cannot be empty")
	}
	return f.client.Collection(projectsCollection).Doc(projectID).Collection(meterRunsCollection), nil
}

func (f *FirestoreProvider) summaries(groupID string) (*firestore.CollectionRef, error) {
	if groupID == "" {
		return nil, fmt.Errorf("groupID cannot be empty")
	}
	return f.client.Collection(groupsCollection).Doc(groupID).Collection(summariesCollection), nil
}

// decodeDoc unmarshals the "json" field of doc into v.
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, kind string, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return nil
}

// getDoc fetches ref and decodes it into v, mapping a missing document to
// ErrNotFound.
func getDoc(ctx context.Context, ref *firestore.DocumentRef, kind string, v any) error {
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, ref.ID)
		}
		return fmt.Errorf("failed to get %s %s: %w", kind, ref.ID, err)
	}
	return decodeDoc(ctx, doc, kind, v)
}

// GetProject retrieves a project from the "projects" collection.
func (f *FirestoreProvider) GetProject(ctx context.Context, projectID string) (types.Project, error) {
	var p types.Project
	if err := getDoc(ctx, f.client.Collection(projectsCollection).Doc(projectID), "project", &p); err != nil {
		return types.Project{}, err
	}
	return p, nil
}

// ListProjects retrieves all projects from the "projects" collection.
func (f *FirestoreProvider) ListProjects(ctx context.Context) ([]types.Project, error) {
	iter := f.client.Collection(projectsCollection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var projects []types.Project
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating projects: %w", err)
		}
		var p types.Project
		if err := decodeDoc(ctx, doc, "project", &p); err != nil {
			// Skip malformed documents
			continue
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// UpsertProject creates or replaces a project document.
func (f *FirestoreProvider) UpsertProject(ctx context.Context, project types.Project) error {
	if project.ID == "" {
		return fmt.Errorf("project missing id")
	}
	jsonBytes, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", project.ID, err)
	}
	_, err = f.client.Collection(projectsCollection).Doc(project.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", project.ID, err)
	}
	return nil
}

// GetConsumption retrieves a consumption stream from the "consumption"
// collection.
func (f *FirestoreProvider) GetConsumption(ctx context.Context, consumptionID string) (types.ConsumptionMetadata, error) {
	var cm types.ConsumptionMetadata
	if err := getDoc(ctx, f.client.Collection(consumptionCollection).Doc(consumptionID), "consumption", &cm); err != nil {
		return types.ConsumptionMetadata{}, err
	}
	return cm, nil
}

// ListConsumption retrieves every consumption stream of a project.
func (f *FirestoreProvider) ListConsumption(ctx context.Context, projectID string) ([]types.ConsumptionMetadata, error) {
	iter := f.client.Collection(consumptionCollection).
		Where("projectID", "==", projectID).
		Documents(ctx)
	defer iter.Stop()

	var out []types.ConsumptionMetadata
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating consumption: %w", err)
		}
		var cm types.ConsumptionMetadata
		if err := decodeDoc(ctx, doc, "consumption", &cm); err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertConsumption creates or replaces a consumption stream document.
func (f *FirestoreProvider) UpsertConsumption(ctx context.Context, cm types.ConsumptionMetadata) error {
	if cm.ID == "" {
		return fmt.Errorf("consumption missing id")
	}
	jsonBytes, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("failed to marshal consumption %s: %w", cm.ID, err)
	}
	_, err = f.client.Collection(consumptionCollection).Doc(cm.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"projectID": cm.ProjectID,
		"fuelType":  string(cm.FuelType),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert consumption %s: %w", cm.ID, err)
	}
	return nil
}

// GetProjectGroup retrieves a group from the "project_groups" collection.
func (f *FirestoreProvider) GetProjectGroup(ctx context.Context, groupID string) (types.ProjectGroup, error) {
	var g types.ProjectGroup
	if err := getDoc(ctx, f.client.Collection(groupsCollection).Doc(groupID), "project group", &g); err != nil {
		return types.ProjectGroup{}, err
	}
	return g, nil
}

// ListProjectGroups retrieves all groups.
func (f *FirestoreProvider) ListProjectGroups(ctx context.Context) ([]types.ProjectGroup, error) {
	iter := f.client.Collection(groupsCollection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var groups []types.ProjectGroup
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating project groups: %w", err)
		}
		var g types.ProjectGroup
		if err := decodeDoc(ctx, doc, "project group", &g); err != nil {
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// UpsertProjectGroup creates or replaces a group document.
func (f *FirestoreProvider) UpsertProjectGroup(ctx context.Context, group types.ProjectGroup) error {
	if group.ID == "" {
		return fmt.Errorf("project group missing id")
	}
	jsonBytes, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal project group %s: %w", group.ID, err)
	}
	_, err = f.client.Collection(groupsCollection).Doc(group.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert project group %s: %w", group.ID, err)
	}
	return nil
}

// CreateMeterRun writes the run and its series chunks in one transaction.
func (f *FirestoreProvider) CreateMeterRun(ctx context.Context, run types.MeterRun, series types.MeterRunSeries) error {
	if run.ID == "" {
		return fmt.Errorf("meter run missing id")
	}
	coll, err := f.meterRuns(run.ProjectID)
	if err != nil {
		return err
	}
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal meter run %s: %w", run.ID, err)
	}
	chunks, err := encodeSeries(series.Kinds())
	if err != nil {
		return fmt.Errorf("failed to marshal meter run series %s: %w", run.ID, err)
	}

	ref := coll.Doc(run.ID)
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, map[string]interface{}{
			"json":          string(runJSON),
			"consumptionID": run.ConsumptionID,
			"fuelType":      string(run.FuelType),
			"added":         run.Added,
			"version":       types.CurrentMeterRunVersion,
		}); err != nil {
			return err
		}
		return createSeries(tx, ref, chunks)
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: meter run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("failed to create meter run %s: %w", run.ID, err)
	}
	return nil
}

// GetMeterRun retrieves a single meter run.
func (f *FirestoreProvider) GetMeterRun(ctx context.Context, projectID, runID string) (types.MeterRun, error) {
	coll, err := f.meterRuns(projectID)
	if err != nil {
		return types.MeterRun{}, err
	}
	var run types.MeterRun
	if err := getDoc(ctx, coll.Doc(runID), "meter run", &run); err != nil {
		return types.MeterRun{}, err
	}
	return run, nil
}

// GetMeterRunSeries retrieves the series of a meter run.
func (f *FirestoreProvider) GetMeterRunSeries(ctx context.Context, projectID, runID string) (types.MeterRunSeries, error) {
	coll, err := f.meterRuns(projectID)
	if err != nil {
		return types.MeterRunSeries{}, err
	}
	var series types.MeterRunSeries
	if err := f.getSeries(ctx, coll.Doc(runID), "meter run", series.Kinds()); err != nil {
		return types.MeterRunSeries{}, err
	}
	return series, nil
}

// ListMeterRuns retrieves the runs of a project, newest first.
func (f *FirestoreProvider) ListMeterRuns(ctx context.Context, projectID string) ([]types.MeterRun, error) {
	coll, err := f.meterRuns(projectID)
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy("added", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var runs []types.MeterRun
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating meter runs: %w", err)
		}
		var run types.MeterRun
		if err := decodeDoc(ctx, doc, "meter run", &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetLatestMeterRun reads the newest run of a stream and its series in one
// read-only transaction.
func (f *FirestoreProvider) GetLatestMeterRun(ctx context.Context, projectID, consumptionID string) (types.MeterRun, types.MeterRunSeries, error) {
	coll, err := f.meterRuns(projectID)
	if err != nil {
		return types.MeterRun{}, types.MeterRunSeries{}, err
	}

	var run types.MeterRun
	var series types.MeterRunSeries
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		iter := tx.Documents(coll.
			Where("consumptionID", "==", consumptionID).
			OrderBy("added", firestore.Desc).
			Limit(1))
		defer iter.Stop()

		doc, err := iter.Next()
		if err == iterator.Done {
			return fmt.Errorf("%w: no meter run for consumption %s", ErrNotFound, consumptionID)
		}
		if err != nil {
			return fmt.Errorf("failed to get latest meter run doc: %w", err)
		}
		if err := decodeDoc(ctx, doc, "meter run", &run); err != nil {
			return err
		}

		return readSeries(ctx, tx, doc.Ref, "meter run", series.Kinds())
	}, firestore.ReadOnly)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.MeterRun{}, types.MeterRunSeries{}, err
		}
		return types.MeterRun{}, types.MeterRunSeries{}, fmt.Errorf("failed to read latest meter run: %w", err)
	}
	return run, series, nil
}

// CreateFuelTypeSummary writes the summary and its series chunks in one
// transaction.
func (f *FirestoreProvider) CreateFuelTypeSummary(ctx context.Context, summary types.FuelTypeSummary, series types.SummarySeries) error {
	if summary.ID == "" {
		return fmt.Errorf("fuel type summary missing id")
	}
	coll, err := f.summaries(summary.GroupID)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal fuel type summary %s: %w", summary.ID, err)
	}
	chunks, err := encodeSeries(series.Kinds())
	if err != nil {
		return fmt.Errorf("failed to marshal fuel type summary series %s: %w", summary.ID, err)
	}

	ref := coll.Doc(summary.ID)
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, map[string]interface{}{
			"json":     string(summaryJSON),
			"fuelType": string(summary.FuelType),
			"added":    summary.Added,
			"version":  types.CurrentFuelTypeSummaryVersion,
		}); err != nil {
			return err
		}
		return createSeries(tx, ref, chunks)
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: fuel type summary %s", ErrAlreadyExists, summary.ID)
		}
		return fmt.Errorf("failed to create fuel type summary %s: %w", summary.ID, err)
	}
	return nil
}

// GetLatestFuelTypeSummaries returns the newest summary of every fuel type in
// the group.
func (f *FirestoreProvider) GetLatestFuelTypeSummaries(ctx context.Context, groupID string) ([]types.FuelTypeSummary, error) {
	coll, err := f.summaries(groupID)
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy("added", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	seen := make(map[types.FuelType]bool)
	var out []types.FuelTypeSummary
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating fuel type summaries: %w", err)
		}
		var s types.FuelTypeSummary
		if err := decodeDoc(ctx, doc, "fuel type summary", &s); err != nil {
			return nil, err
		}
		if seen[s.FuelType] {
			continue
		}
		seen[s.FuelType] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FuelType < out[j].FuelType })
	return out, nil
}

// GetFuelTypeSummarySeries retrieves the series of a summary.
func (f *FirestoreProvider) GetFuelTypeSummarySeries(ctx context.Context, groupID, summaryID string) (types.SummarySeries, error) {
	coll, err := f.summaries(groupID)
	if err != nil {
		return types.SummarySeries{}, err
	}
	var series types.SummarySeries
	if err := f.getSeries(ctx, coll.Doc(summaryID), "fuel type summary", series.Kinds()); err != nil {
		return types.SummarySeries{}, err
	}
	return series, nil
}

// seriesChunk is one stored document of a usage series.
type seriesChunk struct {
	id    string
	kind  types.SeriesKind
	index int
	rows  []types.UsageValue
}

// chunkSeries splits every non-empty series into chunks of at most
// seriesChunkRows rows, ordered by kind and then position.
func chunkSeries(kinds map[types.SeriesKind]*[]types.UsageValue) []seriesChunk {
	keys := make([]types.SeriesKind, 0, len(kinds))
	for kind := range kinds {
		keys = append(keys, kind)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []seriesChunk
	for _, kind := range keys {
		rows := *kinds[kind]
		for i := 0; i*seriesChunkRows < len(rows); i++ {
			end := min((i+1)*seriesChunkRows, len(rows))
			out = append(out, seriesChunk{
				id:    fmt.Sprintf("%s-%04d", kind, i),
				kind:  kind,
				index: i,
				rows:  rows[i*seriesChunkRows : end],
			})
		}
	}
	return out
}

type encodedChunk struct {
	seriesChunk
	json string
}

func encodeSeries(kinds map[types.SeriesKind]*[]types.UsageValue) ([]encodedChunk, error) {
	chunks := chunkSeries(kinds)
	out := make([]encodedChunk, len(chunks))
	for i, c := range chunks {
		b, err := json.Marshal(c.rows)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", c.id, err)
		}
		out[i] = encodedChunk{seriesChunk: c, json: string(b)}
	}
	return out, nil
}

// createSeries writes the chunks of a series under parent.
func createSeries(tx *firestore.Transaction, parent *firestore.DocumentRef, chunks []encodedChunk) error {
	for _, c := range chunks {
		if err := tx.Create(parent.Collection(seriesCollection).Doc(c.id), map[string]interface{}{
			"json":  c.json,
			"kind":  string(c.kind),
			"chunk": c.index,
		}); err != nil {
			return err
		}
	}
	return nil
}

// getSeries reads the series of parent in a read-only transaction. A missing
// parent is ErrNotFound.
func (f *FirestoreProvider) getSeries(ctx context.Context, parent *firestore.DocumentRef, kind string, kinds map[types.SeriesKind]*[]types.UsageValue) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(parent); err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s %s", ErrNotFound, kind, parent.ID)
			}
			return fmt.Errorf("failed to get %s %s: %w", kind, parent.ID, err)
		}
		return readSeries(ctx, tx, parent, kind, kinds)
	}, firestore.ReadOnly)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to read %s series: %w", kind, err)
	}
	return err
}

// readSeries appends the chunks stored under parent to kinds in order.
func readSeries(ctx context.Context, tx *firestore.Transaction, parent *firestore.DocumentRef, kind string, kinds map[types.SeriesKind]*[]types.UsageValue) error {
	// a retried transaction must not append twice
	for _, dst := range kinds {
		*dst = nil
	}
	iter := tx.Documents(parent.Collection(seriesCollection).OrderBy(firestore.DocumentID, firestore.Asc))
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error iterating %s series: %w", kind, err)
		}
		k, err := doc.DataAt("kind")
		if err != nil {
			return fmt.Errorf("%s series document %s missing 'kind' field: %w", kind, doc.Ref.ID, err)
		}
		ks, _ := k.(string)
		dst, ok := kinds[types.SeriesKind(ks)]
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "skipping unknown series kind", slog.String("docID", doc.Ref.ID))
			continue
		}
		var rows []types.UsageValue
		if err := decodeDoc(ctx, doc, kind+" series", &rows); err != nil {
			return err
		}
		*dst = append(*dst, rows...)
	}
}
