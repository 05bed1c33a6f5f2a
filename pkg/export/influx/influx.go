// Package influx exports portfolio summaries to InfluxDB so they can be
// graphed next to other time series.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/common"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/portfolio"
	"github.com/raterudder/eemeter/pkg/types"
)

const measurement = "portfolio_usage"

// Exporter writes every value of a summary as one point tagged with the
// group, fuel type and series kind. NaN values are not written.
type Exporter struct {
	url    string
	token  string
	org    string
	bucket string

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

var _ portfolio.Sink = (*Exporter)(nil)

type influxEnv struct {
	Token string `env:"INFLUXDB_TOKEN"`
}

// Configured registers the exporter's flags. The exporter is disabled unless
// -influxdb-url is set; see Enabled.
func Configured() *Exporter {
	e := &Exporter{}
	url := lflag.String("influxdb-url", "", "InfluxDB URL to export portfolio summaries to (disabled if empty)")
	org := lflag.String("influxdb-org", "", "InfluxDB organization")
	bucket := lflag.String("influxdb-bucket", "eemeter", "InfluxDB bucket")

	lflag.Do(func() {
		e.url = *url
		e.org = *org
		e.bucket = *bucket
		var env influxEnv
		if err := common.ParseEnv(&env); err != nil {
			panic(fmt.Errorf("failed to parse influxdb env: %w", err))
		}
		e.token = env.Token
		if err := e.Validate(); err != nil {
			panic(fmt.Sprintf("influxdb validation failed: %v", err))
		}
		if e.url != "" {
			e.Init()
		}
	})
	return e
}

// New returns an initialized exporter.
func New(url, token, org, bucket string) *Exporter {
	e := &Exporter{url: url, token: token, org: org, bucket: bucket}
	e.Init()
	return e
}

// Init creates the InfluxDB client.
func (e *Exporter) Init() {
	opts := influxdb2.DefaultOptions().SetHTTPClient(common.HTTPClient(30 * time.Second))
	e.client = influxdb2.NewClientWithOptions(e.url, e.token, opts)
	e.writeAPI = e.client.WriteAPIBlocking(e.org, e.bucket)
}

// Enabled returns true if the exporter has a destination.
func (e *Exporter) Enabled() bool {
	return e != nil && e.client != nil
}

// Validate checks that an enabled exporter can write somewhere.
func (e *Exporter) Validate() error {
	if e.url == "" {
		return nil
	}
	if e.org == "" {
		return fmt.Errorf("influxdb-org is required when influxdb-url is set")
	}
	if e.bucket == "" {
		return fmt.Errorf("influxdb-bucket is required when influxdb-url is set")
	}
	return nil
}

// Export implements portfolio.Sink.
func (e *Exporter) Export(ctx context.Context, summary types.FuelTypeSummary, s types.SummarySeries) error {
	if !e.Enabled() {
		return nil
	}
	points := Points(summary, s)
	if len(points) == 0 {
		return nil
	}
	if err := e.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write %d points to influxdb: %w", len(points), err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"exported fuel type summary",
		slog.String("summaryID", summary.ID),
		slog.Int("points", len(points)),
	)
	return nil
}

// Points converts a summary into InfluxDB points, one per non-NaN value.
func Points(summary types.FuelTypeSummary, s types.SummarySeries) []*write.Point {
	var points []*write.Point
	for _, kind := range []types.SeriesKind{
		types.SeriesDailyBaseline,
		types.SeriesDailyActual,
		types.SeriesDailyReporting,
		types.SeriesMonthlyBaseline,
		types.SeriesMonthlyActual,
		types.SeriesMonthlyReporting,
	} {
		for _, v := range *s.Kinds()[kind] {
			if math.IsNaN(v.Value) {
				continue
			}
			points = append(points, write.NewPoint(
				measurement,
				map[string]string{
					"group_id":  summary.GroupID,
					"fuel_type": string(summary.FuelType),
					"kind":      string(kind),
				},
				map[string]interface{}{
					"value":      v.Value,
					"summary_id": summary.ID,
				},
				v.Date,
			))
		}
	}
	return points
}

// Close closes the InfluxDB client.
func (e *Exporter) Close() {
	if e.Enabled() {
		e.client.Close()
	}
}
