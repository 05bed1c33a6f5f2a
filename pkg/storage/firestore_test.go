package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/eemeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST is not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("EmptyProjectID", func(t *testing.T) {
		_, err := f.ListMeterRuns(ctx, "")
		require.ErrorContains(t, err, "projectID cannot be empty")
	})

	testDatabase(t, f, randDB+"-")
}

func TestChunkSeries(t *testing.T) {
	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 2*seriesChunkRows+2000)
	for i := range values {
		values[i] = float64(i)
	}
	series := types.SummarySeries{
		DailyActual:     usage(jan1, values...),
		MonthlyBaseline: usage(jan1, 1, 2, 3),
	}

	chunks := chunkSeries(series.Kinds())
	require.Len(t, chunks, 4)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.id
	}
	assert.Equal(t, []string{"daily_actual-0000", "daily_actual-0001", "daily_actual-0002", "monthly_baseline-0000"}, ids)
	assert.Len(t, chunks[0].rows, seriesChunkRows)
	assert.Len(t, chunks[1].rows, seriesChunkRows)
	assert.Len(t, chunks[2].rows, 2000)
	assert.Equal(t, 2, chunks[2].index)

	var back types.SummarySeries
	for _, c := range chunks {
		dst := back.Kinds()[c.kind]
		*dst = append(*dst, c.rows...)
	}
	assertUsage(t, series.DailyActual, back.DailyActual)
	assertUsage(t, series.MonthlyBaseline, back.MonthlyBaseline)
	assert.Empty(t, back.DailyBaseline)

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, chunkSeries((&types.MeterRunSeries{}).Kinds()))
	})

	t.Run("Encode", func(t *testing.T) {
		encoded, err := encodeSeries(series.Kinds())
		require.NoError(t, err)
		require.Len(t, encoded, 4)
		for _, c := range encoded {
			assert.Less(t, len(c.json), 1<<20, c.id)
		}
	})
}
