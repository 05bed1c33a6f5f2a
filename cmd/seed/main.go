package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eemeter/pkg/log"
	"github.com/raterudder/eemeter/pkg/storage"
	"github.com/raterudder/eemeter/pkg/types"
)

// temperature is a smooth seasonal curve in degF peaking mid July.
func temperature(d time.Time) float64 {
	return 52 - 25*math.Cos(2*math.Pi*float64(d.YearDay()-15)/365)
}

// usage returns a day of consumption for a building with the given balance
// points and slopes, scaled by savings once the retrofit is done.
func usage(rng *rand.Rand, d time.Time, base, hs, cs, savings float64) float64 {
	t := temperature(d)
	u := base + hs*math.Max(0, 60-t) + cs*math.Max(0, t-70)
	u *= 1 - savings
	return math.Max(0, u*(1+(rng.Float64()-0.5)*0.1))
}

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	groupID := lflag.String("seed-group-id", "sample", "ID of the project group to seed")
	projects := 5
	lflag.JSON(&projects, "seed-projects", projects, "Number of projects to seed into the group")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding sample portfolio", "groupID", *groupID, "projects", projects)

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	baselineStart := time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC)
	retrofit := time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)
	reportingStart := retrofit.AddDate(0, 1, 0)
	end := time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now()

	group := types.ProjectGroup{
		ID:    *groupID,
		Name:  "Sample portfolio",
		Added: now,
	}
	for i := 0; i < projects; i++ {
		lat := 41.8 + rng.Float64()*0.2
		lng := -87.7 + rng.Float64()*0.2
		project := types.Project{
			ID:              fmt.Sprintf("%s-project-%d", *groupID, i+1),
			Name:            fmt.Sprintf("Sample project %d", i+1),
			BaselinePeriod:  types.Period{End: retrofit},
			ReportingPeriod: types.Period{Start: reportingStart},
			Latitude:        &lat,
			Longitude:       &lng,
			Added:           now,
			Updated:         now,
		}
		if err := s.UpsertProject(ctx, project); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed project", "error", err)
			os.Exit(1)
		}
		group.ProjectIDs = append(group.ProjectIDs, project.ID)

		savings := 0.05 + rng.Float64()*0.2
		saved := func(d time.Time) float64 {
			if d.Before(retrofit) {
				return 0
			}
			return savings
		}

		// daily electricity readings
		elec := types.ConsumptionMetadata{
			ID:         project.ID + "-electricity",
			ProjectID:  project.ID,
			FuelType:   types.FuelTypeElectricity,
			EnergyUnit: types.EnergyUnitKWH,
			Added:      now,
		}
		base, hs, cs := 15+rng.Float64()*10, 0.2+rng.Float64()*0.3, 1+rng.Float64()
		for d := baselineStart; d.Before(end); d = d.AddDate(0, 0, 1) {
			v := usage(rng, d, base, hs, cs, saved(d))
			elec.Records = append(elec.Records, types.ConsumptionRecord{Start: d, Value: &v})
		}
		elec.Records = append(elec.Records, types.ConsumptionRecord{Start: end})
		if err := s.UpsertConsumption(ctx, elec); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed electricity", "error", err)
			os.Exit(1)
		}

		// every other project also burns gas, read monthly
		if i%2 != 0 {
			continue
		}
		gas := types.ConsumptionMetadata{
			ID:         project.ID + "-natural_gas",
			ProjectID:  project.ID,
			FuelType:   types.FuelTypeNaturalGas,
			EnergyUnit: types.EnergyUnitTherm,
			Added:      now,
		}
		gasBase, gasHS := 0.5+rng.Float64(), 0.1+rng.Float64()*0.1
		for m := baselineStart; m.Before(end); m = m.AddDate(0, 1, 0) {
			var total float64
			for d := m; d.Before(m.AddDate(0, 1, 0)); d = d.AddDate(0, 0, 1) {
				total += usage(rng, d, gasBase, gasHS, 0, saved(d))
			}
			gas.Records = append(gas.Records, types.ConsumptionRecord{Start: m, Value: &total})
		}
		gas.Records = append(gas.Records, types.ConsumptionRecord{Start: end})
		if err := s.UpsertConsumption(ctx, gas); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed natural gas", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded %s (%.0f%% savings after %s)\n", project.ID, savings*100, retrofit.Format(time.DateOnly))
	}

	if err := s.UpsertProjectGroup(ctx, group); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed project group", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded sample portfolio successfully")
}
