package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"venuecore/internal/app"
	"venuecore/internal/domain"
	"venuecore/internal/modules/catalog"
	"venuecore/internal/modules/tables"
)

func newSeedCmd() *cobra.Command {
	var days int
	c := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo dinner event and a dining room floor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return Seed(cmd.Context(), a, time.Now().UTC().AddDate(0, 0, days), cmd.OutOrStdout())
		},
	}
	c.Flags().IntVar(&days, "days-ahead", 7, "how far ahead the demo evening is")
	return c
}

// Seed creates one ticketed event and one table pool with a small floor
// plan for the evening of day.
func Seed(ctx context.Context, a *app.App, day time.Time, out io.Writer) error {
	evening := time.Date(day.Year(), day.Month(), day.Day(), 19, 0, 0, 0, a.Config.Timezone).UTC()

	seats := 40
	event, err := a.Catalog.CreateResource(ctx, catalog.CreateResourceRequest{
		Name:         "Chef's table tasting",
		Kind:         domain.ResourceEvent,
		Capacity:     &seats,
		Area:         "mezzanine",
		PricePerUnit: 4500,
		StartsAt:     evening,
		EndsAt:       evening.Add(3 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("seed event: %w", err)
	}
	fmt.Fprintf(out, "event      %s  %s\n", event.ID, event.Name)

	slots := 8
	pool, err := a.Catalog.CreateResource(ctx, catalog.CreateResourceRequest{
		Name:     "Dinner service",
		Kind:     domain.ResourceTablePool,
		Capacity: &slots,
		Area:     "main",
		StartsAt: evening,
		EndsAt:   evening.Add(2 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("seed table pool: %w", err)
	}
	fmt.Fprintf(out, "table pool %s  %s\n", pool.ID, pool.Name)

	layout := []struct {
		label    string
		capacity int
		area     string
	}{
		{"T1", 2, "window"},
		{"T2", 2, "window"},
		{"T3", 4, "main"},
		{"T4", 4, "main"},
		{"T5", 6, "main"},
		{"B1", 8, "booth"},
	}
	ids := make(map[string]*domain.DiningTable, len(layout))
	for _, l := range layout {
		t, err := a.Tables.CreateTable(ctx, tables.CreateTableRequest{
			ResourceID: pool.ID,
			Label:      l.label,
			Capacity:   l.capacity,
			Area:       l.area,
		})
		if err != nil {
			return fmt.Errorf("seed table %s: %w", l.label, err)
		}
		ids[l.label] = t
	}
	for _, pair := range [][2]string{{"T1", "T2"}, {"T3", "T4"}, {"T4", "T5"}} {
		if _, err := a.Tables.CreateLink(ctx, pool.ID, ids[pair[0]].ID, ids[pair[1]].ID); err != nil {
			return fmt.Errorf("seed link %s-%s: %w", pair[0], pair[1], err)
		}
	}
	fmt.Fprintf(out, "tables     %d, joinable pairs 3\n", len(layout))
	return nil
}
