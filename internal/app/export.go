package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"listing-alerts/internal/storage"
)

// Export renders an entity's observation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.EntityID <= 0 {
		return errors.New("--entity must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := store.ListObservationsBetween(ctx, opts.EntityID, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Int64("entity_id", opts.EntityID).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleObservations(observations []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"recorded_at", "price", "rank", "rating", "review_count", "in_stock", "collection_succeeded", "collection_error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := []string{
			obs.RecordedAt.Format(time.RFC3339),
			decimalField(obs.Price),
			intField(obs.Rank),
			decimalField(obs.Rating),
			intField(obs.ReviewCount),
			boolField(obs.InStock),
			boolValue(obs.CollectionSucceeded),
			stringField(obs.CollectionError),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeObservationsPNG(path string, observations []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		priceX []time.Time
		priceY []float64
		rankX  []time.Time
		rankY  []float64
	)
	for _, obs := range observations {
		if obs.Price != nil {
			priceX = append(priceX, obs.RecordedAt)
			priceY = append(priceY, obs.Price.InexactFloat64())
		}
		if obs.Rank != nil {
			rankX = append(rankX, obs.RecordedAt)
			rankY = append(rankY, float64(*obs.Rank))
		}
	}
	if len(priceY) < 2 && len(rankY) < 2 {
		return errors.New("not enough numeric observations to chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Rank",
			ValueFormatter: valueFormatter,
		},
	}
	if len(priceY) >= 2 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Price",
			XValues: priceX,
			YValues: priceY,
		})
	}
	if len(rankY) >= 2 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Rank",
			XValues: rankX,
			YValues: rankY,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func decimalField(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func intField(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func boolField(v *bool) string {
	if v == nil {
		return ""
	}
	return boolValue(*v)
}

func boolValue(v bool) string {
	return strconv.FormatBool(v)
}

func stringField(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
