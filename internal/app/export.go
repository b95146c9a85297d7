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

	chart "github.com/wcharczuk/go-chart/v2"

	"vrf-raffle/internal/storage"
)

// Export renders completed rounds as CSV and/or a PNG prize chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRounds = a.Config.ResolveMaxRounds(opts.MaxRounds)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	rounds, err := store.ListRoundsBetween(ctx, from, to, opts.MaxRounds)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		a.Logger.Info().Msg("no rounds found for export window")
		return nil
	}
	a.Logger.Info().Int("rounds", len(rounds)).Msg("exporting rounds")

	if opts.CSVPath != "" {
		if err := writeRoundsCSV(opts.CSVPath, rounds); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRoundsPNG(opts.PNGPath, downsampleRounds(rounds, maxChartPoints)); err != nil {
			return err
		}
	}

	return nil
}

const maxChartPoints = 500

// exportWindow defaults to the span MaxRounds back-to-back rounds could cover.
func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxRounds) * a.Config.Raffle.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleRounds(rounds []storage.RoundRecord, max int) []storage.RoundRecord {
	if max <= 1 || len(rounds) <= max {
		return rounds
	}

	result := make([]storage.RoundRecord, 0, max)
	step := float64(len(rounds)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rounds) {
			idx = len(rounds) - 1
		}
		result = append(result, rounds[idx])
	}
	return result
}

func writeRoundsCSV(path string, rounds []storage.RoundRecord) error {
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

	header := []string{"round", "completed_at", "winner", "prize_wei", "prize_eth", "players", "request_id", "random_word"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, round := range rounds {
		record := []string{
			strconv.FormatInt(round.Round, 10),
			round.CompletedAt.UTC().Format(time.RFC3339),
			round.Winner,
			round.PrizeWei.String(),
			formatWei(round.PrizeWei),
			strconv.Itoa(round.Players),
			round.RequestID.String(),
			round.RandomWord.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRoundsPNG(path string, rounds []storage.RoundRecord) error {
	if len(rounds) < 2 {
		return errors.New("at least two rounds are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rounds))
	prize := make([]float64, len(rounds))
	players := make([]float64, len(rounds))

	for i, round := range rounds {
		x[i] = round.CompletedAt
		prize[i] = round.PrizeWei.Shift(-18).InexactFloat64()
		players[i] = float64(round.Players)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Prize (ETH)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Players",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Prize",
				XValues: x,
				YValues: prize,
			},
			chart.TimeSeries{
				Name:    "Players",
				XValues: x,
				YValues: players,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
