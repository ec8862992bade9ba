package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"supply-integrity/internal/integrity"
	"supply-integrity/internal/storage"
)

// Export renders a batch's transfer timeline as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.BatchID == "" {
		return errors.New("--batch is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	c, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	view, err := c.service.History(ctx, opts.BatchID)
	if err != nil {
		return err
	}
	if len(view.History) == 0 {
		a.Logger.Info().Str("batch_id", opts.BatchID).Msg("no transfers found for batch")
		return nil
	}

	transfers := downsampleTransfers(view.History, opts.MaxPoints)
	a.Logger.Info().
		Str("batch_id", opts.BatchID).
		Int("total", len(view.History)).
		Int("exported", len(transfers)).
		Int("alerts", len(view.Alerts)).
		Msg("exporting batch timeline")

	if opts.CSVPath != "" {
		if err := writeTimelineCSV(opts.CSVPath, transfers, view.Alerts); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTimelinePNG(opts.PNGPath, view.History, view.Alerts, opts.MaxPoints); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTransfers(transfers []storage.Transfer, max int) []storage.Transfer {
	if max <= 0 || len(transfers) <= max {
		return transfers
	}
	if max == 1 {
		return transfers[len(transfers)-1:]
	}

	result := make([]storage.Transfer, 0, max)
	step := float64(len(transfers)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(transfers) {
			idx = len(transfers) - 1
		}
		result = append(result, transfers[idx])
	}
	return result
}

// writeTimelineCSV writes transfers in recorded order followed by alerts.
func writeTimelineCSV(path string, transfers []storage.Transfer, alerts []storage.Alert) error {
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

	header := []string{"kind", "time_utc", "timestamp_ms", "from", "to", "location", "block_number", "tx_hash", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, t := range transfers {
		block := ""
		if t.BlockNumber != nil {
			block = strconv.FormatUint(*t.BlockNumber, 10)
		}
		record := []string{
			"transfer",
			formatMillis(t.Timestamp),
			strconv.FormatInt(t.Timestamp, 10),
			t.From,
			t.To,
			t.Location,
			block,
			t.TxHash,
			"",
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	for _, al := range alerts {
		record := []string{
			"alert",
			formatMillis(al.Timestamp),
			strconv.FormatInt(al.Timestamp, 10),
			"", "", "", "", "",
			al.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeTimelinePNG plots cumulative transfers and the integrity score as alerts
// accumulate.
func writeTimelinePNG(path string, transfers []storage.Transfer, alerts []storage.Alert, maxPoints int) error {
	points := downsampleTransfers(sortedByTimestamp(transfers), maxPoints)
	if len(points) < 2 || points[0].Timestamp == points[len(points)-1].Timestamp {
		return errors.New("at least two transfers with distinct timestamps are needed for a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	alertTimes := make([]int64, 0, len(alerts))
	for _, al := range alerts {
		alertTimes = append(alertTimes, al.Timestamp)
	}
	sort.Slice(alertTimes, func(i, j int) bool { return alertTimes[i] < alertTimes[j] })

	x := make([]time.Time, len(points))
	count := make([]float64, len(points))
	score := make([]float64, len(points))

	total := len(transfers)
	for i, t := range points {
		x[i] = time.UnixMilli(t.Timestamp).UTC()
		// cumulative position within the full history, not the sample
		count[i] = float64(1 + int(math.Round(float64(i)*float64(total-1)/float64(len(points)-1))))
		raised := sort.Search(len(alertTimes), func(k int) bool { return alertTimes[k] > t.Timestamp })
		score[i] = float64(integrity.Score(raised))
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Transfers",
			ValueFormatter: countFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Integrity score",
			ValueFormatter: countFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Transfers",
				XValues: x,
				YValues: count,
			},
			chart.TimeSeries{
				Name:    "Integrity score",
				XValues: x,
				YValues: score,
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

func sortedByTimestamp(transfers []storage.Transfer) []storage.Transfer {
	out := make([]storage.Transfer, len(transfers))
	copy(out, transfers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
