package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"beaconwatch/internal/storage"
)

// Export renders stored sightings as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListSightingsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no sightings found for export window")
		return nil
	}

	downsampled := downsample(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting sightings")

	if opts.CSVPath != "" {
		if err := writeSightingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeSightingsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeSightingsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsample(records []storage.SightingRecord, max int) []storage.SightingRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[:1]
	}

	result := make([]storage.SightingRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

var exportHeader = []string{
	"received_at",
	"session_id",
	"source_address",
	"peer_address",
	"signal_strength_dbm",
	"tx_power_dbm",
	"sighting_count",
	"frequency_hz",
	"distance_m",
	"elapsed_s",
}

func exportRow(rec storage.SightingRecord) []string {
	tx := ""
	if rec.TxPowerDBm != nil {
		tx = strconv.Itoa(int(*rec.TxPowerDBm))
	}
	return []string{
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		rec.SessionID.String(),
		fmt.Sprintf("%08x", rec.SourceAddress),
		rec.PeerAddress,
		rec.SignalStrengthDBm.String(),
		tx,
		strconv.FormatInt(rec.SightingCount, 10),
		rec.FrequencyHz.String(),
		rec.DistanceMeters.String(),
		rec.ElapsedSeconds.String(),
	}
}

func writeSightingsCSV(path string, records []storage.SightingRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(exportRow(rec)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// writeSightingsPNG plots distance per source with RSSI on the secondary axis.
func writeSightingsPNG(path string, records []storage.SightingRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type series struct {
		x        []time.Time
		distance []float64
	}
	bySource := make(map[uint32]*series)
	order := make([]uint32, 0)
	x := make([]time.Time, len(records))
	rssi := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.ReceivedAt
		rssi[i] = rec.SignalStrengthDBm.InexactFloat64()

		s, ok := bySource[rec.SourceAddress]
		if !ok {
			s = &series{}
			bySource[rec.SourceAddress] = s
			order = append(order, rec.SourceAddress)
		}
		s.x = append(s.x, rec.ReceivedAt)
		s.distance = append(s.distance, rec.DistanceMeters.InexactFloat64())
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Distance (m)",
			ValueFormatter: formatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "RSSI (dBm)",
			ValueFormatter: formatter,
		},
	}
	for _, source := range order {
		s := bySource[source]
		if len(s.x) < 2 {
			continue
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    fmt.Sprintf("%08x", source),
			XValues: s.x,
			YValues: s.distance,
		})
	}
	if len(x) >= 2 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "RSSI",
			XValues: x,
			YValues: rssi,
			YAxis:   chart.YAxisSecondary,
		})
	}
	if len(graph.Series) == 0 {
		return errors.New("not enough sightings to render a chart")
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeSightingsXLSX(path string, records []storage.SightingRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "sightings"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for col, name := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		_ = f.SetCellValue(sheet, cell, name)
	}
	for i, rec := range records {
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), rec.ReceivedAt.UTC().Format(time.RFC3339Nano))
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), rec.SessionID.String())
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), fmt.Sprintf("%08x", rec.SourceAddress))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), rec.PeerAddress)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), rec.SignalStrengthDBm.InexactFloat64())
		if rec.TxPowerDBm != nil {
			_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), int(*rec.TxPowerDBm))
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), rec.SightingCount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row), rec.FrequencyHz.InexactFloat64())
		_ = f.SetCellValue(sheet, fmt.Sprintf("I%d", row), rec.DistanceMeters.InexactFloat64())
		_ = f.SetCellValue(sheet, fmt.Sprintf("J%d", row), rec.ElapsedSeconds.InexactFloat64())
	}

	return f.SaveAs(path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
