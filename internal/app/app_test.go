package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"supply-integrity/internal/config"
	"supply-integrity/internal/integrity"
	"supply-integrity/internal/storage"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Driver: storage.DriverSQLite,
			SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "batchguard.db")},
		},
		Detector: config.DetectorConfig{SerializeBatches: true},
		Export:   config.ExportConfig{MaxDataPoints: 1000},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func seedTamperedBatch(t *testing.T, a *App, out *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.OpenSQLite(a.Config.Storage.SQLite.Path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := store.UpsertBatch(ctx, storage.Batch{BatchID: "B1", ProductName: "Manuka\tHoney", Status: storage.StatusManufactured, BatchNumber: 1}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	steps := []SimulateOptions{
		{BatchID: "B1", From: "0xA", To: "0xB", Timestamp: 1_700_000_000_000},
		{BatchID: "B1", From: "0xB", To: "0xB", Timestamp: 1_700_000_100_000},
		{BatchID: "B1", From: "0xA", To: "0xB", Timestamp: 1_700_000_050_000, Location: "Port"},
	}
	for _, step := range steps {
		if err := a.SimulateTransfer(ctx, step); err != nil {
			t.Fatalf("simulate %+v: %v", step, err)
		}
	}
	out.Reset()
}

func TestSimulateTransferPrintsOutcome(t *testing.T) {
	a, out := newTestApp(t)
	err := a.SimulateTransfer(context.Background(), SimulateOptions{BatchID: "B9", From: "0xA", To: "0xA"})
	if err != nil {
		t.Fatalf("SimulateTransfer: %v", err)
	}

	var got struct {
		Transfer  storage.Transfer `json:"transfer"`
		Alerts    []storage.Alert  `json:"alerts"`
		Integrity integrity.Report `json:"integrity"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if got.Transfer.Timestamp <= 0 || len(got.Alerts) != 1 || got.Integrity.Score != 70 {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestSimulateTransferRejectsInvalid(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.SimulateTransfer(context.Background(), SimulateOptions{BatchID: "B9", From: "0xA"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestIntegrityAndShow(t *testing.T) {
	a, out := newTestApp(t)
	seedTamperedBatch(t, a, out)

	if err := a.Integrity(context.Background(), "B1"); err != nil {
		t.Fatalf("Integrity: %v", err)
	}
	var report integrity.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Score != 10 || report.Status != integrity.StatusTampered || len(report.Alerts) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	out.Reset()
	if err := a.Show(context.Background(), ShowOptions{Limit: 10}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", out.String())
	}
	for _, want := range []string{"B1", "Manuka Honey", "TAMPERED", "10"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row %q missing %q", lines[1], want)
		}
	}

	if err := a.Integrity(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty batch id")
	}
}

func TestShowEmpty(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.Show(context.Background(), ShowOptions{}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "no batches found" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExportCSVAndPNG(t *testing.T) {
	a, out := newTestApp(t)
	seedTamperedBatch(t, a, out)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "b1.csv")
	pngPath := filepath.Join(dir, "out", "b1.png")
	if err := a.Export(context.Background(), ExportOptions{BatchID: "B1", CSVPath: csvPath, PNGPath: pngPath}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 1+3+3 {
		t.Fatalf("expected 7 rows, got %d", len(rows))
	}
	if rows[1][0] != "transfer" || rows[3][5] != "Port" || rows[6][0] != "alert" {
		t.Fatalf("unexpected csv layout: %v", rows)
	}

	png, err := os.ReadFile(pngPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("png output missing signature")
	}
}

func TestExportValidation(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}); err == nil {
		t.Fatal("expected error without batch")
	}
	if err := a.Export(context.Background(), ExportOptions{BatchID: "B1"}); err == nil {
		t.Fatal("expected error without outputs")
	}
	// unknown batch exports nothing
	path := filepath.Join(t.TempDir(), "none.csv")
	if err := a.Export(context.Background(), ExportOptions{BatchID: "none", CSVPath: path}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("no file expected for empty batch")
	}
}

func TestDownsampleTransfers(t *testing.T) {
	in := make([]storage.Transfer, 10)
	for i := range in {
		in[i].Timestamp = int64(i)
	}
	out := downsampleTransfers(in, 4)
	if len(out) != 4 || out[0].Timestamp != 0 || out[3].Timestamp != 9 {
		t.Fatalf("unexpected downsample: %+v", out)
	}
	if len(downsampleTransfers(in, 0)) != 10 || len(downsampleTransfers(in, 1)) != 1 {
		t.Fatal("unexpected passthrough behaviour")
	}
}

func TestBackfillAndMigrateRequireConfig(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Backfill(context.Background(), BackfillOptions{FromBlock: 1, ToBlock: 10}); err == nil {
		t.Fatal("expected error without chain config")
	}
	if err := a.Backfill(context.Background(), BackfillOptions{FromBlock: 10, ToBlock: 1}); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if err := a.Migrate(context.Background(), "up"); err == nil {
		t.Fatal("expected error for sqlite driver")
	}
}
