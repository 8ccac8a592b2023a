package writer

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

func sampleUpdate() models.QuoteUpdate {
	return models.QuoteUpdate{
		BatchID: "batch-1",
		Mode:    models.ModePolling,
		Record: models.QuoteRecord{
			Instrument: models.InstrumentRef{
				DisplayName:    "Infosys",
				ExchangeSymbol: "INFY",
				Segment:        models.SegmentNSEEquity,
			},
			LastPrice: decimal.NullDecimal{Decimal: decimal.NewFromFloat(1500.5), Valid: true},
			PrevClose: decimal.NewFromFloat(1490),
			Volume:    123456,
			AsOf:      time.Unix(1700000000, 0).UTC(),
		},
	}
}

func TestToRow(t *testing.T) {
	row := toRow(sampleUpdate())
	if row.Symbol != "INFY" || row.Segment != "NSE_EQ" {
		t.Fatalf("unexpected identity: %+v", row)
	}
	if !row.HasPrice || row.LastPrice != 1500.5 {
		t.Fatalf("unexpected price: %+v", row)
	}
	if row.Mode != "polling" || row.BatchID != "batch-1" {
		t.Fatalf("unexpected envelope: %+v", row)
	}
	if row.AsOf != 1700000000000 {
		t.Fatalf("unexpected as_of: %d", row.AsOf)
	}
}

func TestToRowNullPrice(t *testing.T) {
	upd := sampleUpdate()
	upd.Record.LastPrice = decimal.NullDecimal{}
	row := toRow(upd)
	if row.HasPrice {
		t.Fatal("has_price should be false")
	}
	if row.LastPrice != 0 {
		t.Fatalf("null price should archive as zero, got %v", row.LastPrice)
	}
}

func TestHistoryFlushWritesParquet(t *testing.T) {
	dir := t.TempDir()
	w := NewHistoryWriter(appconfig.HistoryConfig{Enabled: true, Dir: dir})
	w.buffer = append(w.buffer, toRow(sampleUpdate()), toRow(sampleUpdate()))

	w.flush("test")

	if len(w.buffer) != 0 {
		t.Fatalf("buffer should be cleared, has %d rows", len(w.buffer))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one parquet file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "quotes_") || !strings.HasSuffix(name, ".parquet") {
		t.Fatalf("unexpected file name %q", name)
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("parquet file should not be empty")
	}
}

func TestHistoryFlushEmptyBufferIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewHistoryWriter(appconfig.HistoryConfig{Enabled: true, Dir: dir})

	w.flush("test")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}
