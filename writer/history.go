package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

const (
	historyFlushInterval = 5 * time.Minute
	historyFlushRows     = 500
)

// QuoteRow is the parquet layout for one archived quote.
type QuoteRow struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Segment   string  `parquet:"name=segment, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mode      string  `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatchID   string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	HasPrice  bool    `parquet:"name=has_price, type=BOOLEAN"`
	LastPrice float64 `parquet:"name=last_price, type=DOUBLE"`
	PrevClose float64 `parquet:"name=prev_close, type=DOUBLE"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
	AsOf      int64   `parquet:"name=as_of, type=INT64"`
}

// HistoryWriter archives every delivered quote as parquet for later analysis.
// Rows are buffered and flushed on a timer or when the buffer fills, one file
// per flush.
type HistoryWriter struct {
	config  appconfig.HistoryConfig
	updates chan models.QuoteUpdate
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	buffer []QuoteRow
}

func NewHistoryWriter(cfg appconfig.HistoryConfig) *HistoryWriter {
	return &HistoryWriter{
		config:  cfg,
		updates: make(chan models.QuoteUpdate, 512),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Record queues one update for archival without blocking the delivery path.
func (w *HistoryWriter) Record(upd models.QuoteUpdate) {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		return
	}

	select {
	case w.updates <- upd:
	default:
		w.log.WithComponent("history_writer").Warn("history buffer full, dropping row")
	}
}

func (w *HistoryWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("history writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"dir": w.config.Dir,
	}).Debug("history writer started")
	return nil
}

func (w *HistoryWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("history_writer").Debug("history writer stopped")
}

func (w *HistoryWriter) worker() {
	defer w.wg.Done()

	ticker := time.NewTicker(historyFlushInterval)
	defer ticker.Stop()

	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{"worker": "flush"})
	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			log.Debug("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			w.flush("interval")
		case upd := <-w.updates:
			w.buffer = append(w.buffer, toRow(upd))
			if len(w.buffer) >= historyFlushRows {
				w.flush("buffer_full")
			}
		}
	}
}

func toRow(upd models.QuoteUpdate) QuoteRow {
	rec := upd.Record
	row := QuoteRow{
		Symbol:    rec.Instrument.ExchangeSymbol,
		Segment:   string(rec.Instrument.Segment),
		Mode:      string(upd.Mode),
		BatchID:   upd.BatchID,
		HasPrice:  rec.LastPrice.Valid,
		PrevClose: rec.PrevClose.InexactFloat64(),
		Open:      rec.Open.InexactFloat64(),
		High:      rec.High.InexactFloat64(),
		Low:       rec.Low.InexactFloat64(),
		Volume:    rec.Volume,
		AsOf:      rec.AsOf.UnixMilli(),
	}
	if rec.LastPrice.Valid {
		row.LastPrice = rec.LastPrice.Decimal.InexactFloat64()
	}
	return row
}

// flush writes the buffered rows to one parquet file. The buffer is kept on
// write failures so a transient disk issue only delays the archive.
func (w *HistoryWriter) flush(reason string) {
	if len(w.buffer) == 0 {
		return
	}

	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"reason": reason,
		"rows":   len(w.buffer),
	})

	name := fmt.Sprintf("quotes_%s_%s.parquet",
		time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	path := filepath.Join(w.config.Dir, name)

	if err := writeParquet(path, w.buffer); err != nil {
		log.WithError(err).Error("failed to flush history rows")
		return
	}

	logger.IncrementHistoryRows(len(w.buffer))
	log.WithFields(logger.Fields{"file": name}).Info("history rows flushed")
	w.buffer = w.buffer[:0]
}

func writeParquet(path string, rows []QuoteRow) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := parquetwriter.NewParquetWriter(fw, new(QuoteRow), 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}
