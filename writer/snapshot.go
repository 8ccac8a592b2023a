package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
)

// snapshotEntry is one raw upstream payload as it arrived, before any
// normalization. Payload is kept verbatim so an odd shape can be replayed
// later.
type snapshotEntry struct {
	Timestamp time.Time       `json:"ts"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// SnapshotWriter archives raw upstream payloads as date-partitioned JSONL
// files, optionally mirrored to S3. Offer never blocks the fetch path; a full
// buffer drops the snapshot.
type SnapshotWriter struct {
	config   appconfig.SnapshotConfig
	entries  chan snapshotEntry
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewSnapshotWriter(cfg appconfig.SnapshotConfig) (*SnapshotWriter, error) {
	log := logger.GetLogger()

	w := &SnapshotWriter{
		config:  cfg,
		entries: make(chan snapshotEntry, 256),
		wg:      &sync.WaitGroup{},
		log:     log,
	}

	if cfg.S3.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws configuration: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg)
	}

	log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"dir":        cfg.Dir,
		"s3_enabled": cfg.S3.Enabled,
	}).Debug("snapshot writer initialized")

	return w, nil
}

// Offer queues one raw payload for archival. Payloads are copied because the
// caller may reuse its buffer.
func (w *SnapshotWriter) Offer(source string, payload []byte) {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		return
	}

	entry := snapshotEntry{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   append([]byte(nil), payload...),
	}
	select {
	case w.entries <- entry:
	default:
		w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
			"source": source,
		}).Warn("snapshot buffer full, dropping payload")
	}
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("snapshot_writer").Debug("snapshot writer started")
	return nil
}

func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("snapshot_writer").Debug("snapshot writer stopped")
}

func (w *SnapshotWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"worker": "append"})
	for {
		select {
		case <-w.ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case entry := <-w.entries:
			if err := w.append(entry); err != nil {
				log.WithError(err).Error("failed to append snapshot")
			}
		}
	}
}

// append writes one JSONL line to the day's file for the entry's source and
// mirrors the line to S3 when configured.
func (w *SnapshotWriter) append(entry snapshotEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal snapshot entry: %w", err)
	}
	line = append(line, '\n')

	day := entry.Timestamp.Format("2006-01-02")
	dir := filepath.Join(w.config.Dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	path := filepath.Join(dir, entry.Source+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot line: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}

	logger.IncrementSnapshotWrite(int64(len(line)))

	if w.s3Client != nil {
		w.uploadToS3(day, entry, line)
	}
	return nil
}

// uploadToS3 stores the entry as an individual object. Upload failures are
// logged and dropped; the local copy is the durable one.
func (w *SnapshotWriter) uploadToS3(day string, entry snapshotEntry, line []byte) {
	key := fmt.Sprintf("%s/%s/%s/%s.json",
		w.config.S3.Prefix, day, entry.Source, uuid.New().String())

	_, err := w.s3Client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(line),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		w.log.WithComponent("snapshot_writer").WithError(err).WithFields(logger.Fields{
			"bucket": w.config.S3.Bucket,
			"key":    key,
		}).Warn("s3 snapshot upload failed")
		return
	}

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"bucket": w.config.S3.Bucket,
		"key":    key,
	}).Debug("snapshot mirrored to s3")
}
