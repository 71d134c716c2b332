// Package archive moves finished task records out of the live store into
// JSON-lines objects on S3 or a local directory.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"taskdb/internal/adapter"
	"taskdb/internal/config"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/telemetry"
)

// Source is the record store being archived. *store.Engine satisfies it.
type Source interface {
	FindRecords(ctx context.Context, expr query.Expression, fields ...record.Field) ([]record.Record, error)
	DropMatchingRecords(ctx context.Context, expr query.Expression) error
	Flush(ctx context.Context) error
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes matching records to one object per run, then drops them.
type Archiver struct {
	src    Source
	up     uploader
	prefix string
	table  string
	codec  *adapter.Codec
	logger *slog.Logger
	now    func() time.Time
}

// Result describes one archive run.
type Result struct {
	Location string
	Records  int
}

// New picks the S3 uploader when a bucket is configured and a directory
// under cfg.Location otherwise.
func New(ctx context.Context, cfg config.Config, src Source, logger *slog.Logger) (*Archiver, error) {
	var up uploader
	if cfg.ArchiveBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ArchiveBucket}
	} else {
		up = &localUploader{baseDir: filepath.Join(cfg.Location, "archive")}
	}
	return newArchiver(src, up, cfg.ArchivePrefix, cfg.TableName(), logger), nil
}

func newArchiver(src Source, up uploader, prefix, table string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		src:    src,
		up:     up,
		prefix: prefix,
		table:  table,
		codec:  adapter.New(),
		logger: logger,
		now:    time.Now,
	}
}

// Archive uploads every record matching expr and then drops exactly those
// records. Nothing is dropped unless the upload succeeded.
func (a *Archiver) Archive(ctx context.Context, expr query.Expression) (Result, error) {
	recs, err := a.src.FindRecords(ctx, expr)
	if err != nil {
		return Result{}, err
	}
	if len(recs) == 0 {
		return Result{}, nil
	}

	body, err := a.encode(recs)
	if err != nil {
		return Result{}, err
	}
	key := path.Join(a.prefix, a.table, fmt.Sprintf("%s-%s.jsonl", a.now().UTC().Format("20060102T150405Z"), uuid.NewString()))
	loc, err := a.up.Upload(ctx, key, body, "application/x-ndjson")
	if err != nil {
		return Result{}, fmt.Errorf("upload archive: %w", err)
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID()
	}
	if err := a.src.DropMatchingRecords(ctx, query.Expression{string(record.FieldID): query.Ops{string(query.OpIn): ids}}); err != nil {
		return Result{Location: loc}, fmt.Errorf("drop archived records: %w", err)
	}
	if err := a.src.Flush(ctx); err != nil {
		return Result{Location: loc}, fmt.Errorf("flush after archive: %w", err)
	}
	telemetry.ArchivedRecords.Add(float64(len(recs)))
	a.logger.Info("archived records", "table", a.table, "records", len(recs), "location", loc)
	return Result{Location: loc, Records: len(recs)}, nil
}

// encode renders one exported record per line.
func (a *Archiver) encode(recs []record.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(a.codec.Export(r)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.ID(), err)
		}
	}
	return buf.Bytes(), nil
}
