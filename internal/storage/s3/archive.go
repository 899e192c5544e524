package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Manifest describes one archive run: the rows removed from a table by a
// cleanup rule, stored as gzipped NDJSON parts plus this metadata object.
type Manifest struct {
	ID                string    `json:"archive_id"`
	Database          string    `json:"database"`
	Table             string    `json:"table"`
	Cutoff            time.Time `json:"cutoff"`
	RowCount          int64     `json:"row_count"`
	UncompressedBytes int64     `json:"uncompressed_bytes"`
	CompressedBytes   int64     `json:"compressed_bytes"`
	Parts             []Part    `json:"parts"`
	CreatedAt         time.Time `json:"created_at"`
}

// Part is one uploaded object within an archive.
type Part struct {
	Number   int    `json:"part_number"`
	Key      string `json:"key"`
	Rows     int64  `json:"row_count"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
}

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	// MaxPartRows is the maximum number of rows per uploaded part.
	MaxPartRows int `json:"max_part_rows" yaml:"max_part_rows"`

	// PathTemplate for part keys (supports {database}, {table}, {date}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		MaxPartRows:  50000,
		PathTemplate: "{database}/{table}/{date}/{id}.ndjson.gz",
	}
}

// Archiver writes rows to S3 before cleanup deletes them, so that archived
// data can be restored and verified later.
type Archiver struct {
	client *Client
	config *ArchiverConfig
	logger *slog.Logger
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if cfg.MaxPartRows <= 0 {
		cfg.MaxPartRows = DefaultArchiverConfig().MaxPartRows
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultArchiverConfig().PathTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, config: cfg, logger: logger}
}

// ArchiveRows uploads the given rows as gzipped NDJSON plus a manifest.
// Returns nil with no error when rows is empty. The delete that follows an
// archive must not run unless this returns successfully.
func (a *Archiver) ArchiveRows(ctx context.Context, database, table string, cutoff time.Time, rows []map[string]any) (*Manifest, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	manifest := &Manifest{
		ID:        uuid.New().String(),
		Database:  database,
		Table:     table,
		Cutoff:    cutoff,
		RowCount:  int64(len(rows)),
		CreatedAt: time.Now().UTC(),
	}

	for start := 0; start < len(rows); start += a.config.MaxPartRows {
		end := start + a.config.MaxPartRows
		if end > len(rows) {
			end = len(rows)
		}

		part, err := a.uploadPart(ctx, manifest, len(manifest.Parts)+1, rows[start:end])
		if err != nil {
			return nil, fmt.Errorf("s3: failed to archive part %d: %w", len(manifest.Parts)+1, err)
		}
		manifest.Parts = append(manifest.Parts, *part)
		manifest.CompressedBytes += part.Bytes
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.logger.Info("archived rows",
		slog.String("archive_id", manifest.ID),
		slog.String("database", database),
		slog.String("table", table),
		slog.Int64("rows", manifest.RowCount),
		slog.Int("parts", len(manifest.Parts)),
		slog.Int64("compressed_bytes", manifest.CompressedBytes),
	)

	return manifest, nil
}

func (a *Archiver) uploadPart(ctx context.Context, manifest *Manifest, partNum int, rows []map[string]any) (*Part, error) {
	compressed, rawSize, err := encodeRows(rows)
	if err != nil {
		return nil, err
	}
	manifest.UncompressedBytes += rawSize

	sum := sha256.Sum256(compressed)
	key := a.partKey(manifest, partNum)

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        compressed,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"database":   manifest.Database,
			"table":      manifest.Table,
			"row-count":  fmt.Sprintf("%d", len(rows)),
			"archive-id": manifest.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Part{
		Number:   partNum,
		Key:      key,
		Rows:     int64(len(rows)),
		Bytes:    int64(len(compressed)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// encodeRows serializes rows as NDJSON and gzips the result, returning the
// compressed bytes and the uncompressed size.
func encodeRows(rows []map[string]any) ([]byte, int64, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, 0, fmt.Errorf("failed to encode row: %w", err)
		}
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return nil, 0, fmt.Errorf("failed to compress part: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to compress part: %w", err)
	}

	return compressed.Bytes(), int64(raw.Len()), nil
}

// decodeRows reverses encodeRows.
func decodeRows(compressed []byte) ([]map[string]any, error) {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rows, nil
}

func (a *Archiver) partKey(manifest *Manifest, partNum int) string {
	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{database}", manifest.Database)
	key = strings.ReplaceAll(key, "{table}", manifest.Table)
	key = strings.ReplaceAll(key, "{date}", manifest.CreatedAt.Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", fmt.Sprintf("%s-part-%d", manifest.ID, partNum))
	return key
}

func manifestKey(database, table, archiveID string) string {
	return fmt.Sprintf("manifests/%s.%s/%s.json", database, table, archiveID)
}

func (a *Archiver) uploadManifest(ctx context.Context, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         manifestKey(manifest.Database, manifest.Table, manifest.ID),
		Body:        data,
		ContentType: "application/json",
		Metadata: map[string]string{
			"archive-id": manifest.ID,
		},
	})
	return err
}

// Restore downloads every part of an archive and returns the decoded rows.
func (a *Archiver) Restore(ctx context.Context, database, table, archiveID string) ([]map[string]any, error) {
	manifest, err := a.GetManifest(ctx, database, table, archiveID)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, manifest.RowCount)
	for _, part := range manifest.Parts {
		partRows, err := a.restorePart(ctx, part)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to restore part %d: %w", part.Number, err)
		}
		rows = append(rows, partRows...)
	}

	a.logger.Info("restored archive",
		slog.String("archive_id", archiveID),
		slog.Int("rows", len(rows)))

	return rows, nil
}

// GetManifest retrieves one archive's manifest.
func (a *Archiver) GetManifest(ctx context.Context, database, table, archiveID string) (*Manifest, error) {
	data, err := a.client.Download(ctx, manifestKey(database, table, archiveID))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to get manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("s3: failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

func (a *Archiver) restorePart(ctx context.Context, part Part) ([]map[string]any, error) {
	compressed, err := a.client.Download(ctx, part.Key)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(compressed)
	if got := hex.EncodeToString(sum[:]); got != part.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", part.Key, got, part.Checksum)
	}

	return decodeRows(compressed)
}

// ListManifests lists the manifests recorded for one table, most useful for
// verifying that an archive landed before its rows were deleted.
func (a *Archiver) ListManifests(ctx context.Context, database, table string) ([]Manifest, error) {
	prefix := fmt.Sprintf("manifests/%s.%s/", database, table)
	objects, err := a.client.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	manifests := make([]Manifest, 0, len(objects))
	for _, obj := range objects {
		data, err := a.client.Download(ctx, obj.Key)
		if err != nil {
			a.logger.Warn("failed to download manifest",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()))
			continue
		}

		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			a.logger.Warn("failed to parse manifest",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()))
			continue
		}
		manifests = append(manifests, manifest)
	}

	return manifests, nil
}
