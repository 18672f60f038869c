package completion

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/parquet-go/parquet-go"
)

// ExportFormat identifies a serialization format for ledger exports.
type ExportFormat string

const (
	ExportFormatCSV     ExportFormat = "csv"
	ExportFormatJSON    ExportFormat = "json"
	ExportFormatJSONL   ExportFormat = "jsonl"
	ExportFormatParquet ExportFormat = "parquet"
)

// ParseExportFormat parses a format name. An empty string defaults to CSV.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return ExportFormatCSV, nil
	case "json":
		return ExportFormatJSON, nil
	case "jsonl":
		return ExportFormatJSONL, nil
	case "parquet":
		return ExportFormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// S3ExportConfig carries the optional S3 settings for s3:// export
// destinations. Zero values defer to the ambient AWS environment.
type S3ExportConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ExportOptions describes one ledger export.
type ExportOptions struct {
	Destination string // local file path or s3://bucket/key
	Format      ExportFormat
	Days        int // trailing window in days; 0 exports the full ledger
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	Records     int
	Destination string
}

// exportRecord is the flat row shape shared by every export format.
type exportRecord struct {
	ID        string  `json:"id" parquet:"id"`
	Timestamp string  `json:"timestamp" parquet:"timestamp"`
	Backend   string  `json:"backend" parquet:"backend"`
	Model     string  `json:"model" parquet:"model"`
	Tokens    int64   `json:"tokens" parquet:"tokens"`
	CostUSD   float64 `json:"cost_usd" parquet:"cost_usd"`
	Category  string  `json:"category" parquet:"category"`
	Success   bool    `json:"success" parquet:"success"`
	LatencyMS int64   `json:"latency_ms" parquet:"latency_ms"`
}

var exportHeader = []string{"id", "timestamp", "backend", "model", "tokens", "cost_usd", "category", "success", "latency_ms"}

func toExportRecord(r UsageRecord) exportRecord {
	return exportRecord{
		ID:        r.ID,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Backend:   r.Backend,
		Model:     r.Model,
		Tokens:    int64(r.Tokens),
		CostUSD:   r.CostUSD,
		Category:  r.Category,
		Success:   r.Success,
		LatencyMS: r.LatencyMS,
	}
}

// ExportUsage serializes ledger records from the trailing window and writes
// them to a local file or an S3 object.
func (s *Service) ExportUsage(ctx context.Context, opts ExportOptions) (*ExportResult, error) {
	if opts.Destination == "" {
		return nil, fmt.Errorf("export destination is required")
	}
	format := opts.Format
	if format == "" {
		format = ExportFormatCSV
	}

	var cutoff time.Time
	if opts.Days > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -opts.Days)
	}
	records := s.guard.RecordsSince(cutoff)

	rows := make([]exportRecord, len(records))
	for i, r := range records {
		rows[i] = toExportRecord(r)
	}

	var buf bytes.Buffer
	if err := writeExportRows(&buf, format, rows); err != nil {
		return nil, err
	}

	if strings.HasPrefix(opts.Destination, "s3://") {
		if err := s.uploadToS3(ctx, opts.Destination, &buf); err != nil {
			return nil, err
		}
	} else {
		if err := writeExportFile(opts.Destination, buf.Bytes()); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "usage exported",
		"records", len(rows),
		"format", string(format),
		"destination", opts.Destination,
	)

	return &ExportResult{Records: len(rows), Destination: opts.Destination}, nil
}

func writeExportRows(w io.Writer, format ExportFormat, rows []exportRecord) error {
	switch format {
	case ExportFormatCSV:
		return writeExportCSV(w, rows)
	case ExportFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case ExportFormatJSONL:
		encoder := json.NewEncoder(w)
		for i := range rows {
			if err := encoder.Encode(rows[i]); err != nil {
				return fmt.Errorf("failed to encode row %d: %w", i, err)
			}
		}
		return nil
	case ExportFormatParquet:
		return writeExportParquet(w, rows)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

func writeExportCSV(w io.Writer, rows []exportRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for i, row := range rows {
		record := []string{
			row.ID,
			row.Timestamp,
			row.Backend,
			row.Model,
			strconv.FormatInt(row.Tokens, 10),
			strconv.FormatFloat(row.CostUSD, 'f', -1, 64),
			row.Category,
			strconv.FormatBool(row.Success),
			strconv.FormatInt(row.LatencyMS, 10),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeExportParquet(w io.Writer, rows []exportRecord) error {
	writer := parquet.NewGenericWriter[exportRecord](w)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func writeExportFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}

func (s *Service) uploadToS3(ctx context.Context, destination string, body io.Reader) error {
	trimmed := strings.TrimPrefix(destination, "s3://")
	slash := strings.Index(trimmed, "/")
	if slash <= 0 || slash == len(trimmed)-1 {
		return fmt.Errorf("invalid S3 destination %q: want s3://bucket/key", destination)
	}
	bucket, key := trimmed[:slash], trimmed[slash+1:]

	var opts []func(*config.LoadOptions) error
	if s.s3.Region != "" {
		opts = append(opts, config.WithRegion(s.s3.Region))
	}
	if s.s3.AccessKeyID != "" && s.s3.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.s3.AccessKeyID, s.s3.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s.s3.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.s3.Endpoint)
			o.UsePathStyle = true // required for most S3-compatible stores
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("failed to put S3 object: %w", err)
	}
	return nil
}
