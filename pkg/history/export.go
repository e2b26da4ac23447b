package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ExportFormat selects the encoding of an exported history file.
type ExportFormat string

const (
	CSV    ExportFormat = "csv"
	CSVGz  ExportFormat = "csv.gz"
	CSVZst ExportFormat = "csv.zst"
)

// FormatFromPath derives the export format from a file name.
func FormatFromPath(path string) ExportFormat {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		return CSVGz
	case strings.HasSuffix(lower, ".zst"):
		return CSVZst
	default:
		return CSV
	}
}

var csvHeader = []string{"id", "run_id", "timestamp", "source", "destination", "status", "failed_files", "detail"}

// Export writes every entry of store to w as CSV, newest first, optionally
// compressed. It returns the number of entries written.
func Export(ctx context.Context, store Store, w io.Writer, format ExportFormat) (n int, retErr error) {
	entries, err := store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var compressedWriter io.WriteCloser
	switch format {
	case CSVGz:
		compressedWriter = pgzip.NewWriter(w)
	case CSVZst:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	case CSV:
	default:
		return 0, fmt.Errorf("unsupported export format: %q", format)
	}

	out := w
	if compressedWriter != nil {
		out = compressedWriter
		defer func() {
			if err := compressedWriter.Close(); err != nil && retErr == nil {
				retErr = fmt.Errorf("compressed writer close failed: %w", err)
			}
		}()
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write export header: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.RunID,
			e.Timestamp.Format(TimestampLayout),
			e.Source,
			e.Destination,
			e.Status.String(),
			strconv.FormatInt(e.FailedFiles, 10),
			e.Detail,
		}
		if err := cw.Write(record); err != nil {
			return n, fmt.Errorf("failed to write export record: %w", err)
		}
		n++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("failed to flush export: %w", err)
	}
	return n, nil
}
