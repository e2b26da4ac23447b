package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore opens a fresh store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOutcome(t *testing.T) {
	for _, o := range []Outcome{Success, PartialSuccess, SourceNotFound, InsufficientSpace} {
		parsed, err := ParseOutcome(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, parsed)
	}
	_, err := ParseOutcome("Exploded")
	assert.Error(t, err)
	_, err = ParseOutcome("")
	assert.Error(t, err)
	assert.Equal(t, "PartialSuccess", PartialSuccess.String())
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	base := time.Date(2024, 3, 1, 2, 0, 0, 0, time.Local)

	t.Run("Empty", func(t *testing.T) {
		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Newest First", func(t *testing.T) {
		first, err := store.Append(ctx, Entry{RunID: "a", Timestamp: base, Source: "/src", Destination: "/dst", Status: Success})
		require.NoError(t, err)
		assert.NotZero(t, first.ID)

		_, err = store.Append(ctx, Entry{RunID: "b", Timestamp: base.Add(48 * time.Hour), Source: "/src", Destination: "/dst", Status: PartialSuccess, FailedFiles: 3, Detail: "3 files failed"})
		require.NoError(t, err)
		_, err = store.Append(ctx, Entry{RunID: "c", Timestamp: base.Add(24 * time.Hour), Source: "/src", Status: SourceNotFound})
		require.NoError(t, err)

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "b", entries[0].RunID)
		assert.Equal(t, "c", entries[1].RunID)
		assert.Equal(t, "a", entries[2].RunID)

		assert.Equal(t, PartialSuccess, entries[0].Status)
		assert.Equal(t, int64(3), entries[0].FailedFiles)
		assert.Equal(t, "3 files failed", entries[0].Detail)
		assert.True(t, entries[0].Timestamp.Equal(base.Add(48*time.Hour)))
	})

	t.Run("Same Second Ordered By Insertion", func(t *testing.T) {
		require.NoError(t, store.ClearAll(ctx))
		ts := base.Add(72 * time.Hour)
		for _, id := range []string{"x", "y", "z"} {
			_, err := store.Append(ctx, Entry{RunID: id, Timestamp: ts, Status: Success})
			require.NoError(t, err)
		}
		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []string{"z", "y", "x"}, []string{entries[0].RunID, entries[1].RunID, entries[2].RunID})
	})

	t.Run("Zero Timestamp Uses Now", func(t *testing.T) {
		require.NoError(t, store.ClearAll(ctx))
		before := time.Now().Truncate(time.Second)
		e, err := store.Append(ctx, Entry{Status: Success})
		require.NoError(t, err)
		assert.False(t, e.Timestamp.Before(before))
	})
}

func TestSQLiteStore_ClearAll(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	for range 5 {
		_, err := store.Append(ctx, Entry{Status: Success})
		require.NoError(t, err)
	}
	require.NoError(t, store.ClearAll(ctx))

	entries, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Clearing an empty history is fine.
	assert.NoError(t, store.ClearAll(ctx))
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := OpenSQLite(t.Context(), dbPath)
	require.NoError(t, err)
	_, err = store.Append(t.Context(), Entry{RunID: "persisted", Status: InsufficientSpace})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(t.Context(), dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ListAll(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", entries[0].RunID)
	assert.Equal(t, InsufficientSpace, entries[0].Status)
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_, err := store.Append(ctx, Entry{Status: Success})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, CSV, FormatFromPath("history.csv"))
	assert.Equal(t, CSVGz, FormatFromPath("history.csv.gz"))
	assert.Equal(t, CSVZst, FormatFromPath("HISTORY.CSV.ZST"))
}

func TestExport(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)
	_, err := store.Append(ctx, Entry{RunID: "r1", Timestamp: ts, Source: "/src", Destination: "/dst", Status: Success})
	require.NoError(t, err)
	_, err = store.Append(ctx, Entry{RunID: "r2", Timestamp: ts.Add(time.Hour), Source: "/src", Destination: "/dst", Status: PartialSuccess, FailedFiles: 2, Detail: "a, \"quoted\" detail"})
	require.NoError(t, err)

	readAll := func(t *testing.T, format ExportFormat, buf *bytes.Buffer) [][]string {
		t.Helper()
		var r io.Reader = buf
		switch format {
		case CSVGz:
			gz, err := pgzip.NewReader(buf)
			require.NoError(t, err)
			defer gz.Close()
			r = gz
		case CSVZst:
			zr, err := zstd.NewReader(buf)
			require.NoError(t, err)
			defer zr.Close()
			r = zr
		}
		records, err := csv.NewReader(r).ReadAll()
		require.NoError(t, err)
		return records
	}

	for _, format := range []ExportFormat{CSV, CSVGz, CSVZst} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := Export(ctx, store, &buf, format)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			records := readAll(t, format, &buf)
			require.Len(t, records, 3)
			assert.Equal(t, csvHeader, records[0])
			assert.Equal(t, "r2", records[1][1])
			assert.Equal(t, "2024-05-06 08:08:09", records[1][2])
			assert.Equal(t, "PartialSuccess", records[1][5])
			assert.Equal(t, "2", records[1][6])
			assert.Equal(t, "a, \"quoted\" detail", records[1][7])
			assert.Equal(t, "r1", records[2][1])
		})
	}

	t.Run("Unsupported Format", func(t *testing.T) {
		_, err := Export(ctx, store, io.Discard, ExportFormat("xml"))
		assert.Error(t, err)
	})
}

func TestNoopStore(t *testing.T) {
	var s Store = NoopStore{}
	e, err := s.Append(context.Background(), Entry{RunID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", e.RunID)
	entries, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, s.ClearAll(context.Background()))
	assert.NoError(t, s.Close())
}
