package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is a Store backed by a single SQLite file. Reads go through a
// pooled handle, writes through a single connection serialized by writeMu.
type SQLiteStore struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

// Statically assert that *SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the history database at dbPath and
// applies all pending schema migrations.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("history database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("could not create history directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)"

	writeDb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening history DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	if _, err := writeDb.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		writeDb.Close()
		return nil, fmt.Errorf("error configuring history DB: %w", err)
	}

	readDb, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDb.Close()
		return nil, fmt.Errorf("error opening history DB: %w", err)
	}

	s := &SQLiteStore{
		readDb:  readDb,
		writeDb: writeDb,
		dbPath:  dbPath,
	}

	if err := s.migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		s.Close()
		return nil, fmt.Errorf("error migrating history DB: %w", err)
	}

	plog.Debug("History database ready", "path", dbPath)
	return s, nil
}

// migrate runs the embedded migrations on the write handle. The migrate
// instance is not closed, since that would close the shared handle.
func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("error loading migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(s.writeDb, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("error creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}
	return m.Up()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.dbPath }

func (s *SQLiteStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	// The stored precision is one second.
	e.Timestamp = e.Timestamp.Truncate(time.Second)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.writeDb.ExecContext(ctx,
		`INSERT INTO history (run_id, timestamp, source, destination, status, failed_files, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Timestamp.Format(TimestampLayout), e.Source, e.Destination,
		string(e.Status), e.FailedFiles, e.Detail,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("error appending history entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("error reading history entry id: %w", err)
	}
	e.ID = id
	return e, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.readDb.QueryContext(ctx,
		`SELECT id, run_id, timestamp, source, destination, status, failed_files, detail
		 FROM history ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("error listing history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			ts     string
			status string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Source, &e.Destination, &status, &e.FailedFiles, &e.Detail); err != nil {
			return nil, fmt.Errorf("error scanning history row: %w", err)
		}
		e.Timestamp, err = time.ParseInLocation(TimestampLayout, ts, time.Local)
		if err != nil {
			plog.Warn("Invalid timestamp in history", "id", e.ID, "value", ts, "error", err)
		}
		e.Status, err = ParseOutcome(status)
		if err != nil {
			plog.Warn("Invalid status in history", "id", e.ID, "value", status, "error", err)
			e.Status = Outcome(status)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writeDb.ExecContext(ctx, "DELETE FROM history"); err != nil {
		return fmt.Errorf("error clearing history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.readDb.Close(), s.writeDb.Close())
}
