package run

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

// Ledger persists run boundaries so run ids survive a restart.
type Ledger interface {
	LastRunID(ctx context.Context) (int64, error)
	Begin(ctx context.Context, runID int64, at time.Time) error
	End(ctx context.Context, runID, samples int64, at time.Time) error
	Close() error
}

// Summary is one row of the ledger.
type Summary struct {
	RunID       int64
	StartedAt   time.Time
	EndedAt     time.Time
	Samples     int64
	Interrupted bool
}

// SQLiteLedger stores runs in a sqlite database.
type SQLiteLedger struct {
	db     *sql.DB
	logger logger.Logger
	mu     sync.Mutex
}

// OpenLedger opens (creating if needed) the ledger at path. Runs left
// open by a previous process are marked interrupted.
func OpenLedger(ctx context.Context, path string, log logger.Logger) (*SQLiteLedger, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  path,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(ctx, db, path, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	l := &SQLiteLedger{db: db, logger: log}

	n, err := l.closeDangling(ctx, time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		log.Warn().Int64("runs", n).Msg("Marked runs left open by a previous process as interrupted")
	}

	log.Info().
		Str("path", path).
		Int("schema_version", SchemaVersion).
		Msg("Run ledger initialized")

	return l, nil
}

// LastRunID returns the highest run id recorded, 0 when empty.
func (l *SQLiteLedger) LastRunID(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var last sql.NullInt64
	if err := l.db.QueryRowContext(ctx, selectLastRunSQL).Scan(&last); err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	return last.Int64, nil
}

func (l *SQLiteLedger) Begin(ctx context.Context, runID int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, insertRunSQL, runID, at.UnixMilli()); err != nil {
		return errors.New().WithData(ErrStorageAccess, struct {
			Phase string
			RunID int64
			Error string
		}{
			Phase: "begin_run",
			RunID: runID,
			Error: err.Error(),
		})
	}
	return nil
}

// End records the end of a run. A run whose Begin was never stored is
// inserted with its end time as the start.
func (l *SQLiteLedger) End(ctx context.Context, runID, samples int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, endRunSQL, runID, at.UnixMilli(), at.UnixMilli(), samples); err != nil {
		return errors.New().WithData(ErrStorageAccess, struct {
			Phase string
			RunID int64
			Error string
		}{
			Phase: "end_run",
			RunID: runID,
			Error: err.Error(),
		})
	}
	return nil
}

// Runs returns every recorded run ordered by id.
func (l *SQLiteLedger) Runs(ctx context.Context) ([]Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, selectRunsSQL)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s       Summary
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.RunID, &started, &ended, &s.Samples, &s.Interrupted); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		s.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			s.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (l *SQLiteLedger) closeDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, closeDanglingSQL, at.UnixMilli())
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	return n, nil
}

func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to checkpoint run ledger WAL")
	}

	if err := l.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	l.logger.Debug().Msg("Run ledger closed")
	return nil
}

// NoopLedger forgets everything; numbering restarts at 1 on every start.
type NoopLedger struct{}

func (NoopLedger) LastRunID(context.Context) (int64, error) { return 0, nil }
func (NoopLedger) Begin(context.Context, int64, time.Time) error { return nil }
func (NoopLedger) End(context.Context, int64, int64, time.Time) error { return nil }
func (NoopLedger) Close() error { return nil }

var (
	_ Ledger = (*SQLiteLedger)(nil)
	_ Ledger = NoopLedger{}
)
