package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/mattn/go-sqlite3"

	"sysmon/internal/domain"
)

const (
	DefaultOpenTimeout = 5 * time.Second
	DefaultTxTimeout   = 5 * time.Second
	DefaultMaxReaders  = 16
)

var (
	ErrIncompatibleSchema = errors.New("incompatible metrics schema")
	ErrClosed             = errors.New("metric store is closed")
)

type Options struct {
	// OpenTimeout bounds schema creation and compatibility checks in Open.
	OpenTimeout time.Duration
	// TxTimeout bounds every operation called without a deadline, and is
	// also used as the SQLite busy timeout.
	TxTimeout  time.Duration
	MaxReaders int
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = DefaultTxTimeout
	}
	if o.MaxReaders <= 0 {
		o.MaxReaders = DefaultMaxReaders
	}
	return o
}

// SQLiteStore keeps the time series in one SQLite file in WAL mode. All writes
// go through a single connection guarded by writeSem; reads use a separate
// query-only pool and see a consistent snapshot per statement.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	dbPath  string
	opts    Options

	writeSem  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open creates or opens the store at path. Any failure is a StoreError of kind
// Unavailable; a file that holds something other than this schema wraps
// ErrIncompatibleSchema.
func Open(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()

	if path == "" {
		return nil, domain.NewStoreError("open", domain.Unavailable, errors.New("empty database path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, domain.NewStoreError("open", domain.Unavailable, fmt.Errorf("error creating database folder: %w", err))
	}

	writeDB, err := sql.Open("sqlite3", dataSourceName(path, false, opts.TxTimeout))
	if err != nil {
		return nil, domain.NewStoreError("open", domain.Unavailable, fmt.Errorf("error opening database: %w", err))
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite3", dataSourceName(path, true, opts.TxTimeout))
	if err != nil {
		writeDB.Close()
		return nil, domain.NewStoreError("open", domain.Unavailable, fmt.Errorf("error opening database: %w", err))
	}
	readDB.SetMaxOpenConns(opts.MaxReaders)
	readDB.SetMaxIdleConns(opts.MaxReaders)

	s := newStore(writeDB, readDB, path, opts)

	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	if err := s.init(ctx); err != nil {
		return nil, multierr.Append(domain.NewStoreError("open", domain.Unavailable, classifyOpenErr(err)), s.closeDBs())
	}
	return s, nil
}

func newStore(writeDB, readDB *sql.DB, path string, opts Options) *SQLiteStore {
	return &SQLiteStore{
		writeDB:  writeDB,
		readDB:   readDB,
		dbPath:   path,
		opts:     opts.withDefaults(),
		writeSem: make(chan struct{}, 1),
	}
}

func dataSourceName(path string, readOnly bool, busy time.Duration) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	if readOnly {
		q.Set("_query_only", "true")
	} else {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "FULL")
		q.Set("_txlock", "immediate")
	}
	return "file:" + uriPathEscaper.Replace(path) + "?" + q.Encode()
}

// uriPathEscaper escapes the characters that would end the path part of a
// SQLite URI filename.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func (s *SQLiteStore) init(ctx context.Context) error {
	if err := s.writeDB.PingContext(ctx); err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	if err := s.checkCompatible(ctx); err != nil {
		return err
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("error creating schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing schema: %w", err)
	}

	return s.readDB.PingContext(ctx)
}

// classifyOpenErr reports a file that is not a readable SQLite database as
// ErrIncompatibleSchema.
func classifyOpenErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrNotADB || sqliteErr.Code == sqlite3.ErrCorrupt) {
		return fmt.Errorf("%w: %w", ErrIncompatibleSchema, err)
	}
	return err
}

func (s *SQLiteStore) checkCompatible(ctx context.Context) error {
	var integrity string
	if err := s.writeDB.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity); err != nil {
		return fmt.Errorf("error checking database integrity: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("%w: integrity check reported %q", ErrIncompatibleSchema, integrity)
	}

	var version int
	if err := s.writeDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("error reading schema version: %w", err)
	}
	if version != 0 && version != schemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrIncompatibleSchema, version, schemaVersion)
	}

	rows, err := s.writeDB.QueryContext(ctx, "PRAGMA table_info(metrics)")
	if err != nil {
		return fmt.Errorf("error reading metrics table layout: %w", err)
	}
	defer rows.Close()

	present := make(map[string]string)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return fmt.Errorf("error scanning metrics table layout: %w", err)
		}
		present[name] = columnAffinity(colType)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading metrics table layout: %w", err)
	}

	// no table yet: schema creation will add it
	if len(present) == 0 {
		return nil
	}
	for _, col := range requiredColumns {
		affinity, ok := present[col.name]
		if !ok {
			return fmt.Errorf("%w: metrics table has no %q column", ErrIncompatibleSchema, col.name)
		}
		if affinity != col.affinity {
			return fmt.Errorf("%w: metrics column %q has %s affinity, want %s", ErrIncompatibleSchema, col.name, affinity, col.affinity)
		}
	}
	return nil
}

// columnAffinity applies SQLite's rules for deriving a column's type affinity
// from its declared type.
func columnAffinity(declared string) string {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case t == "", strings.Contains(t, "BLOB"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	default:
		return "NUMERIC"
	}
}

func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.TxTimeout)
}

func (s *SQLiteStore) acquireWriter(ctx context.Context) (func(), error) {
	select {
	case s.writeSem <- struct{}{}:
		return func() { <-s.writeSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write runs fn in one transaction on the writer connection. The transaction
// is rolled back if fn fails or ctx ends before commit.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if s.closed.Load() {
		return domain.NewStoreError(op, domain.WriteFailed, ErrClosed)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	release, err := s.acquireWriter(ctx)
	if err != nil {
		return domain.NewStoreError(op, domain.WriteFailed, fmt.Errorf("error waiting for writer lock: %w", err))
	}
	defer release()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStoreError(op, domain.WriteFailed, fmt.Errorf("error beginning transaction: %w", err))
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, fmt.Errorf("error rolling back transaction: %w", rbErr))
		}
		return domain.NewStoreError(op, domain.WriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewStoreError(op, domain.WriteFailed, fmt.Errorf("error committing transaction: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sample domain.Sample) error {
	if err := sample.Validate(); err != nil {
		return domain.NewStoreError("append", domain.WriteFailed, err)
	}

	return s.write(ctx, "append", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMetricSQL,
			sample.Timestamp,
			toNull(sample.CPUPercent),
			toNull(sample.MemoryPercent),
			toNull(sample.Temperature),
			toNull(sample.DiskPercent),
		)
		if err != nil {
			return fmt.Errorf("error inserting metric: %w", err)
		}
		return nil
	})
}

// Prune deletes every sample older than cutoff and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff int64) (int64, error) {
	var removed int64

	err := s.write(ctx, "prune", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, deleteBeforeSQL, cutoff)
		if err != nil {
			return fmt.Errorf("error deleting metrics: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error counting deleted metrics: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (domain.Sample, bool, error) {
	if s.closed.Load() {
		return domain.Sample{}, false, domain.NewStoreError("latest", domain.Unavailable, ErrClosed)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sample, err := scanSample(s.readDB.QueryRowContext(ctx, selectLatestSQL))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sample{}, false, nil
	}
	if err != nil {
		return domain.Sample{}, false, domain.NewStoreError("latest", domain.Unavailable, fmt.Errorf("error querying latest metric: %w", err))
	}
	return sample, true, nil
}

// Range yields every retained sample with timestamp >= since, oldest first.
// Each iteration issues its own query, so ranging twice gives two independent
// snapshots. Stopping early releases the connection.
func (s *SQLiteStore) Range(ctx context.Context, since int64) iter.Seq2[domain.Sample, error] {
	return func(yield func(domain.Sample, error) bool) {
		if s.closed.Load() {
			yield(domain.Sample{}, domain.NewStoreError("range", domain.Unavailable, ErrClosed))
			return
		}

		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		rows, err := s.readDB.QueryContext(ctx, selectRangeSQL, since)
		if err != nil {
			yield(domain.Sample{}, domain.NewStoreError("range", domain.Unavailable, fmt.Errorf("error querying database: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			sample, err := scanSample(rows)
			if err != nil {
				yield(domain.Sample{}, domain.NewStoreError("range", domain.Unavailable, fmt.Errorf("error scanning row: %w", err)))
				return
			}
			if !yield(sample, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(domain.Sample{}, domain.NewStoreError("range", domain.Unavailable, fmt.Errorf("error during rows iteration: %w", err)))
		}
	}
}

// History collects Range into a slice. A positive limit keeps only the newest
// limit samples; the result stays oldest first.
func (s *SQLiteStore) History(ctx context.Context, since int64, limit int) ([]domain.Sample, error) {
	samples := make([]domain.Sample, 0)

	for sample, err := range s.Range(ctx, since) {
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, domain.NewStoreError("count", domain.Unavailable, ErrClosed)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.readDB.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, domain.NewStoreError("count", domain.Unavailable, fmt.Errorf("error counting metrics: %w", err))
	}
	return n, nil
}

// Close waits (bounded by TxTimeout) for an in-flight write to finish before
// closing both pools. Later calls are no-ops.
func (s *SQLiteStore) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TxTimeout)
		defer cancel()
		// the writer slot is never handed back
		s.acquireWriter(ctx)

		err = s.closeDBs()
	})
	return err
}

func (s *SQLiteStore) closeDBs() error {
	var err error
	if s.readDB != nil && s.readDB != s.writeDB {
		err = multierr.Append(err, s.readDB.Close())
	}
	if s.writeDB != nil {
		err = multierr.Append(err, s.writeDB.Close())
	}
	return err
}

// Quarantine renames an incompatible store and its WAL side files so a fresh
// one can be created at path. It returns the new base name.
func Quarantine(path string, now time.Time) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format("20060102T150405Z"))

	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, dest+suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("error moving %s aside: %w", path+suffix, err)
		}
	}
	return dest, nil
}
