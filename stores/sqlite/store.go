package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jilio/stasis"
	_ "modernc.org/sqlite"
)

// Store implements stasis.SnapshotStore and stasis.EventLog backed by
// SQLite: one latest snapshot per scope, and an append-only log of
// propagated sync events with monotonically increasing positions.
type Store struct {
	db          *sql.DB
	cfg         *config
	logger      Logger
	metricsHook MetricsHook

	// Prepared statements
	appendStmt       *sql.Stmt
	readStmt         *sql.Stmt
	readBoundedStmt  *sql.Stmt
	positionStmt     *sql.Stmt
	saveSnapshotStmt *sql.Stmt
	loadSnapshotStmt *sql.Stmt
	dropSnapshotStmt *sql.Stmt
}

// Ensure Store implements the required interfaces
var _ stasis.SnapshotStore = (*Store)(nil)
var _ stasis.EventLog = (*Store)(nil)

// dbOpener is used to open database connections, injectable for testing
var dbOpener = sql.Open

// New creates a new Store with the given path and options.
//
// Note: When WithAutoMigrate is enabled (the default), migrations run with
// context.Background() and are not cancellable. This ensures migrations
// complete fully to avoid leaving the database in an inconsistent state.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}

	// Validate path to prevent URI parameter injection
	if path != ":memory:" && (strings.Contains(path, "?") || strings.Contains(path, "#")) {
		return nil, errors.New("sqlite: path cannot contain '?' or '#' characters")
	}

	cfg := defaultConfig()
	cfg.path = path
	for _, opt := range opts {
		opt(cfg)
	}

	// Build connection string with pragmas
	var dsn string
	if cfg.path == ":memory:" {
		// Use shared cache mode for in-memory databases to allow multiple connections
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.path, cfg.busyTimeout.Milliseconds())
	}

	db, err := dbOpener("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// Apply pragmas for performance
	// Errors here indicate filesystem issues (read-only, permissions)
	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}

	// Run migrations if enabled
	if cfg.autoMigrate {
		if err := migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	return newFromDB(db, cfg)
}

// newFromDB creates a Store from an existing database connection
func newFromDB(db *sql.DB, cfg *config) (*Store, error) {
	store := &Store{
		db:          db,
		cfg:         cfg,
		logger:      cfg.logger,
		metricsHook: cfg.metricsHook,
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: prepare statements: %w", err)
	}

	return store, nil
}

// applyPragmas configures SQLite for optimal performance
func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	return nil
}

// prepareStatements prepares all SQL statements
func (s *Store) prepareStatements() error {
	type stmtDef struct {
		dest **sql.Stmt
		sql  string
	}

	stmts := []stmtDef{
		{&s.appendStmt, "INSERT INTO sync_events (data, timestamp) VALUES (?, ?)"},
		{&s.readStmt, "SELECT position, data, timestamp FROM sync_events WHERE position > ? ORDER BY position"},
		{&s.readBoundedStmt, "SELECT position, data, timestamp FROM sync_events WHERE position > ? AND position <= ? ORDER BY position"},
		{&s.positionStmt, "SELECT COALESCE(MAX(position), 0) FROM sync_events"},
		{&s.saveSnapshotStmt, `INSERT INTO snapshots (scope, level, format, version, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope) DO UPDATE SET level = excluded.level, format = excluded.format,
				version = excluded.version, data = excluded.data, created_at = excluded.created_at`},
		{&s.loadSnapshotStmt, "SELECT level, format, version, data, created_at FROM snapshots WHERE scope = ?"},
		{&s.dropSnapshotStmt, "DELETE FROM snapshots WHERE scope = ?"},
	}

	for _, def := range stmts {
		stmt, err := s.db.Prepare(def.sql)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*def.dest = stmt
	}

	return nil
}

// Append stores a sync event and assigns its position.
func (s *Store) Append(ctx context.Context, event *stasis.LoggedEvent) error {
	start := time.Now()

	result, err := s.appendStmt.ExecContext(ctx, event.Data, event.Timestamp)
	if err != nil {
		if s.metricsHook != nil {
			s.metricsHook.OnAppend(time.Since(start), err)
		}
		return fmt.Errorf("sqlite: append event: %w", err)
	}

	// LastInsertId is always supported by SQLite driver
	position, _ := result.LastInsertId()
	event.Position = position

	if s.metricsHook != nil {
		s.metricsHook.OnAppend(time.Since(start), nil)
	}

	if s.logger != nil {
		s.logger.Debug("appended sync event", "position", position, "bytes", len(event.Data))
	}

	return nil
}

// rowScanner abstracts sql.Rows for testing
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Read returns sync events with position > from, up to and including to;
// to == -1 means no upper bound.
func (s *Store) Read(ctx context.Context, from, to int64) ([]*stasis.LoggedEvent, error) {
	start := time.Now()
	var events []*stasis.LoggedEvent
	var err error

	defer func() {
		if s.metricsHook != nil {
			s.metricsHook.OnRead(time.Since(start), len(events), err)
		}
	}()

	var rows *sql.Rows
	if to < 0 {
		rows, err = s.readStmt.QueryContext(ctx, from)
	} else {
		rows, err = s.readBoundedStmt.QueryContext(ctx, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}

	events, err = s.scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Debug("read sync events", "from", from, "to", to, "count", len(events))
	}

	return events, nil
}

// scanEvents scans rows into events - extracted for testability
func (s *Store) scanEvents(rows rowScanner) ([]*stasis.LoggedEvent, error) {
	defer rows.Close()

	var events []*stasis.LoggedEvent
	for rows.Next() {
		ev := &stasis.LoggedEvent{}
		if err := rows.Scan(&ev.Position, &ev.Data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate events: %w", err)
	}
	return events, nil
}

// Position returns the highest assigned event position.
func (s *Store) Position(ctx context.Context) (int64, error) {
	var position int64
	if err := s.positionStmt.QueryRowContext(ctx).Scan(&position); err != nil {
		return 0, fmt.Errorf("sqlite: get position: %w", err)
	}
	return position, nil
}

// Save stores a snapshot, replacing any previous one for its scope.
func (s *Store) Save(ctx context.Context, snapshot *stasis.Snapshot) error {
	if snapshot == nil {
		return errors.New("sqlite: snapshot cannot be nil")
	}
	if snapshot.Scope == "" {
		return errors.New("sqlite: snapshot scope is required")
	}

	start := time.Now()
	_, err := s.saveSnapshotStmt.ExecContext(ctx, snapshot.Scope,
		int(snapshot.Level), int(snapshot.Format), int(snapshot.Version),
		snapshot.Data, snapshot.Timestamp)
	if s.metricsHook != nil {
		s.metricsHook.OnSaveSnapshot(time.Since(start), len(snapshot.Data), err)
	}
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("saved snapshot", "scope", snapshot.Scope, "bytes", len(snapshot.Data))
	}
	return nil
}

// Load retrieves the latest snapshot for a scope.
func (s *Store) Load(ctx context.Context, scope string) (*stasis.Snapshot, error) {
	if scope == "" {
		return nil, errors.New("sqlite: snapshot scope is required")
	}

	start := time.Now()
	snapshot := &stasis.Snapshot{Scope: scope}
	var level, format, version int
	err := s.loadSnapshotStmt.QueryRowContext(ctx, scope).Scan(
		&level, &format, &version, &snapshot.Data, &snapshot.Timestamp)
	if s.metricsHook != nil {
		s.metricsHook.OnLoadSnapshot(time.Since(start), err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: snapshot not found for scope %s", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load snapshot: %w", err)
	}

	snapshot.Level = stasis.Level(level)
	snapshot.Format = stasis.Format(format)
	snapshot.Version = uint16(version)
	return snapshot, nil
}

// Delete removes the snapshot for a scope.
func (s *Store) Delete(ctx context.Context, scope string) error {
	if scope == "" {
		return errors.New("sqlite: snapshot scope is required")
	}

	if _, err := s.dropSnapshotStmt.ExecContext(ctx, scope); err != nil {
		return fmt.Errorf("sqlite: delete snapshot: %w", err)
	}
	return nil
}

// Close closes prepared statements and the database connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.appendStmt, s.readStmt, s.readBoundedStmt, s.positionStmt,
		s.saveSnapshotStmt, s.loadSnapshotStmt, s.dropSnapshotStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
