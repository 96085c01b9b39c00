package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// Dialect selects SQL flavour and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig holds configuration for a SQL-backed store.
type SQLConfig struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings for dialect.
func DefaultSQLConfig(dialect Dialect, dsn string) SQLConfig {
	cfg := SQLConfig{
		Dialect:         dialect,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// SQLStore implements Store on PostgreSQL/CockroachDB (lib/pq) or SQLite
// (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtListSessions  *sql.Stmt
	stmtUpdateStatus  *sql.Stmt
	stmtGetHistory    *sql.Stmt
}

// OpenSQLStore opens the database, applies the schema and prepares
// statements.
func OpenSQLStore(ctx context.Context, config SQLConfig) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	driver, err := driverName(config.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db, config.Dialect); err != nil {
		db.Close()
		return nil, err
	}
	store, err := NewSQLStore(db, config.Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database whose schema is already in place.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.prepareStatements(); err != nil {
		s.closeStatements()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func driverName(d Dialect) (string, error) {
	switch d {
	case DialectPostgres:
		return "postgres", nil
	case DialectSQLite:
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported sql dialect: %q", d)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// bind rewrites $N placeholders for the store's dialect. SQLite accepts
// numbered ?N parameters with the same meaning.
func (s *SQLStore) bind(query string) string {
	if s.dialect == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

const sessionColumns = `id, worker_id, workdir, model, title, status, last_error, created_at, updated_at`

func (s *SQLStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(s.bind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(s.bind(`
		SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtListSessions, err = s.db.Prepare(s.bind(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE ($1 = '' OR worker_id = $1)
		ORDER BY created_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare list sessions: %w", err)
	}

	s.stmtUpdateStatus, err = s.db.Prepare(s.bind(`
		UPDATE sessions SET status = $1, last_error = $2, updated_at = $3
		WHERE id = $4
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare update status: %w", err)
	}

	s.stmtGetHistory, err = s.db.Prepare(s.bind(`
		SELECT id, session_id, turn_id, role, content, tool_call, tool_outputs, created_at
		FROM transcript_entries WHERE session_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare get history: %w", err)
	}
	return nil
}

func (s *SQLStore) closeStatements() []error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetSession, s.stmtListSessions,
		s.stmtUpdateStatus, s.stmtGetHistory,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// Close closes prepared statements and the database.
func (s *SQLStore) Close() error {
	errs := s.closeStatements()
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %w", errors.Join(errs...))
	}
	return nil
}

// DB exposes the underlying database for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Create inserts a new session. A missing ID is generated.
func (s *SQLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.StatusWaiting
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.stmtCreateSession.ExecContext(ctx,
		session.ID,
		session.WorkerID,
		session.Workdir,
		session.Model,
		session.Title,
		string(session.Status),
		session.LastError,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var status string
	err := row.Scan(
		&session.ID,
		&session.WorkerID,
		&session.Workdir,
		&session.Model,
		&session.Title,
		&status,
		&session.LastError,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	return session, nil
}

// Get retrieves a session by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List returns sessions, newest first.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, opts.WorkerID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// AppendMessages inserts entries after the current end of the transcript
// in one transaction.
func (s *SQLStore) AppendMessages(ctx context.Context, sessionID string, entries ...*models.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.bind(`UPDATE sessions SET updated_at = $1 WHERE id = $2`), now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		s.bind(`SELECT COALESCE(MAX(seq), 0) FROM transcript_entries WHERE session_id = $1`),
		sessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read transcript position: %w", err)
	}

	insert := s.bind(`
		INSERT INTO transcript_entries (id, session_id, seq, turn_id, role, content, tool_call, tool_outputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.SessionID = sessionID
		call, outputs, err := entry.MarshalToolFields()
		if err != nil {
			return fmt.Errorf("failed to marshal tool fields: %w", err)
		}
		seq++
		if _, err := tx.ExecContext(ctx, insert,
			entry.ID, sessionID, seq, entry.TurnID, string(entry.Role), entry.Content,
			nullableJSON(call), nullableJSON(outputs), entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append transcript entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript entries: %w", err)
	}
	return nil
}

// nullableJSON passes JSON as text so it lands in JSONB columns unchanged;
// nil becomes NULL.
func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// History retrieves transcript entries in append order.
func (s *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]*models.TranscriptEntry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var entries []*models.TranscriptEntry
	for rows.Next() {
		entry := &models.TranscriptEntry{}
		var role string
		var call, outputs []byte
		if err := rows.Scan(
			&entry.ID, &entry.SessionID, &entry.TurnID, &role, &entry.Content,
			&call, &outputs, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		entry.Role = models.Role(role)
		if err := entry.UnmarshalToolFields(call, outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool fields: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	// Rows are newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// UpdateStatus sets the status and last error of a session.
func (s *SQLStore) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status: %q", status)
	}
	result, err := s.stmtUpdateStatus.ExecContext(ctx, string(status), lastError, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}
