package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	// Database drivers for OpenSQLSink.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax for SQLSink.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) schema() string {
	ts, meta := "TEXT", "TEXT"
	if d == DialectPostgres {
		ts, meta = "TIMESTAMPTZ", "JSONB"
	}
	return `CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	timestamp ` + ts + ` NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	artifact_id TEXT,
	workspace_id TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	metadata ` + meta + ` NOT NULL,
	ip_address TEXT,
	user_agent TEXT,
	session_id TEXT
)`
}

// Row is the column mapping of an event in the audit_events table.
type Row struct {
	ID          string
	Timestamp   time.Time
	Action      string
	Actor       string
	ArtifactID  sql.NullString
	WorkspaceID string
	Success     bool
	Metadata    string
	IPAddress   sql.NullString
	UserAgent   sql.NullString
	SessionID   sql.NullString
}

// ToRow maps e onto table columns.
func (e Event) ToRow() (Row, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Row{}, fmt.Errorf("audit: marshal metadata: %w", err)
	}
	row := Row{
		ID:          e.ID.String(),
		Timestamp:   e.Timestamp.UTC(),
		Action:      string(e.Action),
		Actor:       e.Actor,
		WorkspaceID: e.WorkspaceID.String(),
		Success:     e.Success,
		Metadata:    string(metaJSON),
		IPAddress:   nullString(e.IPAddress),
		UserAgent:   nullString(e.UserAgent),
		SessionID:   nullString(e.SessionID),
	}
	if e.ArtifactID != nil {
		row.ArtifactID = nullString(e.ArtifactID.String())
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SQLSink stores events in a database/sql table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

// OpenSQLSink opens dsn with the dialect's driver and creates the table.
func OpenSQLSink(ctx context.Context, dialect Dialect, dsn string) (*SQLSink, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("audit: unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	s := NewSQLSink(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit_events table if needed.
func (s *SQLSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

// sqliteTime is fixed width so text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLSink) timestampArg(t time.Time) interface{} {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t
}

func (s *SQLSink) Emit(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	row, err := e.ToRow()
	if err != nil {
		return err
	}

	ph := make([]string, 11)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	query := `INSERT INTO audit_events (id, timestamp, action, actor, artifact_id, workspace_id, success, metadata, ip_address, user_agent, session_id)
VALUES (` + strings.Join(ph, ", ") + `)`

	_, err = s.db.ExecContext(ctx, query,
		row.ID, s.timestampArg(row.Timestamp), row.Action, row.Actor, row.ArtifactID,
		row.WorkspaceID, row.Success, row.Metadata, row.IPAddress, row.UserAgent, row.SessionID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event %s: %w", row.ID, err)
	}
	return nil
}

func (s *SQLSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, clause+" "+s.dialect.placeholder(len(args)))
	}
	if f.WorkspaceID != uuid.Nil {
		add("workspace_id =", f.WorkspaceID.String())
	}
	if f.ArtifactID != uuid.Nil {
		add("artifact_id =", f.ArtifactID.String())
	}
	if f.Action != "" {
		add("action =", string(f.Action))
	}
	if !f.Start.IsZero() {
		add("timestamp >=", s.timestampArg(f.Start.UTC()))
	}
	if !f.End.IsZero() {
		add("timestamp <=", s.timestampArg(f.End.UTC()))
	}

	query := `SELECT id, timestamp, action, actor, artifact_id, workspace_id, success, metadata, ip_address, user_agent, session_id FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			r  Row
			ts timeScanner
		)
		if err := rows.Scan(&r.ID, &ts, &r.Action, &r.Actor, &r.ArtifactID, &r.WorkspaceID,
			&r.Success, &r.Metadata, &r.IPAddress, &r.UserAgent, &r.SessionID); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Timestamp = ts.t
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return events, nil
}

func (r Row) toEvent() (Event, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Event{}, fmt.Errorf("audit: row id: %w", err)
	}
	ws, err := uuid.Parse(r.WorkspaceID)
	if err != nil {
		return Event{}, fmt.Errorf("audit: row workspace_id: %w", err)
	}
	e := Event{
		ID:          id,
		Timestamp:   r.Timestamp.UTC(),
		Action:      Action(r.Action),
		Actor:       r.Actor,
		WorkspaceID: ws,
		Success:     r.Success,
		IPAddress:   r.IPAddress.String,
		UserAgent:   r.UserAgent.String,
		SessionID:   r.SessionID.String,
	}
	if r.ArtifactID.Valid {
		aid, err := uuid.Parse(r.ArtifactID.String)
		if err != nil {
			return Event{}, fmt.Errorf("audit: row artifact_id: %w", err)
		}
		e.ArtifactID = &aid
	}
	if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
		return Event{}, fmt.Errorf("audit: row metadata: %w", err)
	}
	return e, nil
}

// timeScanner reads timestamps stored natively or as RFC 3339 text.
type timeScanner struct{ t time.Time }

func (s *timeScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		s.t = v
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (s *timeScanner) parse(v string) error {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return err
	}
	s.t = t
	return nil
}
