package entries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/storage"
)

const storedTimeLayout = "2006-01-02T15:04:05Z"

// Rows written by other tools may carry an offset, fractional seconds or a
// space separator. SQLite folds all of those into storedTimeLayout (UTC), and
// yields NULL for text it cannot read as a time.
const (
	normalizedStartedAt = `strftime('%Y-%m-%dT%H:%M:%SZ', started_at)`
	normalizedEndedAt   = `strftime('%Y-%m-%dT%H:%M:%SZ', ended_at)`
)

// errUnreadableRow marks a stored row that cannot become a TimeEntry.
// Such rows are skipped rather than failing the whole batch.
var errUnreadableRow = errors.New("unreadable entry")

// SQLiteSource serves entries recorded in a local SQLite database,
// filtered by start time.
type SQLiteSource struct {
	db         *sql.DB
	logger     *slog.Logger
	source     string
	pluginName string
	sourceURL  string
}

// SQLiteOptions fills in fields a stored row may leave empty.
type SQLiteOptions struct {
	Source     string
	PluginName string
	SourceURL  string
}

// OpenSQLiteSource opens the database at path, creating it if needed.
func OpenSQLiteSource(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteSource, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteSource{
		db:         db,
		logger:     log.WithComponent("entries").With("database", path),
		source:     opts.Source,
		pluginName: opts.PluginName,
		sourceURL:  opts.SourceURL,
	}, nil
}

// Entries returns entries whose started_at lies in r, oldest first.
func (s *SQLiteSource) Entries(ctx context.Context, r Range) ([]TimeEntry, error) {
	query := `SELECT id, description, project_id, project_name, customer_id, customer_name,
  ` + normalizedStartedAt + `, ` + normalizedEndedAt + `, tags, source, source_url, billable
FROM time_entries`
	var where []string
	var args []any
	if !r.Start.IsZero() {
		where = append(where, normalizedStartedAt+" >= ?")
		args = append(args, r.Start.UTC().Format(storedTimeLayout))
	}
	if !r.End.IsZero() {
		where = append(where, normalizedStartedAt+" < ?")
		args = append(args, r.End.UTC().Format(storedTimeLayout))
	}
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY " + normalizedStartedAt + ", id;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query time entries: %w", err)
	}
	defer rows.Close()

	out := []TimeEntry{}
	for rows.Next() {
		e, err := s.scan(rows)
		if errors.Is(err, errUnreadableRow) {
			s.logger.Warn("skipping stored entry", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteSource) scan(rows *sql.Rows) (TimeEntry, error) {
	var (
		e                        TimeEntry
		projectID, projectName   sql.NullString
		customerID, customerName sql.NullString
		startedAt, endedAt       sql.NullString
		tags                     string
		source, sourceURL        sql.NullString
		billable                 bool
	)
	if err := rows.Scan(&e.ID, &e.Description, &projectID, &projectName, &customerID, &customerName,
		&startedAt, &endedAt, &tags, &source, &sourceURL, &billable); err != nil {
		return TimeEntry{}, fmt.Errorf("scan time entry: %w", err)
	}

	if !startedAt.Valid || !endedAt.Valid {
		return TimeEntry{}, fmt.Errorf("%w %s: started_at or ended_at is not a time", errUnreadableRow, e.ID)
	}
	var err error
	if e.StartedAt, err = time.Parse(storedTimeLayout, startedAt.String); err != nil {
		return TimeEntry{}, fmt.Errorf("%w %s: started_at: %v", errUnreadableRow, e.ID, err)
	}
	if e.EndedAt, err = time.Parse(storedTimeLayout, endedAt.String); err != nil {
		return TimeEntry{}, fmt.Errorf("%w %s: ended_at: %v", errUnreadableRow, e.ID, err)
	}
	if err := e.Validate(); err != nil {
		return TimeEntry{}, fmt.Errorf("%w: %v", errUnreadableRow, err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return TimeEntry{}, fmt.Errorf("%w %s: tags: %v", errUnreadableRow, e.ID, err)
	}

	e.ProjectID = nullable(projectID)
	e.ProjectName = nullable(projectName)
	e.CustomerID = nullable(customerID)
	e.CustomerName = nullable(customerName)
	e.Source = s.source
	if source.Valid && source.String != "" {
		e.Source = source.String
	}
	e.SourceURL = nullable(sourceURL)
	if e.SourceURL == nil {
		e.SourceURL = expandURL(s.sourceURL, e.ID)
	}
	e.PluginName = optional(s.pluginName)
	e.Billable = billable
	return e, nil
}

// Insert stores e, assigning a random id when e.ID is empty, and returns the id.
func (s *SQLiteSource) Insert(ctx context.Context, e TimeEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return "", err
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO time_entries(id, description, project_id, project_name, customer_id, customer_name,
  started_at, ended_at, tags, source, source_url, billable)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.ID, e.Description, e.ProjectID, e.ProjectName, e.CustomerID, e.CustomerName,
		e.StartedAt.UTC().Format(storedTimeLayout), e.EndedAt.UTC().Format(storedTimeLayout),
		string(tags), optional(e.Source), e.SourceURL, e.Billable)
	if err != nil {
		return "", fmt.Errorf("insert time entry: %w", err)
	}
	return e.ID, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
