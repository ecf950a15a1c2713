// Package athletes persists athletes and their workout scores.
package athletes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("opens/athletes")

// Custom errors for athlete storage
var (
	ErrAthleteNotFound = errors.New("athlete not found")
	ErrStore           = errors.New("athlete store failure")
)

// Outcome is the result of an Upsert that did not fail.
type Outcome int

const (
	Inserted Outcome = iota + 1
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already exists"
	default:
		return "unknown"
	}
}

// Athlete is a registered competitor. ID comes from the leaderboard, never
// from the store.
type Athlete struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Division int    `json:"division"`
	Region   int    `json:"region"`
}

// AthleteScores is an athlete with its raw scores in event order.
type AthleteScores struct {
	Athlete
	Scores []string `json:"scores"`
}

// ScoreRow is one athlete/workout pair as returned by LoadAll.
type ScoreRow struct {
	AthleteID int64
	Name      string
	Division  int
	Region    int
	Index     int
	Raw       string
}

// Gap is a leaderboard page that could not be processed and needs a manual
// re-fetch.
type Gap struct {
	ID         int64     `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	Division   int       `json:"division"`
	Region     int       `json:"region"`
	Page       int       `json:"page"`
	URL        string    `json:"url"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StoreError wraps an unexpected persistence failure for one athlete. The
// athlete's transaction has been rolled back when it is returned.
type StoreError struct {
	AthleteID int64
	Op        string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("athlete %d: failed to %s: %v", e.AthleteID, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// AthleteStore manages athletes and workouts in a SQL database.
type AthleteStore struct {
	db *sql.DB
}

// NewAthleteStore opens the database with the given driver and prepares the
// schema.
func NewAthleteStore(driver, dsn string) (*AthleteStore, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	return NewAthleteStoreFromDB(db)
}

// NewAthleteStoreFromDB uses an already opened database. The store takes
// ownership of db and closes it if the schema cannot be prepared. The pool
// is limited to one connection since foreign_keys is per connection.
func NewAthleteStoreFromDB(db *sql.DB) (*AthleteStore, error) {
	db.SetMaxOpenConns(1)

	store := &AthleteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the tables if they don't exist.
func (s *AthleteStore) initSchema() error {
	queries := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS athlete (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			division INTEGER NOT NULL,
			region INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workout (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name INTEGER NOT NULL,
			score TEXT NOT NULL,
			athlete_id INTEGER NOT NULL REFERENCES athlete(id) ON DELETE CASCADE,
			UNIQUE (athlete_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_gap (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			division INTEGER NOT NULL,
			region INTEGER NOT NULL,
			page INTEGER NOT NULL,
			url TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *AthleteStore) Close() error {
	return s.db.Close()
}

// Upsert registers an athlete with its scores in one transaction. An athlete
// whose id is already stored is left untouched and AlreadyExists is
// returned. Any other failure rolls back and returns a *StoreError, except a
// cancelled context, which is returned as is.
func (s *AthleteStore) Upsert(ctx context.Context, a Athlete, scores []string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "athletes:Upsert", trace.WithAttributes(
		attribute.Int64("athlete_id", a.ID),
		attribute.Int("division", a.Division),
		attribute.Int("region", a.Region),
	))
	defer span.End()

	outcome, err := s.upsert(ctx, a, scores)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return 0, err
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome, nil
}

func (s *AthleteStore) upsert(ctx context.Context, a Athlete, scores []string) (Outcome, error) {
	fail := func(op string, err error) (Outcome, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &StoreError{AthleteID: a.ID, Op: op, Err: err}
	}

	if a.ID <= 0 {
		return fail("validate athlete", fmt.Errorf("id must be positive, got %d", a.ID))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin transaction", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO athlete (id, name, division, region) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.Division, a.Region,
	)
	if err != nil {
		if isAthleteConflict(err) {
			return AlreadyExists, nil
		}
		return fail("insert athlete", err)
	}

	for i, score := range scores {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workout (name, score, athlete_id) VALUES (?, ?, ?)`,
			i, score, a.ID,
		)
		if err != nil {
			return fail(fmt.Sprintf("insert workout %d", i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}
	return Inserted, nil
}

// isAthleteConflict reports whether err is a duplicate athlete id. The
// message is shared by every SQLite driver we register.
func isAthleteConflict(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: athlete.id")
}

// Get retrieves an athlete and its scores in event order.
func (s *AthleteStore) Get(ctx context.Context, id int64) (*AthleteScores, error) {
	var a AthleteScores
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, division, region FROM athlete WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Division, &a.Region)
	if err == sql.ErrNoRows {
		return nil, ErrAthleteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query athlete: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT score FROM workout WHERE athlete_id = ? ORDER BY name`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workouts: %w", err)
	}
	defer rows.Close()

	a.Scores = []string{}
	for rows.Next() {
		var score string
		if err := rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("failed to scan workout: %w", err)
		}
		a.Scores = append(a.Scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workouts: %w", err)
	}

	return &a, nil
}

// Count returns the number of stored athletes.
func (s *AthleteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM athlete`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count athletes: %w", err)
	}
	return n, nil
}

// LoadAll returns every athlete joined with its workouts, ordered by athlete
// id and then event index. Athletes without workouts are not included.
func (s *AthleteStore) LoadAll(ctx context.Context) ([]ScoreRow, error) {
	query := `
		SELECT athlete.id, athlete.name, athlete.division, athlete.region,
		       workout.name, workout.score
		FROM athlete
		JOIN workout ON athlete.id = workout.athlete_id
		ORDER BY athlete.id, workout.name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var result []ScoreRow
	for rows.Next() {
		var r ScoreRow
		if err := rows.Scan(&r.AthleteID, &r.Name, &r.Division, &r.Region, &r.Index, &r.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scores: %w", err)
	}

	return result, nil
}

// RecordGap stores a page that needs a manual re-fetch and returns it with
// its id and timestamp set.
func (s *AthleteStore) RecordGap(ctx context.Context, gap Gap) (*Gap, error) {
	if gap.RecordedAt.IsZero() {
		gap.RecordedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_gap (run_id, division, region, page, url, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		gap.RunID.String(), gap.Division, gap.Region, gap.Page,
		gap.URL, gap.Reason, formatTime(gap.RecordedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert gap: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get gap id: %w", err)
	}
	gap.ID = id
	gap.RecordedAt = parseTime(formatTime(gap.RecordedAt))

	return &gap, nil
}

// ListGaps returns recorded gaps, oldest first. A nil runID lists every run.
func (s *AthleteStore) ListGaps(ctx context.Context, runID *uuid.UUID) ([]Gap, error) {
	query := `
		SELECT id, run_id, division, region, page, url, reason, recorded_at
		FROM crawl_gap
	`
	var args []any
	if runID != nil {
		query += " WHERE run_id = ?"
		args = append(args, runID.String())
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gaps: %w", err)
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		var runIDStr, recordedAtStr string
		err := rows.Scan(&g.ID, &runIDStr, &g.Division, &g.Region, &g.Page, &g.URL, &g.Reason, &recordedAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}

		g.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run ID: %w", err)
		}
		g.RecordedAt = parseTime(recordedAtStr)

		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gaps: %w", err)
	}

	return gaps, nil
}

// Helper functions for time formatting
func formatTime(t time.Time) string {
	// Strip monotonic clock for consistent storage and comparisons
	return t.UTC().Truncate(0).Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.Truncate(0)
}
