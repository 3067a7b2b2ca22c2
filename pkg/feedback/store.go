package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store persists feedback events.
type Store interface {
	Insert(ctx context.Context, event *Event) error
	InsertBatch(ctx context.Context, events []*Event) error
	Get(ctx context.Context, feedbackID string) (*Event, error)
	Unprocessed(ctx context.Context, limit int) ([]*Event, error)
	MarkProcessed(ctx context.Context, feedbackIDs []string) error
	Stats(ctx context.Context) (*StoreStats, error)
	Close() error
}

// StoreStats summarises the archive for diagnostics.
type StoreStats struct {
	Total         int64            `json:"total"`
	ByType        map[Type]int64   `json:"by_type"`
	Unprocessed   int64            `json:"unprocessed"`
	AverageImpact float64          `json:"average_impact"`
	SuccessRate   float64          `json:"success_rate"`
}

// dialect abstracts the two SQL flavours: $n vs ? placeholders and the
// JSON column type.
type dialect struct {
	name        string
	placeholder func(n int) string
	jsonType    string
	boolTrue    string
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	jsonType:    "JSONB",
	boolTrue:    "TRUE",
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(n int) string { return "?" },
	jsonType:    "TEXT",
	boolTrue:    "1",
}

// SQLStore implements Store over database/sql with either driver.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// NewPostgresStore opens a Postgres-backed store and migrates the schema.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("feedback: open postgres: %w", err)
	}
	return newSQLStore(db, postgresDialect)
}

// NewSQLiteStore opens a SQLite-backed store (lite mode) and migrates.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("feedback: open sqlite: %w", err)
	}
	return newSQLStore(db, sqliteDialect)
}

// NewStoreWithDB wraps an existing handle; postgres selects $n placeholders.
func NewStoreWithDB(db *sql.DB, postgres bool) (*SQLStore, error) {
	d := sqliteDialect
	if postgres {
		d = postgresDialect
	}
	return newSQLStore(db, d)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS feedback_events (
		feedback_id        TEXT PRIMARY KEY,
		decision_id        TEXT NOT NULL,
		tenant_id          TEXT,
		feedback_type      TEXT NOT NULL CHECK (feedback_type IN ('positive','negative','neutral','correction')),
		outcome            TEXT NOT NULL CHECK (outcome IN ('success','failure','partial','unknown')),
		predicted_impact   REAL NOT NULL DEFAULT 0,
		actual_impact      REAL NOT NULL CHECK (actual_impact >= 0 AND actual_impact <= 1),
		features           %[1]s,
		correction_data    %[1]s,
		metadata           %[1]s,
		source             TEXT,
		processed          BOOLEAN NOT NULL DEFAULT %[2]s,
		published_to_kafka BOOLEAN NOT NULL DEFAULT %[2]s,
		created_at         TIMESTAMP NOT NULL
	)`, s.d.jsonType, oppositeOf(s.d.boolTrue))
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("feedback: migrate: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_feedback_decision ON feedback_events (decision_id)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_unprocessed ON feedback_events (created_at) WHERE NOT processed",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("feedback: migrate index: %w", err)
		}
	}
	return nil
}

func oppositeOf(boolTrue string) string {
	if boolTrue == "1" {
		return "0"
	}
	return "FALSE"
}

func (s *SQLStore) insertQuery() string {
	ph := make([]string, 14)
	for i := range ph {
		ph[i] = s.d.placeholder(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO feedback_events
		(feedback_id, decision_id, tenant_id, feedback_type, outcome,
		 predicted_impact, actual_impact, features, correction_data, metadata,
		 source, processed, published_to_kafka, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph[0], ph[1], ph[2], ph[3], ph[4], ph[5], ph[6], ph[7], ph[8], ph[9], ph[10], ph[11], ph[12], ph[13])
}

// Insert validates and persists one event.
func (s *SQLStore) Insert(ctx context.Context, event *Event) error {
	if _, err := event.Validate(); err != nil {
		return err
	}
	features, err := jsonColumn(event.Features)
	if err != nil {
		return fmt.Errorf("feedback: encode features: %w", err)
	}
	correction, err := jsonColumn(event.CorrectionData)
	if err != nil {
		return fmt.Errorf("feedback: encode correction: %w", err)
	}
	metadata, err := jsonColumn(event.Metadata)
	if err != nil {
		return fmt.Errorf("feedback: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.insertQuery(),
		event.FeedbackID, event.DecisionID, event.TenantID,
		string(event.FeedbackType), string(event.Outcome),
		event.PredictedImpact, event.ActualImpact,
		features, correction, metadata,
		event.Source, event.Processed, event.PublishedToKafka,
		event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("feedback: insert %s: %w", event.FeedbackID, err)
	}
	return nil
}

// InsertBatch persists a validated batch atomically.
func (s *SQLStore) InsertBatch(ctx context.Context, events []*Event) error {
	if err := ValidateBatch(events); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("feedback: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.insertQuery()
	for _, event := range events {
		features, err := jsonColumn(event.Features)
		if err != nil {
			return fmt.Errorf("feedback: encode features: %w", err)
		}
		correction, err := jsonColumn(event.CorrectionData)
		if err != nil {
			return fmt.Errorf("feedback: encode correction: %w", err)
		}
		metadata, err := jsonColumn(event.Metadata)
		if err != nil {
			return fmt.Errorf("feedback: encode metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			event.FeedbackID, event.DecisionID, event.TenantID,
			string(event.FeedbackType), string(event.Outcome),
			event.PredictedImpact, event.ActualImpact,
			features, correction, metadata,
			event.Source, event.Processed, event.PublishedToKafka,
			event.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("feedback: batch insert %s: %w", event.FeedbackID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("feedback: commit batch: %w", err)
	}
	return nil
}

const selectColumns = `feedback_id, decision_id, tenant_id, feedback_type, outcome,
	predicted_impact, actual_impact, features, correction_data, metadata,
	source, processed, published_to_kafka, created_at`

// Get fetches one event by id; sql.ErrNoRows when absent.
func (s *SQLStore) Get(ctx context.Context, feedbackID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM feedback_events WHERE feedback_id = %s", selectColumns, s.d.placeholder(1)),
		feedbackID)
	return scanEvent(row)
}

// Unprocessed returns the oldest unprocessed events, up to limit.
func (s *SQLStore) Unprocessed(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM feedback_events WHERE NOT processed ORDER BY created_at LIMIT %s",
			selectColumns, s.d.placeholder(1)),
		limit)
	if err != nil {
		return nil, fmt.Errorf("feedback: query unprocessed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkProcessed flags events as consumed by the learning loop.
func (s *SQLStore) MarkProcessed(ctx context.Context, feedbackIDs []string) error {
	if len(feedbackIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE feedback_events SET processed = %s WHERE feedback_id = %s",
		s.d.boolTrue, s.d.placeholder(1))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("feedback: begin mark: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range feedbackIDs {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("feedback: mark %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("feedback: commit mark: %w", err)
	}
	return nil
}

// Stats aggregates counts per type, the unprocessed backlog, the mean
// actual impact and the success share.
func (s *SQLStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{ByType: make(map[Type]int64)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT feedback_type, COUNT(*) FROM feedback_events GROUP BY feedback_type")
	if err != nil {
		return nil, fmt.Errorf("feedback: stats by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var ft string
		var n int64
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, fmt.Errorf("feedback: scan stats: %w", err)
		}
		stats.ByType[Type(ft)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE NOT processed),
		COALESCE(AVG(actual_impact), 0),
		COALESCE(AVG(CASE WHEN outcome = 'success' THEN 1.0 ELSE 0.0 END), 0)
		FROM feedback_events`)
	if err := row.Scan(&stats.Unprocessed, &stats.AverageImpact, &stats.SuccessRate); err != nil {
		return nil, fmt.Errorf("feedback: stats aggregate: %w", err)
	}
	return stats, nil
}

// Close releases the handle.
func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event      Event
		ft, oc     string
		tenant     sql.NullString
		source     sql.NullString
		features   sql.NullString
		correction sql.NullString
		metadata   sql.NullString
		created    time.Time
	)
	err := row.Scan(&event.FeedbackID, &event.DecisionID, &tenant, &ft, &oc,
		&event.PredictedImpact, &event.ActualImpact,
		&features, &correction, &metadata,
		&source, &event.Processed, &event.PublishedToKafka, &created)
	if err != nil {
		return nil, err
	}
	event.TenantID = tenant.String
	event.Source = source.String
	event.FeedbackType = Type(ft)
	event.Outcome = Outcome(oc)
	event.CreatedAt = created.UTC()
	if err := decodeColumn(features, &event.Features); err != nil {
		return nil, err
	}
	if err := decodeColumn(correction, &event.CorrectionData); err != nil {
		return nil, err
	}
	if err := decodeColumn(metadata, &event.Metadata); err != nil {
		return nil, err
	}
	return &event, nil
}

func jsonColumn(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeColumn(col sql.NullString, dst *map[string]any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("feedback: decode json column: %w", err)
	}
	return nil
}
