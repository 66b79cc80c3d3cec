// internal/storage/token/sqlite.go
package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/trenchcoat/enricher/internal/core"
)

const defaultQueryTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS enrichment_tasks (
	token_id     TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL DEFAULT '',
	tier         INTEGER NOT NULL DEFAULT 0,
	retries      INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT NOT NULL DEFAULT '',
	last_attempt DATETIME,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_tasks_queue
	ON enrichment_tasks (status, tier, created_at);

CREATE TABLE IF NOT EXISTS token_records (
	token_id          TEXT PRIMARY KEY,
	symbol            TEXT NOT NULL DEFAULT '',
	price             REAL,
	volume_24h        REAL,
	liquidity         REAL,
	market_cap        REAL,
	holder_count      INTEGER,
	top_holder_pct    REAL,
	social_followers  INTEGER,
	social_mentions   INTEGER,
	risk_flags        TEXT,
	completeness      REAL NOT NULL,
	price_consistency TEXT NOT NULL,
	sources           TEXT NOT NULL,
	metadata          TEXT NOT NULL,
	enriched_at       DATETIME NOT NULL
);
`

// taskRow mirrors enrichment_tasks; last_attempt is nullable.
type taskRow struct {
	TokenID     string       `db:"token_id"`
	Symbol      string       `db:"symbol"`
	Tier        int          `db:"tier"`
	Retries     int          `db:"retries"`
	Status      string       `db:"status"`
	LastError   string       `db:"last_error"`
	LastAttempt sql.NullTime `db:"last_attempt"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r taskRow) task() core.EnrichmentTask {
	t := core.EnrichmentTask{
		TokenID:   r.TokenID,
		Symbol:    r.Symbol,
		Tier:      r.Tier,
		Retries:   r.Retries,
		Status:    core.TaskStatus(r.Status),
		LastError: r.LastError,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.LastAttempt.Valid {
		t.LastAttempt = r.LastAttempt.Time.UTC()
	}
	return t
}

const taskColumns = `token_id, symbol, tier, retries, status, last_error, last_attempt, created_at`

// SQLiteStore keeps the queue and records in a local SQLite file.
type SQLiteStore struct {
	db         *sqlx.DB
	clock      clock.Clock
	timeout    time.Duration
	staleAfter time.Duration
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string, clk clock.Clock) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clk == nil {
		clk = clock.New()
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: clk, timeout: defaultQueryTimeout, staleAfter: DefaultStaleAfter}, nil
}

// SetStaleAfter changes the in_progress reclaim cutoff; zero disables it.
// Call it before the store is shared.
func (s *SQLiteStore) SetStaleAfter(d time.Duration) {
	s.staleAfter = d
}

// Enqueue inserts a task or resets an existing one to pending.
func (s *SQLiteStore) Enqueue(ctx context.Context, task core.EnrichmentTask) error {
	if task.TokenID == "" {
		return core.WrapError(core.ErrInvalidToken, fmt.Errorf("token id is empty"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO enrichment_tasks (token_id, symbol, tier, retries, status, last_error, created_at)
		VALUES (?, ?, ?, 0, ?, '', ?)
		ON CONFLICT (token_id) DO UPDATE SET
			symbol = CASE WHEN excluded.symbol = '' THEN enrichment_tasks.symbol ELSE excluded.symbol END,
			tier = excluded.tier,
			retries = 0,
			status = excluded.status,
			last_error = ''`

	_, err := s.db.ExecContext(ctx, query,
		task.TokenID, task.Symbol, task.Tier, string(core.TaskPending), s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.TokenID, err)
	}
	return nil
}

// Pending returns pending and stale in_progress tasks in queue order.
func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]core.EnrichmentTask, error) {
	if s.staleAfter <= 0 {
		return s.List(ctx, ListFilter{Status: core.TaskPending, Limit: limit})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	cutoff := s.clock.Now().UTC().Add(-s.staleAfter)
	query := `SELECT ` + taskColumns + ` FROM enrichment_tasks
		WHERE status = ?
			OR (status = ? AND last_attempt IS NOT NULL AND last_attempt <= ?)
		ORDER BY tier ASC, created_at ASC, token_id ASC
		LIMIT ?`

	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(core.TaskPending), string(core.TaskInProgress), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	tasks := make([]core.EnrichmentTask, len(rows))
	for i, r := range rows {
		tasks[i] = r.task()
	}
	return tasks, nil
}

// MarkInProgress flags a task as being worked on.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, tokenID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_tasks SET status = ?, last_attempt = ? WHERE token_id = ?`,
		string(core.TaskInProgress), s.clock.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("failed to mark %s in progress: %w", tokenID, err)
	}
	return requireRow(res)
}

// SaveRecord writes the record (flattened columns plus the full JSON) and
// completes the task in one transaction.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec core.UnifiedRecord, retries int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metadata, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	var riskFlags sql.NullString
	if rec.RiskFlags != nil {
		b, err := json.Marshal(rec.RiskFlags)
		if err != nil {
			return fmt.Errorf("failed to marshal risk flags: %w", err)
		}
		riskFlags = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_records (
			token_id, symbol, price, volume_24h, liquidity, market_cap, holder_count,
			top_holder_pct, social_followers, social_mentions, risk_flags,
			completeness, price_consistency, sources, metadata, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_id) DO UPDATE SET
			symbol = excluded.symbol,
			price = excluded.price,
			volume_24h = excluded.volume_24h,
			liquidity = excluded.liquidity,
			market_cap = excluded.market_cap,
			holder_count = excluded.holder_count,
			top_holder_pct = excluded.top_holder_pct,
			social_followers = excluded.social_followers,
			social_mentions = excluded.social_mentions,
			risk_flags = excluded.risk_flags,
			completeness = excluded.completeness,
			price_consistency = excluded.price_consistency,
			sources = excluded.sources,
			metadata = excluded.metadata,
			enriched_at = excluded.enriched_at`,
		rec.TokenID, rec.Symbol, rec.Price, rec.Volume24h, rec.Liquidity, rec.MarketCap,
		rec.HolderCount, rec.TopHolderPct, rec.SocialFollowers, rec.SocialMentions, riskFlags,
		rec.Completeness, string(rec.PriceConsistency), string(sources), string(metadata),
		rec.EnrichedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.TokenID, err)
	}

	now := s.clock.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO enrichment_tasks (token_id, symbol, tier, retries, status, last_error, last_attempt, created_at)
		VALUES (?, ?, 0, ?, ?, '', ?, ?)
		ON CONFLICT (token_id) DO UPDATE SET
			retries = excluded.retries,
			status = excluded.status,
			last_error = '',
			last_attempt = excluded.last_attempt`,
		rec.TokenID, rec.Symbol, retries, string(core.TaskCompleted), now, now)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", rec.TokenID, err)
	}

	return tx.Commit()
}

// MarkFailed marks a task failed.
func (s *SQLiteStore) MarkFailed(ctx context.Context, tokenID string, retries int, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_tasks SET status = ?, retries = ?, last_error = ?, last_attempt = ? WHERE token_id = ?`,
		string(core.TaskFailed), retries, reason, s.clock.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", tokenID, err)
	}
	return requireRow(res)
}

// Get retrieves a task by token id.
func (s *SQLiteStore) Get(ctx context.Context, tokenID string) (*core.EnrichmentTask, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM enrichment_tasks WHERE token_id = ?`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", tokenID, err)
	}
	t := row.task()
	return &t, nil
}

// Record retrieves the stored record for a token.
func (s *SQLiteStore) Record(ctx context.Context, tokenID string) (*core.UnifiedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var metadata string
	err := s.db.GetContext(ctx, &metadata,
		`SELECT metadata FROM token_records WHERE token_id = ?`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", tokenID, err)
	}

	var rec core.UnifiedRecord
	if err := json.Unmarshal([]byte(metadata), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// List returns tasks matching the filter in queue order.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]core.EnrichmentTask, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + taskColumns + ` FROM enrichment_tasks`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY tier ASC, created_at ASC, token_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]core.EnrichmentTask, len(rows))
	for i, r := range rows {
		tasks[i] = r.task()
	}
	return tasks, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
