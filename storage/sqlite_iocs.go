package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threatcloud/core"

	"go.uber.org/zap"
)

// =============================================================================
// SQLite Indicator Storage Implementation
// =============================================================================

// Maximum size for JSON columns to prevent memory exhaustion on reads
const maxJSONFieldSize = 1 << 20 // 1MB

// upsertRetries bounds the busy-retry loop. Upsert re-executes from the
// normalized input, so a retry is safe by construction.
const upsertRetries = 3

// SQLiteIndicatorStorage implements core.IndicatorStorage using SQLite
type SQLiteIndicatorStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteIndicatorStorage creates a new indicator storage instance
func NewSQLiteIndicatorStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteIndicatorStorage {
	return &SQLiteIndicatorStorage{sqlite: sqlite, logger: logger}
}

// safeUnmarshalJSON unmarshals a JSON column with size validation
func safeUnmarshalJSON(data string, v interface{}) error {
	if len(data) > maxJSONFieldSize {
		return fmt.Errorf("JSON field exceeds maximum size (%d > %d bytes)", len(data), maxJSONFieldSize)
	}
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

const indicatorColumns = `id, type, value, normalized, threat_type, source, status,
	confidence, reputation_score, first_seen, last_seen, sightings,
	tags, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteIndicatorStorage) scanIndicator(row rowScanner) (*core.IoCRecord, error) {
	var rec core.IoCRecord
	var tagsJSON, metadataJSON string

	err := row.Scan(
		&rec.ID, &rec.Type, &rec.Value, &rec.Normalized, &rec.ThreatType, &rec.Source, &rec.Status,
		&rec.Confidence, &rec.ReputationScore, &rec.FirstSeen, &rec.LastSeen, &rec.Sightings,
		&tagsJSON, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan indicator: %w", err)
	}

	if err := safeUnmarshalJSON(tagsJSON, &rec.Tags); err != nil {
		s.logger.Warnw("Failed to parse indicator tags JSON", "ioc_id", rec.ID, "error", err)
	}
	if err := safeUnmarshalJSON(metadataJSON, &rec.Metadata); err != nil {
		s.logger.Warnw("Failed to parse indicator metadata JSON", "ioc_id", rec.ID, "error", err)
	}
	return &rec, nil
}

// =============================================================================
// Upsert
// =============================================================================

// Upsert merges one sighting into the store. The read-then-write merge runs
// inside a single transaction on the single-connection write pool, so two
// concurrent sightings of the same (type, normalized) key serialize: both
// increment the count, neither overwrites the other. Transient busy errors
// re-execute the whole operation from the normalized input.
func (s *SQLiteIndicatorStorage) Upsert(ctx context.Context, in core.IndicatorInput) (*core.IoCRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec *core.IoCRecord
	var created bool
	var err error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		rec, created, err = s.upsertOnce(ctx, in)
		if err == nil || !IsBusy(err) {
			break
		}
		s.logger.Warnw("Upsert hit busy database, retrying",
			"value", in.Value, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Infow("Indicator created",
			"ioc_id", rec.ID, "type", rec.Type, "normalized", rec.Normalized, "source", rec.Source)
	}
	return rec, created, nil
}

func (s *SQLiteIndicatorStorage) upsertOnce(ctx context.Context, in core.IndicatorInput) (*core.IoCRecord, bool, error) {
	indicatorType := in.Type
	if indicatorType == "" || !indicatorType.IsValid() {
		indicatorType = core.DetectType(in.Value)
	}
	in.Type = indicatorType
	normalized := core.Normalize(indicatorType, in.Value)

	var rec *core.IoCRecord
	var created bool

	err := s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		query := `SELECT ` + indicatorColumns + ` FROM iocs WHERE type = ? AND normalized = ?`
		existing, err := s.scanIndicator(tx.QueryRowContext(ctx, query, indicatorType, normalized))
		if err != nil && err != ErrNotFound {
			return err
		}

		if existing == nil {
			rec = core.NewIoCRecord(in)
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("indicator validation failed: %w", err)
			}
			created = true
			return s.insertIndicator(ctx, tx, rec)
		}

		existing.ApplySighting(in)
		rec = existing
		return s.updateIndicator(ctx, tx, existing)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

func (s *SQLiteIndicatorStorage) insertIndicator(ctx context.Context, tx *sql.Tx, rec *core.IoCRecord) error {
	tagsJSON, _ := json.Marshal(rec.Tags)
	metadataJSON, _ := json.Marshal(rec.Metadata)

	query := `
		INSERT INTO iocs (
			id, type, value, normalized, threat_type, source, status,
			confidence, reputation_score, first_seen, last_seen, sightings,
			tags, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		rec.ID, rec.Type, rec.Value, rec.Normalized, rec.ThreatType, rec.Source, rec.Status,
		rec.Confidence, rec.ReputationScore, rec.FirstSeen, rec.LastSeen, rec.Sightings,
		string(tagsJSON), string(metadataJSON), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: indicator already exists", ErrConstraintViolation)
		}
		return fmt.Errorf("failed to insert indicator: %w", err)
	}
	return nil
}

func (s *SQLiteIndicatorStorage) updateIndicator(ctx context.Context, tx *sql.Tx, rec *core.IoCRecord) error {
	tagsJSON, _ := json.Marshal(rec.Tags)
	metadataJSON, _ := json.Marshal(rec.Metadata)

	query := `
		UPDATE iocs SET
			threat_type = ?, source = ?, status = ?, confidence = ?,
			last_seen = ?, sightings = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := tx.ExecContext(ctx, query,
		rec.ThreatType, rec.Source, rec.Status, rec.Confidence,
		rec.LastSeen, rec.Sightings, string(tagsJSON), string(metadataJSON), rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update indicator: %w", err)
	}
	return nil
}

// =============================================================================
// Lookup and Search
// =============================================================================

// GetByID retrieves an indicator by id
func (s *SQLiteIndicatorStorage) GetByID(ctx context.Context, id string) (*core.IoCRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + indicatorColumns + ` FROM iocs WHERE id = ?`
	return s.scanIndicator(s.sqlite.ReadDB.QueryRowContext(ctx, query, id))
}

// Lookup finds an indicator by its dedup key. The value is normalized before
// the lookup, so callers may pass raw sighting values.
func (s *SQLiteIndicatorStorage) Lookup(ctx context.Context, indicatorType core.IndicatorType, value string) (*core.IoCRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	normalized := core.Normalize(indicatorType, value)
	query := `SELECT ` + indicatorColumns + ` FROM iocs WHERE type = ? AND normalized = ?`
	return s.scanIndicator(s.sqlite.ReadDB.QueryRowContext(ctx, query, indicatorType, normalized))
}

// Search returns one page of indicators matching the filters, newest updates
// first. The page size is clamped to core.MaxSearchPageSize; the second
// return reports whether more rows remain beyond this page.
func (s *SQLiteIndicatorStorage) Search(ctx context.Context, filters *core.IndicatorFilters) ([]*core.IoCRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if filters == nil {
		filters = &core.IndicatorFilters{}
	}

	limit := filters.Limit
	if limit <= 0 || limit > core.MaxSearchPageSize {
		limit = core.MaxSearchPageSize
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	var conditions []string
	var args []interface{}

	if filters.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filters.Type)
	}
	if filters.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filters.Source)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.MinReputation > 0 {
		conditions = append(conditions, "reputation_score >= ?")
		args = append(args, filters.MinReputation)
	}
	if filters.UpdatedSince != nil {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, filters.UpdatedSince.UTC())
	}
	if filters.Search != "" {
		conditions = append(conditions, "normalized LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(filters.Search)+"%")
	}

	query := `SELECT ` + indicatorColumns + ` FROM iocs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	// Fetch one extra row to detect hasMore without a COUNT round trip
	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to search indicators: %w", err)
	}
	defer rows.Close()

	var records []*core.IoCRecord
	for rows.Next() {
		rec, err := s.scanIndicator(rows)
		if err != nil {
			return nil, false, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("indicator search iteration failed: %w", err)
	}

	hasMore := false
	if len(records) > limit {
		hasMore = true
		records = records[:limit]
	}
	return records, hasMore, nil
}

// escapeLike escapes LIKE wildcards in user-supplied substrings
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

// ExpireStale transitions active indicators whose last sighting predates the
// cutoff to expired. Already-expired rows are never touched.
func (s *SQLiteIndicatorStorage) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE iocs SET status = ?, updated_at = ? WHERE status = ? AND last_seen < ?`,
		core.IndicatorStatusExpired, time.Now().UTC(), core.IndicatorStatusActive, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale indicators: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Infow("Stale indicators expired", "count", affected, "cutoff", cutoff)
	}
	return affected, nil
}

// PurgeExpired physically deletes expired indicators whose last update
// predates the cutoff. Irreversible; active rows are never purged
// regardless of age.
func (s *SQLiteIndicatorStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM iocs WHERE status = ? AND updated_at < ?`,
		core.IndicatorStatusExpired, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired indicators: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Infow("Expired indicators purged", "count", affected, "cutoff", cutoff)
	}
	return affected, nil
}

// =============================================================================
// Reputation
// =============================================================================

// BatchUpdateReputation applies all score updates in one transaction,
// clamping each score to [0,100]. A row that disappeared since the caller's
// snapshot read is skipped silently: the next recompute cycle corrects it.
func (s *SQLiteIndicatorStorage) BatchUpdateReputation(ctx context.Context, updates []core.ReputationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	return s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE iocs SET reputation_score = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare reputation update: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, core.ClampScore(u.Score), now, u.ID); err != nil {
				return fmt.Errorf("failed to update reputation for %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// ListIDs snapshots indicator ids, optionally filtered by status. Used by
// the recompute job to iterate without holding a cursor across writes.
func (s *SQLiteIndicatorStorage) ListIDs(ctx context.Context, status core.IndicatorStatus) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `SELECT id FROM iocs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicator ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan indicator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
