package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"threatcloud/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// SQLite Enriched Event Storage Implementation
// =============================================================================

// SQLiteEventStorage implements core.EventStorage using SQLite. The
// enriched_threats table is append-only: rows are inserted once, read by the
// reputation and correlation engines, and removed only by retention purge.
type SQLiteEventStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStorage creates a new event storage instance
func NewSQLiteEventStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEventStorage {
	return &SQLiteEventStorage{sqlite: sqlite, logger: logger}
}

// InsertEvent stores one enriched observation. Re-ingesting an event with
// the same hash is a no-op, not a duplicate row; the return reports whether
// a row was actually inserted.
func (s *SQLiteEventStorage) InsertEvent(ctx context.Context, event *core.EnrichedThreatEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Fingerprint()
	if event.IngestedAt.IsZero() {
		event.IngestedAt = time.Now().UTC()
	}
	if !event.Severity.IsValid() {
		event.Severity = core.SeverityMedium
	}

	techniquesJSON, _ := json.Marshal(event.Techniques)
	toolsJSON, _ := json.Marshal(event.Tools)

	query := `
		INSERT OR IGNORE INTO enriched_threats (
			id, event_hash, source_type, indicator, attack_type, techniques, severity,
			service_type, skill_level, intent, tools, region, timestamp, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.sqlite.WriteDB.ExecContext(ctx, query,
		event.ID, event.EventHash, event.SourceType, event.Indicator, event.AttackType,
		string(techniquesJSON), event.Severity,
		event.ServiceType, event.SkillLevel, event.Intent, string(toolsJSON),
		event.Region, event.Timestamp.UTC(), event.IngestedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert enriched event: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// InsertTrapCredentials records honeypot credential attempts for an event.
// Replays of the same (event, username, password) accumulate attempts.
func (s *SQLiteEventStorage) InsertTrapCredentials(ctx context.Context, creds []core.TrapCredential) error {
	if len(creds) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trap_credentials (event_id, username, password, attempts)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id, username, password)
			DO UPDATE SET attempts = attempts + excluded.attempts
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare credential insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range creds {
			attempts := c.Attempts
			if attempts < 1 {
				attempts = 1
			}
			if _, err := stmt.ExecContext(ctx, c.EventID, c.Username, c.Password, attempts); err != nil {
				return fmt.Errorf("failed to insert trap credential: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteEventStorage) scanEvent(row rowScanner) (*core.EnrichedThreatEvent, error) {
	var e core.EnrichedThreatEvent
	var techniquesJSON, toolsJSON string

	err := row.Scan(
		&e.ID, &e.EventHash, &e.SourceType, &e.Indicator, &e.AttackType,
		&techniquesJSON, &e.Severity,
		&e.ServiceType, &e.SkillLevel, &e.Intent, &toolsJSON,
		&e.Region, &e.Timestamp, &e.IngestedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan enriched event: %w", err)
	}

	if err := safeUnmarshalJSON(techniquesJSON, &e.Techniques); err != nil {
		s.logger.Warnw("Failed to parse event techniques JSON", "event_id", e.ID, "error", err)
	}
	if err := safeUnmarshalJSON(toolsJSON, &e.Tools); err != nil {
		s.logger.Warnw("Failed to parse event tools JSON", "event_id", e.ID, "error", err)
	}
	return &e, nil
}

// ListEvents returns events matching the filters in timestamp order. The
// engines call this at the start of each run; the result is a snapshot and
// rows inserted afterwards are picked up on the next run.
func (s *SQLiteEventStorage) ListEvents(ctx context.Context, filters *core.EventFilters) ([]*core.EnrichedThreatEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if filters == nil {
		filters = &core.EventFilters{}
	}

	var conditions []string
	var args []interface{}

	if filters.SourceType != "" {
		conditions = append(conditions, "source_type = ?")
		args = append(args, filters.SourceType)
	}
	if filters.Indicator != "" {
		conditions = append(conditions, "indicator = ?")
		args = append(args, filters.Indicator)
	}
	if filters.Technique != "" {
		// Techniques are stored as a JSON array of quoted strings
		conditions = append(conditions, "techniques LIKE ?")
		args = append(args, `%"`+filters.Technique+`"%`)
	}
	if filters.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.Since.UTC())
	}
	if filters.Until != nil {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filters.Until.UTC())
	}

	query := `
		SELECT id, event_hash, source_type, indicator, attack_type, techniques, severity,
			service_type, skill_level, intent, tools, region, timestamp, ingested_at
		FROM enriched_threats
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list enriched events: %w", err)
	}
	defer rows.Close()

	var events []*core.EnrichedThreatEvent
	for rows.Next() {
		event, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// StatsForIndicator aggregates the events referencing one normalized
// indicator value: total count, maximum severity, and the number of distinct
// source types that independently reported it.
func (s *SQLiteEventStorage) StatsForIndicator(ctx context.Context, indicator string) (*core.IndicatorEventStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `
		SELECT COUNT(*), COUNT(DISTINCT source_type),
			COALESCE(MAX(CASE severity
				WHEN 'critical' THEN 5
				WHEN 'high' THEN 4
				WHEN 'medium' THEN 3
				WHEN 'low' THEN 2
				WHEN 'info' THEN 1
				ELSE 0 END), 0)
		FROM enriched_threats WHERE indicator = ?
	`

	var stats core.IndicatorEventStats
	var maxRank int
	err := s.sqlite.ReadDB.QueryRowContext(ctx, query, indicator).Scan(
		&stats.EventCount, &stats.DistinctSources, &maxRank,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate indicator events: %w", err)
	}

	switch maxRank {
	case 5:
		stats.MaxSeverity = core.SeverityCritical
	case 4:
		stats.MaxSeverity = core.SeverityHigh
	case 3:
		stats.MaxSeverity = core.SeverityMedium
	case 2:
		stats.MaxSeverity = core.SeverityLow
	case 1:
		stats.MaxSeverity = core.SeverityInfo
	}
	return &stats, nil
}

// PurgeEventsBefore removes events older than the retention cutoff. Trap
// credentials cascade with their events.
func (s *SQLiteEventStorage) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM enriched_threats WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge enriched events: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Infow("Enriched events purged", "count", affected, "cutoff", cutoff)
	}
	return affected, nil
}
