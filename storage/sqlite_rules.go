package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"threatcloud/core"

	"go.uber.org/zap"
)

// =============================================================================
// SQLite Rule Storage Implementation
// =============================================================================

// SQLiteRuleStorage implements core.RuleStorage. The rules table is
// insert-only: published rule content is immutable and a refined pattern is
// published under a fresh id.
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStorage creates a new rule storage instance
func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{sqlite: sqlite, logger: logger}
}

// PublishRule inserts a new rule. Publishing an id twice is a constraint
// violation, never an update.
func (s *SQLiteRuleStorage) PublishRule(ctx context.Context, rule *core.ThreatCloudRule) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if rule.Content == "" {
		return fmt.Errorf("rule content is required")
	}
	if rule.PublishedAt.IsZero() {
		rule.PublishedAt = time.Now().UTC()
	}

	_, err := s.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO rules (id, content, source, published_at) VALUES (?, ?, ?, ?)`,
		rule.ID, rule.Content, rule.Source, rule.PublishedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: rule %s already published", ErrConstraintViolation, rule.ID)
		}
		return fmt.Errorf("failed to publish rule: %w", err)
	}

	s.logger.Infow("Rule published", "rule_id", rule.ID, "source", rule.Source)
	return nil
}

// GetRule retrieves a rule by id
func (s *SQLiteRuleStorage) GetRule(ctx context.Context, id string) (*core.ThreatCloudRule, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rule core.ThreatCloudRule
	err := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT id, content, source, published_at FROM rules WHERE id = ?`, id,
	).Scan(&rule.ID, &rule.Content, &rule.Source, &rule.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// ListRulesSince returns rules published at or after the given time, oldest
// first, for agent update bundles.
func (s *SQLiteRuleStorage) ListRulesSince(ctx context.Context, since time.Time, limit int) ([]*core.ThreatCloudRule, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if limit <= 0 || limit > core.MaxSearchPageSize {
		limit = core.MaxSearchPageSize
	}

	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT id, content, source, published_at FROM rules
		 WHERE published_at >= ? ORDER BY published_at, id LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.ThreatCloudRule
	for rows.Next() {
		var rule core.ThreatCloudRule
		if err := rows.Scan(&rule.ID, &rule.Content, &rule.Source, &rule.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}
