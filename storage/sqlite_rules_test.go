package storage

import (
	"context"
	"testing"
	"time"

	"threatcloud/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRuleStorage(t *testing.T) *SQLiteRuleStorage {
	sqlite := setupTestSQLite(t)
	return NewSQLiteRuleStorage(sqlite, zap.NewNop().Sugar())
}

func TestPublishRule_RoundTrip(t *testing.T) {
	store := setupRuleStorage(t)
	ctx := context.Background()

	rule := &core.ThreatCloudRule{
		ID:      "rule-1",
		Content: "title: Brute force cluster\n",
		Source:  "threatcloud-rulegen/1 campaign=abc",
	}
	require.NoError(t, store.PublishRule(ctx, rule))
	assert.False(t, rule.PublishedAt.IsZero(), "PublishedAt should be stamped")

	got, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, rule.Content, got.Content)
	assert.Equal(t, rule.Source, got.Source)
}

func TestPublishRule_RejectsRepublish(t *testing.T) {
	store := setupRuleStorage(t)
	ctx := context.Background()

	rule := &core.ThreatCloudRule{ID: "rule-1", Content: "original"}
	require.NoError(t, store.PublishRule(ctx, rule))

	err := store.PublishRule(ctx, &core.ThreatCloudRule{ID: "rule-1", Content: "modified"})
	assert.ErrorIs(t, err, ErrConstraintViolation, "Published rules are immutable")

	got, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content, "Content must be untouched by the rejected republish")
}

func TestPublishRule_Validation(t *testing.T) {
	store := setupRuleStorage(t)

	assert.Error(t, store.PublishRule(context.Background(), &core.ThreatCloudRule{Content: "c"}), "missing id")
	assert.Error(t, store.PublishRule(context.Background(), &core.ThreatCloudRule{ID: "r"}), "missing content")
}

func TestGetRule_NotFound(t *testing.T) {
	store := setupRuleStorage(t)

	_, err := store.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestListRulesSince(t *testing.T) {
	store := setupRuleStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"rule-a", "rule-b", "rule-c"} {
		require.NoError(t, store.PublishRule(ctx, &core.ThreatCloudRule{
			ID:          id,
			Content:     "content",
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	rules, err := store.ListRulesSince(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "rule-b", rules[0].ID, "Oldest first")
	assert.Equal(t, "rule-c", rules[1].ID)

	limited, err := store.ListRulesSince(ctx, base, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
