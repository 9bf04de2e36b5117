package reputation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"threatcloud/core"
	"threatcloud/storage"

	"go.uber.org/zap"
)

func setupEngine(t *testing.T) (*Engine, *storage.SQLiteIndicatorStorage, *storage.SQLiteEventStorage) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zap.NewNop().Sugar()

	sqlite, err := storage.NewSQLite(dbPath, logger)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	indicators := storage.NewSQLiteIndicatorStorage(sqlite, logger)
	events := storage.NewSQLiteEventStorage(sqlite, logger)
	engine := NewEngine(indicators, events, DefaultParams(), logger)
	return engine, indicators, events
}

func addSightings(t *testing.T, indicators *storage.SQLiteIndicatorStorage, value string, count int, seenAt time.Time) *core.IoCRecord {
	var rec *core.IoCRecord
	for i := 0; i < count; i++ {
		var err error
		rec, _, err = indicators.Upsert(context.Background(), core.IndicatorInput{
			Type:   core.IndicatorTypeIP,
			Value:  value,
			SeenAt: seenAt,
		})
		if err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	return rec
}

func TestCalculateForIoC_AbsentIDScoresZero(t *testing.T) {
	engine, _, _ := setupEngine(t)

	score, err := engine.CalculateForIoC(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("absent id must not error: %v", err)
	}
	if score != 0 {
		t.Errorf("absent id should score 0, got %f", score)
	}
}

func TestScore_MonotonicInSightings(t *testing.T) {
	engine, indicators, _ := setupEngine(t)
	now := time.Now().UTC()

	few := addSightings(t, indicators, "10.0.0.1", 2, now)
	many := addSightings(t, indicators, "10.0.0.2", 20, now)

	fewScore, err := engine.CalculateForIoC(context.Background(), few.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	manyScore, err := engine.CalculateForIoC(context.Background(), many.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}

	if manyScore <= fewScore {
		t.Errorf("more sightings must score higher: %d sightings=%f, %d sightings=%f",
			few.Sightings, fewScore, many.Sightings, manyScore)
	}
}

func TestScore_DecaysWithTimeSinceLastSeen(t *testing.T) {
	engine, indicators, _ := setupEngine(t)
	now := time.Now().UTC()

	fresh := addSightings(t, indicators, "10.0.0.1", 5, now)
	stale := addSightings(t, indicators, "10.0.0.2", 5, now.Add(-60*24*time.Hour))

	freshScore, err := engine.CalculateForIoC(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	staleScore, err := engine.CalculateForIoC(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}

	if staleScore >= freshScore {
		t.Errorf("unseen-for-60-days indicator must score below a fresh one: stale=%f fresh=%f",
			staleScore, freshScore)
	}
	// Two half-lives: the stale score should be roughly a quarter
	if staleScore > freshScore*0.3 {
		t.Errorf("decay too weak after two half-lives: stale=%f fresh=%f", staleScore, freshScore)
	}
}

func TestScore_SeverityAndDiversityRaiseScore(t *testing.T) {
	engine, indicators, events := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	quiet := addSightings(t, indicators, "10.0.0.1", 3, now)
	loud := addSightings(t, indicators, "10.0.0.2", 3, now)

	// Corroborated critical activity for the second indicator only
	for _, sourceType := range []string{core.SourceTypeGuard, core.SourceTypeTrap, core.SourceTypeFeed} {
		_, err := events.InsertEvent(ctx, &core.EnrichedThreatEvent{
			SourceType: sourceType,
			Indicator:  "10.0.0.2",
			AttackType: "brute_force",
			Severity:   core.SeverityCritical,
			Timestamp:  now,
		})
		if err != nil {
			t.Fatalf("event insert failed: %v", err)
		}
	}

	quietScore, err := engine.CalculateForIoC(ctx, quiet.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	loudScore, err := engine.CalculateForIoC(ctx, loud.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}

	if loudScore <= quietScore {
		t.Errorf("critical corroborated activity must raise the score: quiet=%f loud=%f",
			quietScore, loudScore)
	}
	if loudScore > 100 || loudScore < 0 {
		t.Errorf("score out of range: %f", loudScore)
	}
}

func TestRecalculateAll_PersistsScores(t *testing.T) {
	engine, indicators, events := setupEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := addSightings(t, indicators, "10.0.0.1", 10, now)
	_, err := events.InsertEvent(ctx, &core.EnrichedThreatEvent{
		SourceType: core.SourceTypeGuard,
		Indicator:  "10.0.0.1",
		AttackType: "brute_force",
		Severity:   core.SeverityHigh,
		Timestamp:  now,
	})
	if err != nil {
		t.Fatalf("event insert failed: %v", err)
	}

	result, err := engine.RecalculateAll(ctx)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if result.Updated != 1 || result.Failed != 0 {
		t.Errorf("expected 1 updated, 0 failed, got %+v", result)
	}

	updated, err := indicators.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if updated.ReputationScore == core.DefaultReputationScore {
		t.Error("recompute should replace the neutral seed score")
	}

	expected, err := engine.CalculateForIoC(ctx, rec.ID)
	if err != nil {
		t.Fatalf("scoring failed: %v", err)
	}
	if diff := updated.ReputationScore - expected; diff > 0.01 || diff < -0.01 {
		t.Errorf("persisted score %f does not match computed %f", updated.ReputationScore, expected)
	}
}

func TestRecalculateAll_EmptyStore(t *testing.T) {
	engine, _, _ := setupEngine(t)

	result, err := engine.RecalculateAll(context.Background())
	if err != nil {
		t.Fatalf("recompute on empty store failed: %v", err)
	}
	if result.Updated != 0 || result.Failed != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
