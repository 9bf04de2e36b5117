// Package reputation computes 0-100 maliciousness scores for stored
// indicators from sighting volume, associated event severity, source
// diversity, and recency decay.
package reputation

import (
	"context"
	"errors"
	"math"
	"time"

	"threatcloud/core"
	"threatcloud/metrics"
	"threatcloud/storage"

	"go.uber.org/zap"
)

// Params holds the scoring weights and decay parameters. The defaults are
// tuned operationally, not derived; deployments adjust them via config.
type Params struct {
	SightingWeight    float64
	SeverityWeight    float64
	DiversityWeight   float64
	DecayHalfLifeDays float64
	SeverityPoints    map[string]float64
}

// DefaultParams returns the stock weighting used when no configuration is
// supplied.
func DefaultParams() Params {
	return Params{
		SightingWeight:    25,
		SeverityWeight:    35,
		DiversityWeight:   40,
		DecayHalfLifeDays: 30,
		SeverityPoints: map[string]float64{
			string(core.SeverityCritical): 1.0,
			string(core.SeverityHigh):     0.8,
			string(core.SeverityMedium):   0.5,
			string(core.SeverityLow):      0.3,
			string(core.SeverityInfo):     0.1,
		},
	}
}

// batchSize bounds the per-transaction write size during full recomputes so
// a long run never holds the write connection for the whole table.
const batchSize = 500

// sightingSaturation is the sighting count at which the volume term reaches
// its full weight. Diminishing returns: each additional sighting contributes
// less than the last.
const sightingSaturation = 100

// maxDiversitySources is the distinct-source count at which the
// corroboration term saturates (guard + trap + feed).
const maxDiversitySources = 3

// Engine scores indicators against their associated enriched events.
type Engine struct {
	indicators core.IndicatorStorage
	events     core.EventStorage
	params     Params
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewEngine creates a reputation engine.
func NewEngine(indicators core.IndicatorStorage, events core.EventStorage, params Params, logger *zap.SugaredLogger) *Engine {
	if params.DecayHalfLifeDays <= 0 {
		params.DecayHalfLifeDays = DefaultParams().DecayHalfLifeDays
	}
	if len(params.SeverityPoints) == 0 {
		params.SeverityPoints = DefaultParams().SeverityPoints
	}
	return &Engine{
		indicators: indicators,
		events:     events,
		params:     params,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RecalculateResult reports the outcome of a full recompute run.
type RecalculateResult struct {
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// CalculateForIoC computes the score for one indicator. A non-existent id
// scores 0: absence is "no evidence of maliciousness", not an error.
func (e *Engine) CalculateForIoC(ctx context.Context, id string) (float64, error) {
	rec, err := e.indicators.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	stats, err := e.events.StatsForIndicator(ctx, rec.Normalized)
	if err != nil {
		return 0, err
	}
	return e.score(rec, stats), nil
}

// score combines the weighted terms and clamps to [0,100]. It is
// monotonically non-decreasing in sightings and non-increasing in time since
// last seen, holding everything else fixed.
func (e *Engine) score(rec *core.IoCRecord, stats *core.IndicatorEventStats) float64 {
	// Sighting volume with diminishing returns
	sightingFactor := math.Log1p(float64(rec.Sightings)) / math.Log1p(sightingSaturation)
	if sightingFactor > 1 {
		sightingFactor = 1
	}

	// One critical event outweighs many low-severity ones: the max severity
	// drives the term, not the average
	severityFactor := 0.0
	if stats.EventCount > 0 {
		severityFactor = e.params.SeverityPoints[string(stats.MaxSeverity)]
	}

	// Independent corroboration from multiple sensor types raises confidence
	// disproportionately versus repeat reports from one source
	diversityFactor := 0.0
	if stats.DistinctSources > 0 {
		d := stats.DistinctSources
		if d > maxDiversitySources {
			d = maxDiversitySources
		}
		diversityFactor = (math.Pow(2, float64(d)) - 1) / (math.Pow(2, maxDiversitySources) - 1)
	}

	base := e.params.SightingWeight*sightingFactor +
		e.params.SeverityWeight*severityFactor +
		e.params.DiversityWeight*diversityFactor

	// Exponential recency decay: infrastructure gets reassigned and actors
	// rotate indicators, so an unseen indicator loses relevance
	daysSince := e.now().Sub(rec.LastSeen).Hours() / 24
	if daysSince < 0 {
		daysSince = 0
	}
	decay := math.Pow(0.5, daysSince/e.params.DecayHalfLifeDays)

	return core.ClampScore(base * decay)
}

// RecalculateAll rescores every indicator and writes the results in batched
// transactions. The id list is a snapshot taken at the start; rows changing
// underneath the run are acceptable staleness, corrected next cycle.
func (e *Engine) RecalculateAll(ctx context.Context) (*RecalculateResult, error) {
	start := e.now()

	ids, err := e.indicators.ListIDs(ctx, "")
	if err != nil {
		return nil, err
	}

	result := &RecalculateResult{}
	updates := make([]core.ReputationUpdate, 0, batchSize)

	flush := func() error {
		if len(updates) == 0 {
			return nil
		}
		if err := e.indicators.BatchUpdateReputation(ctx, updates); err != nil {
			return err
		}
		result.Updated += len(updates)
		updates = updates[:0]
		return nil
	}

	for _, id := range ids {
		score, err := e.CalculateForIoC(ctx, id)
		if err != nil {
			// Skip rows that fail individually; the run continues
			e.logger.Warnw("Failed to score indicator", "ioc_id", id, "error", err)
			result.Failed++
			continue
		}
		updates = append(updates, core.ReputationUpdate{ID: id, Score: score})
		metrics.IndicatorsScored.Inc()

		if len(updates) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	result.Duration = e.now().Sub(start)
	metrics.ReputationRecomputeDuration.Observe(result.Duration.Seconds())
	e.logger.Infow("Reputation recompute finished",
		"updated", result.Updated, "failed", result.Failed, "duration", result.Duration)
	return result, nil
}
