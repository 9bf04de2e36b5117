package bootstrap

import (
	"context"
	"fmt"
	"time"

	"threatcloud/core"
	"threatcloud/scheduler"
)

// jobActor identifies scheduler-driven mutations in the audit log.
const jobActor = "scheduler"

// registerJobs binds each maintenance job to its configured cadence. Every
// job is single-flight per kind: a fire that lands mid-run is skipped.
func (a *App) registerJobs() error {
	cfg := a.Config

	jobs := []struct {
		kind     scheduler.JobKind
		schedule string
		fn       scheduler.JobFunc
	}{
		{scheduler.JobReputation, cfg.Scheduler.ReputationSchedule, a.runReputationRecompute},
		{scheduler.JobExpiry, cfg.Scheduler.ExpirySchedule, a.runStaleExpiry},
		{scheduler.JobPurge, cfg.Scheduler.PurgeSchedule, a.runPurge},
		{scheduler.JobCorrelation, cfg.Scheduler.CorrelationSchedule, a.runCorrelationScan},
		{scheduler.JobRuleGen, cfg.Scheduler.RuleGenSchedule, a.runRuleGeneration},
	}
	for _, job := range jobs {
		if err := a.Scheduler.Register(job.kind, job.schedule, job.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) runReputationRecompute(ctx context.Context) error {
	result, err := a.Reputation.RecalculateAll(ctx)
	if err != nil {
		return err
	}
	a.Audit.RecordAction(ctx, core.AuditActionReputationUpdate, jobActor,
		fmt.Sprintf("updated=%d failed=%d", result.Updated, result.Failed))
	return nil
}

func (a *App) runStaleExpiry(ctx context.Context) error {
	cutoff := a.Config.StalenessCutoff(time.Now().UTC())
	expired, err := a.Indicators.ExpireStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if expired > 0 {
		a.Sugar.Infow("Expired stale indicators", "count", expired, "cutoff", cutoff)
		a.Audit.RecordAction(ctx, core.AuditActionExpire, jobActor, fmt.Sprintf("count=%d", expired))
	}
	return nil
}

func (a *App) runPurge(ctx context.Context) error {
	now := time.Now().UTC()

	purged, err := a.Indicators.PurgeExpired(ctx, a.Config.PurgeCutoff(now))
	if err != nil {
		return err
	}
	if purged > 0 {
		a.Sugar.Infow("Purged expired indicators", "count", purged)
		a.Audit.RecordAction(ctx, core.AuditActionPurge, jobActor, fmt.Sprintf("count=%d", purged))
	}

	events, err := a.Events.PurgeEventsBefore(ctx, a.Config.EventRetentionCutoff(now))
	if err != nil {
		return err
	}
	if events > 0 {
		a.Sugar.Infow("Purged aged events", "count", events)
	}
	return nil
}

func (a *App) runCorrelationScan(ctx context.Context) error {
	campaigns, err := a.Correlation.Scan(ctx)
	if err != nil {
		return err
	}
	a.Sugar.Infow("Correlation scan complete", "campaigns", len(campaigns))
	return nil
}

// runRuleGeneration chains a fresh correlation scan into rule synthesis so
// rules always derive from current clusters, not a stale snapshot.
func (a *App) runRuleGeneration(ctx context.Context) error {
	campaigns, err := a.Correlation.Scan(ctx)
	if err != nil {
		return err
	}
	result, err := a.RuleGen.Generate(ctx, campaigns)
	if err != nil {
		return err
	}
	if result.Generated > 0 {
		for _, rule := range result.Rules {
			a.Audit.RecordAction(ctx, core.AuditActionRulePublish, jobActor, rule.ID)
		}
	}
	a.Sugar.Infow("Rule generation complete",
		"generated", result.Generated, "skipped", result.Skipped, "duration", result.Duration)
	return nil
}
