package ingest

import (
	"context"
	"fmt"

	"threatcloud/audit"
	"threatcloud/core"
	"threatcloud/metrics"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Result reports what one ingestion did: the stored event (Inserted=false
// when hash dedup dropped it as a replay) and the indicator it merged into.
type Result struct {
	Event            *core.EnrichedThreatEvent `json:"event"`
	Inserted         bool                      `json:"inserted"`
	Indicator        *core.IoCRecord           `json:"indicator"`
	IndicatorCreated bool                      `json:"indicator_created"`
}

// Service is the ingestion boundary. Collaborators hand it already-parsed
// payloads; it validates them, normalizes the indicator, and writes the
// event plus the indicator sighting. No network I/O happens here.
type Service struct {
	indicators core.IndicatorStorage
	events     core.EventStorage
	audit      *audit.Logger
	validate   *validator.Validate
	logger     *zap.SugaredLogger
}

// NewService creates the ingestion service.
func NewService(indicators core.IndicatorStorage, events core.EventStorage, auditLog *audit.Logger, logger *zap.SugaredLogger) *Service {
	return &Service{
		indicators: indicators,
		events:     events,
		audit:      auditLog,
		validate:   validator.New(),
		logger:     logger,
	}
}

// IngestGuard processes one endpoint agent observation.
func (s *Service) IngestGuard(ctx context.Context, payload *AnonymizedThreatData) (*Result, error) {
	if err := s.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid guard payload: %w", err)
	}

	return s.store(ctx, payload.ToEvent(), core.IndicatorInput{
		Type:       core.IndicatorTypeIP,
		Value:      payload.SourceIP,
		ThreatType: payload.AttackType,
		Source:     payload.SensorID,
		Confidence: 70,
		Tags:       []string{payload.AttackType},
		Metadata:   regionMetadata(payload.Region),
		SeenAt:     payload.Timestamp,
	})
}

// IngestTrap processes one honeypot session summary, including its captured
// credential attempts.
func (s *Service) IngestTrap(ctx context.Context, payload *TrapIntelligencePayload) (*Result, error) {
	if err := s.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid trap payload: %w", err)
	}

	result, err := s.store(ctx, payload.ToEvent(), core.IndicatorInput{
		Type:       core.IndicatorTypeIP,
		Value:      payload.SourceIP,
		ThreatType: payload.ServiceType + "_intrusion",
		Source:     payload.SensorID,
		Confidence: 85, // Honeypot contact is deliberate, not incidental
		Tags:       []string{"honeypot", payload.ServiceType},
		Metadata:   regionMetadata(payload.Region),
		SeenAt:     payload.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	// Credentials only land once per event; replays were dropped by dedup
	if result.Inserted && len(payload.TopCredentials) > 0 {
		creds := make([]core.TrapCredential, 0, len(payload.TopCredentials))
		for _, c := range payload.TopCredentials {
			creds = append(creds, core.TrapCredential{
				EventID:  result.Event.ID,
				Username: c.Username,
				Password: c.Password,
				Attempts: c.Attempts,
			})
		}
		if err := s.events.InsertTrapCredentials(ctx, creds); err != nil {
			// Credential detail is enrichment, not identity; the event stands
			s.logger.Warnw("Failed to store trap credentials",
				"event_id", result.Event.ID, "error", err)
		}
	}
	return result, nil
}

// IngestFeedIndicator processes one indicator from an external feed import.
// Feed entries carry no event semantics beyond the sighting itself.
func (s *Service) IngestFeedIndicator(ctx context.Context, in core.IndicatorInput) (*core.IoCRecord, error) {
	if in.Value == "" {
		return nil, fmt.Errorf("feed indicator value is required")
	}
	if in.Source == "" {
		return nil, fmt.Errorf("feed indicator source is required")
	}

	rec, created, err := s.indicators.Upsert(ctx, in)
	if err != nil {
		return nil, err
	}
	s.countUpsert(created)
	s.audit.RecordAction(ctx, core.AuditActionUpsert, in.Source, rec.ID)
	return rec, nil
}

func (s *Service) store(ctx context.Context, event *core.EnrichedThreatEvent, in core.IndicatorInput) (*Result, error) {
	inserted, err := s.events.InsertEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}
	if inserted {
		metrics.EventsIngested.WithLabelValues(event.SourceType).Inc()
		s.audit.RecordAction(ctx, core.AuditActionEventIngest, in.Source, event.ID)
	} else {
		metrics.EventsDeduplicated.Inc()
	}

	rec, created, err := s.indicators.Upsert(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert indicator: %w", err)
	}
	s.countUpsert(created)
	s.audit.RecordAction(ctx, core.AuditActionUpsert, in.Source, rec.ID)

	return &Result{
		Event:            event,
		Inserted:         inserted,
		Indicator:        rec,
		IndicatorCreated: created,
	}, nil
}

func (s *Service) countUpsert(created bool) {
	if created {
		metrics.IndicatorUpserts.WithLabelValues("created").Inc()
	} else {
		metrics.IndicatorUpserts.WithLabelValues("merged").Inc()
	}
}

func regionMetadata(region string) map[string]string {
	if region == "" {
		return nil
	}
	return map[string]string{core.MetaRegion: region}
}
