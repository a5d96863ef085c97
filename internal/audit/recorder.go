package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAction     = errors.New("audit action is required")
	errMissingTenant     = errors.New("audit tenant id is required")
	errMissingActor      = errors.New("audit actor id is required")
	noOpLogger           = zap.NewNop()

	// ErrDurabilityFailure means both the primary audit insert and the
	// outbox fallback failed for a strict event. Callers must fail the
	// entire surrounding transaction: a privileged write may never land
	// without a durable trace.
	ErrDurabilityFailure = errors.New("audit: durability failure on both audit and outbox writes")
)

// Outcome is the terminal state of one record attempt.
type Outcome string

const (
	// OutcomeAudited means the primary audit row was written.
	OutcomeAudited Outcome = "audited"
	// OutcomeQueued means the primary write failed but the outbox absorbed
	// the event for later reconciliation. Durability is preserved.
	OutcomeQueued Outcome = "queued"
	// OutcomeFatal means neither tier accepted the event. Always paired
	// with ErrDurabilityFailure.
	OutcomeFatal Outcome = "fatal"
	// OutcomeDropped means a best-effort (non-strict) write failed and was
	// swallowed after logging. Never returned for strict events.
	OutcomeDropped Outcome = "dropped"
)

// IDProvider issues identifiers for audit and outbox rows.
type IDProvider interface {
	NewID() (string, error)
}

// Options controls a single record attempt.
type Options struct {
	// Strict marks regulation-relevant writes: approvals, role changes,
	// financial postings. Non-strict failures are logged and swallowed.
	Strict bool
	// Outbox identifiers used when falling back; default to the event's
	// action and entity when empty.
	OutboxEventType     string
	OutboxAggregateType string
	OutboxAggregateID   string
}

type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Recorder writes the durable audit trail with a two-tier fallback.
type Recorder struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Recorder{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Record attempts the primary audit insert, then the outbox fallback for
// strict events. OutcomeFatal always carries ErrDurabilityFailure and the
// caller must roll back whatever transaction it is part of.
//
// Pass the caller's open transaction as tx so the audit row commits or
// rolls back with the business write; pass nil to use the recorder's own
// handle for standalone events.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, event Event, opts Options) (Outcome, error) {
	if err := validateEvent(event); err != nil {
		return OutcomeFatal, fmt.Errorf("%w: %v", ErrDurabilityFailure, err)
	}

	db := tx
	if db == nil {
		db = r.db
	}
	db = db.WithContext(ctx)

	if event.EventID == "" {
		eventID, err := r.idProvider.NewID()
		if err != nil {
			return r.fallback(ctx, db, event, opts, err)
		}
		event.EventID = eventID
	}
	if event.RecordedAt == 0 {
		event.RecordedAt = r.clock().UTC().Unix()
	}

	primaryErr := db.Create(&event).Error
	if primaryErr == nil {
		return OutcomeAudited, nil
	}

	return r.fallback(ctx, db, event, opts, primaryErr)
}

func (r *Recorder) fallback(ctx context.Context, db *gorm.DB, event Event, opts Options, primaryErr error) (Outcome, error) {
	if !opts.Strict {
		r.logger.Warn("best-effort audit write failed",
			zap.String("action", event.Action),
			zap.String("tenant_id", event.TenantID),
			zap.Error(primaryErr))
		return OutcomeDropped, nil
	}

	outbox, fallbackErr := r.buildOutboxEvent(event, opts)
	if fallbackErr == nil {
		fallbackErr = db.Create(&outbox).Error
	}
	if fallbackErr == nil {
		r.logger.Warn("audit write failed, event queued to outbox",
			zap.String("action", event.Action),
			zap.String("tenant_id", event.TenantID),
			zap.String("outbox_event_id", outbox.EventID),
			zap.Error(primaryErr))
		return OutcomeQueued, nil
	}

	r.logger.Error("audit durability failure: both tiers rejected the event",
		zap.String("action", event.Action),
		zap.String("tenant_id", event.TenantID),
		zap.NamedError("audit_error", primaryErr),
		zap.NamedError("outbox_error", fallbackErr))
	return OutcomeFatal, fmt.Errorf("%w: audit: %v; outbox: %v", ErrDurabilityFailure, primaryErr, fallbackErr)
}

func (r *Recorder) buildOutboxEvent(event Event, opts Options) (OutboxEvent, error) {
	eventID, err := r.idProvider.NewID()
	if err != nil {
		return OutboxEvent{}, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxEvent{}, err
	}

	eventType := opts.OutboxEventType
	if eventType == "" {
		eventType = event.Action
	}
	aggregateType := opts.OutboxAggregateType
	if aggregateType == "" {
		aggregateType = event.EntityType
	}
	aggregateID := opts.OutboxAggregateID
	if aggregateID == "" {
		aggregateID = event.EntityID
	}

	return OutboxEvent{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		TenantID:      event.TenantID,
		PayloadJSON:   string(payload),
		CreatedAt:     r.clock().UTC().Unix(),
	}, nil
}

func validateEvent(event Event) error {
	if event.Action == "" {
		return errMissingAction
	}
	if event.TenantID == "" {
		return errMissingTenant
	}
	if event.ActorID == "" {
		return errMissingActor
	}
	return nil
}
