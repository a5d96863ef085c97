package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	index int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("event-%d", g.index), nil
}

func newTestRecorder(t *testing.T) (*Recorder, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "audit.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Event{}, &OutboxEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	recorder, err := NewRecorder(RecorderConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0) },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}
	return recorder, db
}

func sampleEvent() Event {
	return Event{
		Action:     "registration.approve",
		EventType:  EventTypeUpdate,
		EntityType: "registration",
		EntityID:   "reg-1",
		TenantID:   "tenant-1",
		FacilityID: "facility-1",
		ActorID:    "actor-1",
		ActorRole:  "admin",
	}
}

func TestRecordWritesPrimaryAuditRow(t *testing.T) {
	recorder, db := newTestRecorder(t)

	outcome, err := recorder.Record(context.Background(), nil, sampleEvent(), Options{Strict: true})
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if outcome != OutcomeAudited {
		t.Fatalf("expected audited outcome, got %s", outcome)
	}

	var stored Event
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load audit event: %v", err)
	}
	if stored.EventID == "" || stored.RecordedAt == 0 {
		t.Fatalf("audit event missing id or timestamp: %+v", stored)
	}
	if stored.Action != "registration.approve" || stored.TenantID != "tenant-1" {
		t.Fatalf("unexpected audit event: %+v", stored)
	}
}

func TestRecordStrictFallsBackToOutbox(t *testing.T) {
	recorder, db := newTestRecorder(t)
	if err := db.Exec("DROP TABLE audit_events").Error; err != nil {
		t.Fatalf("failed to break audit table: %v", err)
	}

	outcome, err := recorder.Record(context.Background(), nil, sampleEvent(), Options{
		Strict:              true,
		OutboxEventType:     "registration.approved",
		OutboxAggregateType: "registration",
		OutboxAggregateID:   "reg-1",
	})
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Fatalf("expected queued outcome, got %s", outcome)
	}

	var outbox OutboxEvent
	if err := db.Take(&outbox).Error; err != nil {
		t.Fatalf("failed to load outbox event: %v", err)
	}
	if outbox.EventType != "registration.approved" || outbox.AggregateID != "reg-1" {
		t.Fatalf("unexpected outbox event: %+v", outbox)
	}
	if outbox.TenantID != "tenant-1" {
		t.Fatalf("outbox must carry the tenant id, got %q", outbox.TenantID)
	}
	if outbox.Processed {
		t.Fatalf("new outbox events must be unprocessed")
	}
	if outbox.PayloadJSON == "" {
		t.Fatalf("outbox must carry the original event payload")
	}
}

func TestRecordStrictDoubleFailureIsFatal(t *testing.T) {
	recorder, db := newTestRecorder(t)
	if err := db.Exec("DROP TABLE audit_events").Error; err != nil {
		t.Fatalf("failed to break audit table: %v", err)
	}
	if err := db.Exec("DROP TABLE audit_outbox").Error; err != nil {
		t.Fatalf("failed to break outbox table: %v", err)
	}

	outcome, err := recorder.Record(context.Background(), nil, sampleEvent(), Options{Strict: true})
	if !errors.Is(err, ErrDurabilityFailure) {
		t.Fatalf("expected durability failure, got %v", err)
	}
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %s", outcome)
	}
}

func TestRecordNonStrictSwallowsFailure(t *testing.T) {
	recorder, db := newTestRecorder(t)
	if err := db.Exec("DROP TABLE audit_events").Error; err != nil {
		t.Fatalf("failed to break audit table: %v", err)
	}

	event := sampleEvent()
	event.EventType = EventTypeRead
	outcome, err := recorder.Record(context.Background(), nil, event, Options{Strict: false})
	if err != nil {
		t.Fatalf("best-effort failure must be swallowed, got %v", err)
	}
	if outcome != OutcomeDropped {
		t.Fatalf("expected dropped outcome, got %s", outcome)
	}

	var count int64
	if err := db.Model(&OutboxEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count outbox rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("non-strict failures must not touch the outbox")
	}
}

func TestRecordRejectsIncompleteEvents(t *testing.T) {
	recorder, _ := newTestRecorder(t)

	event := sampleEvent()
	event.ActorID = ""
	outcome, err := recorder.Record(context.Background(), nil, event, Options{Strict: true})
	if !errors.Is(err, ErrDurabilityFailure) {
		t.Fatalf("expected validation to surface as durability failure, got %v", err)
	}
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %s", outcome)
	}
}

func TestRecordWithinCallerTransactionRollsBack(t *testing.T) {
	recorder, db := newTestRecorder(t)

	txErr := db.Transaction(func(tx *gorm.DB) error {
		outcome, err := recorder.Record(context.Background(), tx, sampleEvent(), Options{Strict: true})
		if err != nil {
			return err
		}
		if outcome != OutcomeAudited {
			t.Fatalf("expected audited outcome inside transaction, got %s", outcome)
		}
		return errors.New("business write failed after audit")
	})
	if txErr == nil {
		t.Fatalf("expected transaction failure")
	}

	var count int64
	if err := db.Model(&Event{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit events: %v", err)
	}
	if count != 0 {
		t.Fatalf("audit row must roll back with the caller's transaction, found %d", count)
	}
}
