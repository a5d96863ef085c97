package audit

// EventType classifies the privileged action being recorded.
type EventType string

const (
	EventTypeCreate EventType = "create"
	EventTypeRead   EventType = "read"
	EventTypeUpdate EventType = "update"
	EventTypeDelete EventType = "delete"
)

// Event is one who-did-what-when record of a privileged action. Rows are
// append-only and never mutated after commit.
type Event struct {
	EventID      string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	Action       string    `gorm:"column:action;size:190;not null"`
	EventType    EventType `gorm:"column:event_type;size:16;not null"`
	EntityType   string    `gorm:"column:entity_type;size:190;not null"`
	EntityID     string    `gorm:"column:entity_id;size:190;not null"`
	TenantID     string    `gorm:"column:tenant_id;size:190;not null;index:idx_audit_tenant_time,priority:1"`
	FacilityID   string    `gorm:"column:facility_id;size:190"`
	ActorID      string    `gorm:"column:actor_id;size:190;not null"`
	ActorRole    string    `gorm:"column:actor_role;size:64"`
	RequestID    string    `gorm:"column:request_id;size:190"`
	MetadataJSON string    `gorm:"column:metadata_json;type:text"`
	RecordedAt   int64     `gorm:"column:recorded_at_s;not null;index:idx_audit_tenant_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "audit_events"
}

// OutboxEvent is the durable fallback written when the primary audit insert
// fails in strict mode. It carries enough identifying metadata to
// reconstruct the audit record later; a reconciliation consumer outside
// this core marks rows processed.
type OutboxEvent struct {
	EventID       string `gorm:"column:event_id;primaryKey;size:190;not null"`
	EventType     string `gorm:"column:event_type;size:190;not null"`
	AggregateType string `gorm:"column:aggregate_type;size:190;not null"`
	AggregateID   string `gorm:"column:aggregate_id;size:190;not null"`
	TenantID      string `gorm:"column:tenant_id;size:190;not null;index"`
	PayloadJSON   string `gorm:"column:payload_json;type:text;not null"`
	CreatedAt     int64  `gorm:"column:created_at_s;not null"`
	Processed     bool   `gorm:"column:processed;not null;default:false"`
	ProcessedAt   *int64 `gorm:"column:processed_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEvent) TableName() string {
	return "audit_outbox"
}
