package workflow

import "encoding/json"

// OrderStatus enumerates issue order states.
type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "draft"
	OrderStatusDispatched OrderStatus = "dispatched"
)

// RegistrationStatus enumerates registration states.
type RegistrationStatus string

const (
	RegistrationStatusPending  RegistrationStatus = "pending"
	RegistrationStatusApproved RegistrationStatus = "approved"
	RegistrationStatusRejected RegistrationStatus = "rejected"
)

// AdjustmentStatus enumerates loss adjustment states.
type AdjustmentStatus string

const (
	AdjustmentStatusPending  AdjustmentStatus = "pending"
	AdjustmentStatusApproved AdjustmentStatus = "approved"
)

// IssueOrder is a stock issue request that a privileged actor dispatches
// exactly once. Status moves draft -> dispatched under a compare-and-set.
type IssueOrder struct {
	OrderID      string      `gorm:"column:order_id;primaryKey;size:190;not null"`
	TenantID     string      `gorm:"column:tenant_id;size:190;not null;index:idx_orders_tenant_status,priority:1"`
	FacilityID   string      `gorm:"column:facility_id;size:190;not null"`
	Status       OrderStatus `gorm:"column:status;size:32;not null;index:idx_orders_tenant_status,priority:2"`
	LinesJSON    string      `gorm:"column:lines_json;type:text;not null"`
	RequestedBy  string      `gorm:"column:requested_by;size:190;not null"`
	DispatchedBy string      `gorm:"column:dispatched_by;size:190"`
	DispatchedAt *int64      `gorm:"column:dispatched_at_s"`
	CreatedAt    int64       `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IssueOrder) TableName() string {
	return "issue_orders"
}

// OrderLine is one item demand inside an issue order's lines payload.
type OrderLine struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// Lines decodes the order's line payload.
func (o IssueOrder) Lines() ([]OrderLine, error) {
	var lines []OrderLine
	if err := json.Unmarshal([]byte(o.LinesJSON), &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// StockLevel is the current on-hand quantity per item at a facility.
type StockLevel struct {
	TenantID   string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	FacilityID string `gorm:"column:facility_id;primaryKey;size:190;not null"`
	ItemID     string `gorm:"column:item_id;primaryKey;size:190;not null"`
	Quantity   int64  `gorm:"column:quantity;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (StockLevel) TableName() string {
	return "stock_levels"
}

// StockPosting is one append-only stock movement tied to the transition
// that caused it.
type StockPosting struct {
	PostingID     string `gorm:"column:posting_id;primaryKey;size:190;not null"`
	TenantID      string `gorm:"column:tenant_id;size:190;not null;index:idx_postings_tenant_ref,priority:1"`
	FacilityID    string `gorm:"column:facility_id;size:190;not null"`
	ItemID        string `gorm:"column:item_id;size:190;not null"`
	QuantityDelta int64  `gorm:"column:quantity_delta;not null"`
	Reason        string `gorm:"column:reason;size:64;not null"`
	ReferenceID   string `gorm:"column:reference_id;size:190;not null;index:idx_postings_tenant_ref,priority:2"`
	PostedAt      int64  `gorm:"column:posted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StockPosting) TableName() string {
	return "stock_postings"
}

// Registration is a pending enrolment a privileged actor approves or
// rejects exactly once.
type Registration struct {
	RegistrationID string             `gorm:"column:registration_id;primaryKey;size:190;not null"`
	TenantID       string             `gorm:"column:tenant_id;size:190;not null;index:idx_registrations_tenant_status,priority:1"`
	FacilityID     string             `gorm:"column:facility_id;size:190;not null"`
	Status         RegistrationStatus `gorm:"column:status;size:32;not null;index:idx_registrations_tenant_status,priority:2"`
	SubjectJSON    string             `gorm:"column:subject_json;type:text;not null"`
	DecidedBy      string             `gorm:"column:decided_by;size:190"`
	DecidedAt      *int64             `gorm:"column:decided_at_s"`
	DecisionNote   string             `gorm:"column:decision_note;size:512"`
	CreatedAt      int64              `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Registration) TableName() string {
	return "registrations"
}

// LossAdjustment is a reported stock loss awaiting approval. Approval
// writes the negative posting and deducts the stock level.
type LossAdjustment struct {
	AdjustmentID string           `gorm:"column:adjustment_id;primaryKey;size:190;not null"`
	TenantID     string           `gorm:"column:tenant_id;size:190;not null;index:idx_adjustments_tenant_status,priority:1"`
	FacilityID   string           `gorm:"column:facility_id;size:190;not null"`
	ItemID       string           `gorm:"column:item_id;size:190;not null"`
	Quantity     int64            `gorm:"column:quantity;not null"`
	Reason       string           `gorm:"column:reason;size:512"`
	Status       AdjustmentStatus `gorm:"column:status;size:32;not null;index:idx_adjustments_tenant_status,priority:2"`
	ApprovedBy   string           `gorm:"column:approved_by;size:190"`
	ApprovedAt   *int64           `gorm:"column:approved_at_s"`
	CreatedAt    int64            `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LossAdjustment) TableName() string {
	return "loss_adjustments"
}

const (
	// PostingReasonDispatch marks stock deducted by an order dispatch.
	PostingReasonDispatch = "order_dispatch"
	// PostingReasonLoss marks stock written off by an approved loss adjustment.
	PostingReasonLoss = "loss_adjustment"
)
