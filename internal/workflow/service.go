package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atlasclinical/atlas/backend/internal/audit"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingRecorder   = errors.New("audit recorder is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates the referenced resource does not exist in the
	// caller's tenant.
	ErrNotFound = errors.New("workflow: resource not found")
	// ErrInvalidTransition indicates the resource is in a terminal state
	// incompatible with the requested transition.
	ErrInvalidTransition = errors.New("workflow: invalid state transition")
)

// InsufficientStockError reports an order line or adjustment that cannot be
// covered by the facility's on-hand stock.
type InsufficientStockError struct {
	ItemID    string
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("workflow: insufficient stock for item %q (requested %d)", e.ItemID, e.Requested)
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "workflow.service.new"
	opDispatchOrder      = "workflow.dispatch_order"
	opDecideRegistration = "workflow.decide_registration"
	opApproveAdjustment  = "workflow.approve_adjustment"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for stock postings.
type IDProvider interface {
	NewID() (string, error)
}

// Actor identifies the privileged caller driving a transition.
type Actor struct {
	TenantID  string
	ActorID   string
	ActorRole string
	RequestID string
}

type ServiceConfig struct {
	Database   *gorm.DB
	Recorder   *audit.Recorder
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service wraps privileged state transitions in atomic, idempotent
// transactions that carry their audit record.
type Service struct {
	db         *gorm.DB
	recorder   *audit.Recorder
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Recorder == nil {
		return nil, newServiceError(opServiceNew, "missing_recorder", errMissingRecorder)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		recorder:   cfg.Recorder,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// DispatchResult reports the outcome of a dispatch transition.
type DispatchResult struct {
	OrderID           string
	AlreadyDispatched bool
	Status            OrderStatus
	DispatchedBy      string
	DispatchedAt      int64
}

// DispatchOrder moves a draft order to dispatched, deducts stock, writes
// the postings and the strict audit record — all in one transaction. A
// repeated call returns the existing outcome with AlreadyDispatched set.
func (s *Service) DispatchOrder(ctx context.Context, actor Actor, orderID string) (DispatchResult, error) {
	var result DispatchResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order IssueOrder
		err := tx.Where("tenant_id = ? AND order_id = ?", actor.TenantID, orderID).Take(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %q", ErrNotFound, orderID)
		}
		if err != nil {
			s.logError(opDispatchOrder, "order_select_failed", err, zap.String("order_id", orderID))
			return newServiceError(opDispatchOrder, "order_select_failed", err)
		}

		if order.Status == OrderStatusDispatched {
			result = alreadyDispatched(order)
			return nil
		}
		if order.Status != OrderStatusDraft {
			return fmt.Errorf("%w: order %q is %q", ErrInvalidTransition, orderID, order.Status)
		}

		lines, err := order.Lines()
		if err != nil {
			return newServiceError(opDispatchOrder, "order_lines_invalid", err)
		}

		now := s.clock().UTC().Unix()
		cas := tx.Model(&IssueOrder{}).
			Where("tenant_id = ? AND order_id = ? AND status = ?", actor.TenantID, orderID, OrderStatusDraft).
			Updates(map[string]interface{}{
				"status":          OrderStatusDispatched,
				"dispatched_by":   actor.ActorID,
				"dispatched_at_s": now,
			})
		if cas.Error != nil {
			s.logError(opDispatchOrder, "order_cas_failed", cas.Error, zap.String("order_id", orderID))
			return newServiceError(opDispatchOrder, "order_cas_failed", cas.Error)
		}
		if cas.RowsAffected == 0 {
			// A concurrent caller won the compare-and-set. Surface its
			// outcome instead of corrupting state.
			var committed IssueOrder
			if err := tx.Where("tenant_id = ? AND order_id = ?", actor.TenantID, orderID).Take(&committed).Error; err != nil {
				return newServiceError(opDispatchOrder, "order_reread_failed", err)
			}
			result = alreadyDispatched(committed)
			return nil
		}

		for _, line := range lines {
			if err := s.deductStock(tx, actor.TenantID, order.FacilityID, line.ItemID, line.Quantity); err != nil {
				return err
			}
			postingID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opDispatchOrder, "id_generation_failed", err)
			}
			posting := StockPosting{
				PostingID:     postingID,
				TenantID:      actor.TenantID,
				FacilityID:    order.FacilityID,
				ItemID:        line.ItemID,
				QuantityDelta: -line.Quantity,
				Reason:        PostingReasonDispatch,
				ReferenceID:   order.OrderID,
				PostedAt:      now,
			}
			if err := tx.Create(&posting).Error; err != nil {
				s.logError(opDispatchOrder, "posting_insert_failed", err, zap.String("order_id", orderID))
				return newServiceError(opDispatchOrder, "posting_insert_failed", err)
			}
		}

		if err := s.recordStrict(ctx, tx, actor, "order.dispatch", audit.EventTypeUpdate, "issue_order", order.OrderID, order.FacilityID); err != nil {
			return err
		}

		result = DispatchResult{
			OrderID:      order.OrderID,
			Status:       OrderStatusDispatched,
			DispatchedBy: actor.ActorID,
			DispatchedAt: now,
		}
		return nil
	})

	if txErr != nil {
		return DispatchResult{}, txErr
	}
	return result, nil
}

// DecisionResult reports the outcome of a registration decision.
type DecisionResult struct {
	RegistrationID string
	AlreadyDecided bool
	Status         RegistrationStatus
	DecidedBy      string
	DecidedAt      int64
}

// ApproveRegistration moves a pending registration to approved.
func (s *Service) ApproveRegistration(ctx context.Context, actor Actor, registrationID, note string) (DecisionResult, error) {
	return s.decideRegistration(ctx, actor, registrationID, note, RegistrationStatusApproved, "registration.approve")
}

// RejectRegistration moves a pending registration to rejected.
func (s *Service) RejectRegistration(ctx context.Context, actor Actor, registrationID, note string) (DecisionResult, error) {
	return s.decideRegistration(ctx, actor, registrationID, note, RegistrationStatusRejected, "registration.reject")
}

func (s *Service) decideRegistration(ctx context.Context, actor Actor, registrationID, note string, target RegistrationStatus, action string) (DecisionResult, error) {
	var result DecisionResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var registration Registration
		err := tx.Where("tenant_id = ? AND registration_id = ?", actor.TenantID, registrationID).Take(&registration).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: registration %q", ErrNotFound, registrationID)
		}
		if err != nil {
			s.logError(opDecideRegistration, "registration_select_failed", err, zap.String("registration_id", registrationID))
			return newServiceError(opDecideRegistration, "registration_select_failed", err)
		}

		if registration.Status == target {
			result = alreadyDecided(registration)
			return nil
		}
		if registration.Status != RegistrationStatusPending {
			return fmt.Errorf("%w: registration %q is %q", ErrInvalidTransition, registrationID, registration.Status)
		}

		now := s.clock().UTC().Unix()
		cas := tx.Model(&Registration{}).
			Where("tenant_id = ? AND registration_id = ? AND status = ?", actor.TenantID, registrationID, RegistrationStatusPending).
			Updates(map[string]interface{}{
				"status":        target,
				"decided_by":    actor.ActorID,
				"decided_at_s":  now,
				"decision_note": note,
			})
		if cas.Error != nil {
			s.logError(opDecideRegistration, "registration_cas_failed", cas.Error, zap.String("registration_id", registrationID))
			return newServiceError(opDecideRegistration, "registration_cas_failed", cas.Error)
		}
		if cas.RowsAffected == 0 {
			var committed Registration
			if err := tx.Where("tenant_id = ? AND registration_id = ?", actor.TenantID, registrationID).Take(&committed).Error; err != nil {
				return newServiceError(opDecideRegistration, "registration_reread_failed", err)
			}
			if committed.Status != target {
				return fmt.Errorf("%w: registration %q is %q", ErrInvalidTransition, registrationID, committed.Status)
			}
			result = alreadyDecided(committed)
			return nil
		}

		if err := s.recordStrict(ctx, tx, actor, action, audit.EventTypeUpdate, "registration", registrationID, registration.FacilityID); err != nil {
			return err
		}

		result = DecisionResult{
			RegistrationID: registrationID,
			Status:         target,
			DecidedBy:      actor.ActorID,
			DecidedAt:      now,
		}
		return nil
	})

	if txErr != nil {
		return DecisionResult{}, txErr
	}
	return result, nil
}

// AdjustmentResult reports the outcome of a loss adjustment approval.
type AdjustmentResult struct {
	AdjustmentID    string
	AlreadyApproved bool
	Status          AdjustmentStatus
	ApprovedBy      string
	ApprovedAt      int64
}

// ApproveLossAdjustment approves a pending loss adjustment, writing the
// negative posting and deducting the stock level atomically.
func (s *Service) ApproveLossAdjustment(ctx context.Context, actor Actor, adjustmentID string) (AdjustmentResult, error) {
	var result AdjustmentResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var adjustment LossAdjustment
		err := tx.Where("tenant_id = ? AND adjustment_id = ?", actor.TenantID, adjustmentID).Take(&adjustment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: adjustment %q", ErrNotFound, adjustmentID)
		}
		if err != nil {
			s.logError(opApproveAdjustment, "adjustment_select_failed", err, zap.String("adjustment_id", adjustmentID))
			return newServiceError(opApproveAdjustment, "adjustment_select_failed", err)
		}

		if adjustment.Status == AdjustmentStatusApproved {
			result = AdjustmentResult{
				AdjustmentID:    adjustment.AdjustmentID,
				AlreadyApproved: true,
				Status:          adjustment.Status,
				ApprovedBy:      adjustment.ApprovedBy,
				ApprovedAt:      derefSeconds(adjustment.ApprovedAt),
			}
			return nil
		}

		now := s.clock().UTC().Unix()
		cas := tx.Model(&LossAdjustment{}).
			Where("tenant_id = ? AND adjustment_id = ? AND status = ?", actor.TenantID, adjustmentID, AdjustmentStatusPending).
			Updates(map[string]interface{}{
				"status":        AdjustmentStatusApproved,
				"approved_by":   actor.ActorID,
				"approved_at_s": now,
			})
		if cas.Error != nil {
			s.logError(opApproveAdjustment, "adjustment_cas_failed", cas.Error, zap.String("adjustment_id", adjustmentID))
			return newServiceError(opApproveAdjustment, "adjustment_cas_failed", cas.Error)
		}
		if cas.RowsAffected == 0 {
			var committed LossAdjustment
			if err := tx.Where("tenant_id = ? AND adjustment_id = ?", actor.TenantID, adjustmentID).Take(&committed).Error; err != nil {
				return newServiceError(opApproveAdjustment, "adjustment_reread_failed", err)
			}
			result = AdjustmentResult{
				AdjustmentID:    committed.AdjustmentID,
				AlreadyApproved: true,
				Status:          committed.Status,
				ApprovedBy:      committed.ApprovedBy,
				ApprovedAt:      derefSeconds(committed.ApprovedAt),
			}
			return nil
		}

		if err := s.deductStock(tx, actor.TenantID, adjustment.FacilityID, adjustment.ItemID, adjustment.Quantity); err != nil {
			return err
		}
		postingID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opApproveAdjustment, "id_generation_failed", err)
		}
		posting := StockPosting{
			PostingID:     postingID,
			TenantID:      actor.TenantID,
			FacilityID:    adjustment.FacilityID,
			ItemID:        adjustment.ItemID,
			QuantityDelta: -adjustment.Quantity,
			Reason:        PostingReasonLoss,
			ReferenceID:   adjustment.AdjustmentID,
			PostedAt:      now,
		}
		if err := tx.Create(&posting).Error; err != nil {
			s.logError(opApproveAdjustment, "posting_insert_failed", err, zap.String("adjustment_id", adjustmentID))
			return newServiceError(opApproveAdjustment, "posting_insert_failed", err)
		}

		if err := s.recordStrict(ctx, tx, actor, "loss_adjustment.approve", audit.EventTypeUpdate, "loss_adjustment", adjustmentID, adjustment.FacilityID); err != nil {
			return err
		}

		result = AdjustmentResult{
			AdjustmentID: adjustmentID,
			Status:       AdjustmentStatusApproved,
			ApprovedBy:   actor.ActorID,
			ApprovedAt:   now,
		}
		return nil
	})

	if txErr != nil {
		return AdjustmentResult{}, txErr
	}
	return result, nil
}

// deductStock applies a guarded decrement: the WHERE clause refuses to take
// the level below zero, so a concurrent dispatch cannot oversell.
func (s *Service) deductStock(tx *gorm.DB, tenantID, facilityID, itemID string, quantity int64) error {
	if quantity <= 0 {
		return newServiceError(opDispatchOrder, "invalid_quantity", fmt.Errorf("quantity must be positive, got %d", quantity))
	}
	update := tx.Model(&StockLevel{}).
		Where("tenant_id = ? AND facility_id = ? AND item_id = ? AND quantity >= ?", tenantID, facilityID, itemID, quantity).
		Update("quantity", gorm.Expr("quantity - ?", quantity))
	if update.Error != nil {
		s.logError(opDispatchOrder, "stock_update_failed", update.Error, zap.String("item_id", itemID))
		return newServiceError(opDispatchOrder, "stock_update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		return &InsufficientStockError{ItemID: itemID, Requested: quantity}
	}
	return nil
}

// recordStrict writes the strict audit record on the open transaction. A
// fatal outcome propagates audit.ErrDurabilityFailure, rolling back the
// business update with it.
func (s *Service) recordStrict(ctx context.Context, tx *gorm.DB, actor Actor, action string, eventType audit.EventType, entityType, entityID, facilityID string) error {
	outcome, err := s.recorder.Record(ctx, tx, audit.Event{
		Action:     action,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		TenantID:   actor.TenantID,
		FacilityID: facilityID,
		ActorID:    actor.ActorID,
		ActorRole:  actor.ActorRole,
		RequestID:  actor.RequestID,
	}, audit.Options{Strict: true})
	if err != nil {
		return err
	}
	if outcome == audit.OutcomeFatal {
		return audit.ErrDurabilityFailure
	}
	return nil
}

func alreadyDispatched(order IssueOrder) DispatchResult {
	return DispatchResult{
		OrderID:           order.OrderID,
		AlreadyDispatched: true,
		Status:            order.Status,
		DispatchedBy:      order.DispatchedBy,
		DispatchedAt:      derefSeconds(order.DispatchedAt),
	}
}

func alreadyDecided(registration Registration) DecisionResult {
	return DecisionResult{
		RegistrationID: registration.RegistrationID,
		AlreadyDecided: true,
		Status:         registration.Status,
		DecidedBy:      registration.DecidedBy,
		DecidedAt:      derefSeconds(registration.DecidedAt),
	}
}

func derefSeconds(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("workflow service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
