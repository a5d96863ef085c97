package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Device captures the last-seen metadata for one syncing device within a
// tenant. Updated best-effort on every push and pull.
type Device struct {
	TenantID    string    `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	DeviceID    string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	FacilityID  string    `gorm:"column:facility_id;size:190;not null"`
	LastPushAt  *int64    `gorm:"column:last_push_at_s"`
	LastPullAt  *int64    `gorm:"column:last_pull_at_s"`
	OpsIngested int64     `gorm:"column:ops_ingested;not null;default:0"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "sync_devices"
}

// RegistryConfig describes the dependencies required for device tracking.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry tracks which devices have synced for each tenant.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewRegistry constructs the device registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// TouchPush records a successful push from the device. Best-effort: errors
// are returned for logging but must never fail the sync request.
func (r *Registry) TouchPush(ctx context.Context, tenantID, deviceID, facilityID string, opsIngested int64) error {
	now := r.now().UTC().Unix()
	return r.touch(ctx, tenantID, deviceID, facilityID, map[string]interface{}{
		"last_push_at_s": now,
		"ops_ingested":   gorm.Expr("ops_ingested + ?", opsIngested),
	})
}

// TouchPull records a successful pull from the device.
func (r *Registry) TouchPull(ctx context.Context, tenantID, deviceID, facilityID string) error {
	now := r.now().UTC().Unix()
	return r.touch(ctx, tenantID, deviceID, facilityID, map[string]interface{}{
		"last_pull_at_s": now,
	})
}

func (r *Registry) touch(ctx context.Context, tenantID, deviceID, facilityID string, updates map[string]interface{}) error {
	if tenantID == "" || deviceID == "" {
		return errors.New("devices: tenant and device identifiers required")
	}

	cacheKey := tenantID + ":" + deviceID
	if _, seen := r.known.Load(cacheKey); !seen {
		device := Device{
			TenantID:   tenantID,
			DeviceID:   deviceID,
			FacilityID: facilityID,
		}
		err := r.db.WithContext(ctx).
			Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
			FirstOrCreate(&device).Error
		if err != nil {
			return err
		}
		r.known.Store(cacheKey, struct{}{})
	}

	return r.db.WithContext(ctx).Model(&Device{}).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Updates(updates).Error
}
