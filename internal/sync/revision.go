package sync

import (
	"fmt"

	"gorm.io/gorm"
)

// NextRevision atomically increments the tenant's revision counter and
// returns the allocated value. It must run on the transaction that consumes
// the revision: if that transaction rolls back, the allocation is simply a
// gap. Values are strictly increasing per tenant and never reused.
func NextRevision(tx *gorm.DB, tenantID TenantID) (int64, error) {
	revisions, err := NextRevisions(tx, tenantID, 1)
	if err != nil {
		return 0, err
	}
	return revisions[0], nil
}

// NextRevisions allocates count consecutive revisions in one counter bump
// and returns them in ascending order.
func NextRevisions(tx *gorm.DB, tenantID TenantID, count int) ([]int64, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sync: revision count must be positive, got %d", count)
	}

	var highWater int64
	err := tx.Raw(
		`INSERT INTO revision_counters (tenant_id, value) VALUES (?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET value = value + ?
		 RETURNING value`,
		tenantID.String(), count, count,
	).Scan(&highWater).Error
	if err != nil {
		return nil, err
	}

	revisions := make([]int64, count)
	for index := range revisions {
		revisions[index] = highWater - int64(count) + int64(index) + 1
	}
	return revisions, nil
}
