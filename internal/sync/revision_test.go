package sync

import "testing"

func TestNextRevisionStrictlyIncreases(t *testing.T) {
	db := newTestDatabase(t)
	tenant, _ := NewTenantID("tenant-1")

	var previous int64
	for call := 0; call < 5; call++ {
		revision, err := NextRevision(db, tenant)
		if err != nil {
			t.Fatalf("unexpected allocation error: %v", err)
		}
		if revision <= previous {
			t.Fatalf("revision %d not greater than previous %d", revision, previous)
		}
		previous = revision
	}
	if previous != 5 {
		t.Fatalf("expected 5 after five allocations, got %d", previous)
	}
}

func TestNextRevisionIsolatedPerTenant(t *testing.T) {
	db := newTestDatabase(t)
	tenantA, _ := NewTenantID("tenant-a")
	tenantB, _ := NewTenantID("tenant-b")

	for call := 0; call < 3; call++ {
		if _, err := NextRevision(db, tenantA); err != nil {
			t.Fatalf("unexpected allocation error: %v", err)
		}
	}
	revision, err := NextRevision(db, tenantB)
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	if revision != 1 {
		t.Fatalf("tenant-b counter must start at 1, got %d", revision)
	}
}

func TestNextRevisionsAllocatesContiguousBlock(t *testing.T) {
	db := newTestDatabase(t)
	tenant, _ := NewTenantID("tenant-1")

	if _, err := NextRevision(db, tenant); err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	block, err := NextRevisions(db, tenant, 3)
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	want := []int64{2, 3, 4}
	for index, revision := range block {
		if revision != want[index] {
			t.Fatalf("unexpected block %v, want %v", block, want)
		}
	}
}

func TestNextRevisionsRejectsNonPositiveCount(t *testing.T) {
	db := newTestDatabase(t)
	tenant, _ := NewTenantID("tenant-1")
	if _, err := NextRevisions(db, tenant, 0); err == nil {
		t.Fatalf("expected error for zero count")
	}
}
