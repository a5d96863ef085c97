package sync

import (
	"bytes"
	"encoding/json"
	"sort"
)

// ConflictReasonRevisionOrder marks an overwrite decided by last-writer-wins
// revision order. The column exists so future manual resolutions can be told
// apart from engine decisions.
const ConflictReasonRevisionOrder = "lww_revision_order"

// ConflictAuditEntry records one resolved last-writer-wins overwrite. The
// table is forensic evidence: rows are write-once and the storage layer
// rejects updates and deletes outright.
type ConflictAuditEntry struct {
	EntryID        string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	TenantID       string `gorm:"column:tenant_id;size:190;not null;index:idx_conflict_tenant_entity,priority:1"`
	FacilityID     string `gorm:"column:facility_id;size:190;not null"`
	EntityType     string `gorm:"column:entity_type;size:190;not null;index:idx_conflict_tenant_entity,priority:2"`
	EntityID       string `gorm:"column:entity_id;size:190;not null;index:idx_conflict_tenant_entity,priority:3"`
	FieldPath      string `gorm:"column:field_path;size:320;not null"`
	WinnerRevision int64  `gorm:"column:winner_revision;not null"`
	WinnerOpID     string `gorm:"column:winner_op_id;size:190;not null"`
	LoserRevision  int64  `gorm:"column:loser_revision;not null"`
	LoserOpID      string `gorm:"column:loser_op_id;size:190;not null"`
	WinningValue   string `gorm:"column:winning_value;type:text"`
	LosingValue    string `gorm:"column:losing_value;type:text"`
	Reason         string `gorm:"column:reason;size:64;not null"`
	RecordedAt     int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictAuditEntry) TableName() string {
	return "sync_conflict_audit"
}

// resolveOverwrite compares the payloads of two ledger entries for the same
// entity and returns one audit entry per top-level field the later revision
// overwrote. The winner is always the later revision; client clocks are
// untrusted and play no part in the decision.
func resolveOverwrite(loser, winner *LedgerEntry, recordedAt int64) []ConflictAuditEntry {
	if loser == nil || winner == nil {
		return nil
	}

	loserFields := decodeFields(loser.PayloadJSON)
	winnerFields := decodeFields(winner.PayloadJSON)
	if loserFields == nil || winnerFields == nil {
		return nil
	}

	paths := make([]string, 0, len(loserFields))
	for path := range loserFields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var entries []ConflictAuditEntry
	for _, path := range paths {
		losingValue := loserFields[path]
		winningValue, present := winnerFields[path]
		if present && bytes.Equal(losingValue, winningValue) {
			continue
		}
		entries = append(entries, ConflictAuditEntry{
			TenantID:       winner.TenantID,
			FacilityID:     winner.FacilityID,
			EntityType:     winner.EntityType,
			EntityID:       winner.EntityID,
			FieldPath:      path,
			WinnerRevision: winner.Revision,
			WinnerOpID:     winner.OpID,
			LoserRevision:  loser.Revision,
			LoserOpID:      loser.OpID,
			WinningValue:   string(winningValue),
			LosingValue:    string(losingValue),
			Reason:         ConflictReasonRevisionOrder,
			RecordedAt:     recordedAt,
		})
	}
	return entries
}

func decodeFields(payloadJSON string) map[string]json.RawMessage {
	if payloadJSON == "" {
		return nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return nil
	}
	return fields
}
