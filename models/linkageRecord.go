package models

import (
	"time"
)

// LinkageRecord is the local fact that a document and a ledger entry are
// linked. Both sides carry their own unique index, which is what enforces
// one-document-one-entry at the database level.
type LinkageRecord struct {
	ID             uint           `gorm:"primary_key" json:"id"`
	DocumentId     uint           `gorm:"not null;uniqueIndex:uniq_linkage_document" json:"document_id"`
	LedgerEntryId  uint           `gorm:"not null;uniqueIndex:uniq_linkage_ledger" json:"ledger_entry_id"`
	Fingerprint    string         `gorm:"size:128;not null;index" json:"fingerprint"`
	Method         LinkMethod     `gorm:"size:20;not null" json:"method"`
	DecisionSource DecisionSource `gorm:"size:20;not null" json:"decision_source"`
	ProposalId     *uint          `gorm:"index" json:"proposal_id"`
	RunId          *uint          `gorm:"index" json:"run_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
