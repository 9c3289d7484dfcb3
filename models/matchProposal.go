package models

import (
	"time"
)

// MatchProposal is one scored candidate pairing between a document and a
// ledger entry. Unique constraint: (document_id, ledger_entry_id); re-running
// matching refreshes a PENDING row in place and never resurrects a decided
// one.
type MatchProposal struct {
	ID                uint           `gorm:"primary_key" json:"id"`
	DocumentId        uint           `gorm:"not null;uniqueIndex:uniq_proposal_pair,priority:1" json:"document_id"`
	LedgerEntryId     uint           `gorm:"not null;uniqueIndex:uniq_proposal_pair,priority:2;index" json:"ledger_entry_id"`
	RunId             uint           `gorm:"not null;index" json:"run_id"`
	Score             float64        `gorm:"not null" json:"score"`
	AmountScore       float64        `gorm:"not null" json:"amount_score"`
	DateScore         float64        `gorm:"not null" json:"date_score"`
	DescriptionScore  float64        `gorm:"not null" json:"description_score"`
	CounterpartyScore float64        `gorm:"not null" json:"counterparty_score"`
	Ambiguous         bool           `gorm:"not null;default:false" json:"ambiguous"`
	SignalsJSON       []byte         `gorm:"type:json" json:"signals"`
	ReasonsJSON       []byte         `gorm:"type:json" json:"reasons"`
	Status            ProposalStatus `gorm:"size:20;not null;index" json:"status"`
	DecidedBy         *string        `gorm:"size:100" json:"decided_by"`
	DecidedAt         *time.Time     `json:"decided_at"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
