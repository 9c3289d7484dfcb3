package models

import (
	"time"
)

// InterpretationRun is one audit record per interpretation: what was seen,
// which rules fired, who decided, and what was written to the ledger. Rows are
// append-only. Document-scoped rows carry a document id; the per-run summary
// row carries only the run id.
type InterpretationRun struct {
	ID                uint              `gorm:"primary_key" json:"id"`
	DocumentId        *uint             `gorm:"index" json:"document_id"`
	RunId             *uint             `gorm:"index" json:"run_id"`
	LedgerEntryId     *uint             `gorm:"index" json:"ledger_entry_id"`
	InputsSummaryJSON []byte            `gorm:"type:json" json:"inputs_summary"`
	RulesAppliedJSON  []byte            `gorm:"type:json" json:"rules_applied"`
	Score             *float64          `json:"score"`
	DecisionSource    DecisionSource    `gorm:"size:20;not null" json:"decision_source"`
	Outcome           string            `gorm:"size:50;not null" json:"outcome"`
	WriteAction       LedgerWriteAction `gorm:"size:20;not null" json:"write_action"`
	CorrelationId     string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
}
