package models

import (
	"time"
)

// ReconciliationRun tracks one end-to-end pipeline execution.
type ReconciliationRun struct {
	ID               uint          `gorm:"primary_key" json:"id"`
	State            ReconRunState `gorm:"size:20;not null;index" json:"state"`
	TriggeredBy      string        `gorm:"size:20" json:"triggered_by"`
	CursorStateJSON  []byte        `gorm:"type:json" json:"cursor_state"`
	StatsJSON        []byte        `gorm:"type:json" json:"stats"`
	DocumentsSeen    int           `json:"documents_seen"`
	EntriesSeen      int           `json:"entries_seen"`
	ProposalsCreated int           `json:"proposals_created"`
	AutoLinked       int           `json:"auto_linked"`
	Quarantined      int           `json:"quarantined"`
	ErrorCount       int           `json:"error_count"`
	FailureReason    *string       `gorm:"type:text" json:"failure_reason"`
	CorrelationId    string        `gorm:"size:64;index" json:"correlation_id"`
	StartedAt        *time.Time    `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at"`
	DurationMs       int64         `json:"duration_ms"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconciliationRunError records one per-item failure inside a run. A bad
// item never aborts the run; it lands here and the run continues.
type ReconciliationRunError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	RunId       uint      `gorm:"not null;index" json:"run_id"`
	ItemType    string    `gorm:"size:50" json:"item_type"`
	ItemRef     string    `gorm:"size:128" json:"item_ref"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
