package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"gorm.io/gorm"
)

// Decision is one auditable interpretation: what was looked at, which rules
// fired, who decided, and what was written to the ledger. A zero DocumentId
// marks a run-scoped summary decision.
type Decision struct {
	DocumentId    uint
	RunId         *uint
	LedgerEntryId *uint
	Inputs        interface{}
	RulesApplied  []string
	Score         *float64
	Source        models.DecisionSource
	Outcome       string
	WriteAction   models.LedgerWriteAction
}

// AuditRecorder appends interpretation records. Rows are never updated or
// deleted; a correction is a new row.
type AuditRecorder struct {
	db *gorm.DB
}

func NewAuditRecorder(db *gorm.DB) *AuditRecorder {
	return &AuditRecorder{db: db}
}

func (r *AuditRecorder) Record(ctx context.Context, d Decision) error {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	row := interpretationRow(d, correlationId)
	return r.db.WithContext(ctx).Create(&row).Error
}

func interpretationRow(d Decision, correlationId string) models.InterpretationRun {
	inputsJSON, _ := json.Marshal(d.Inputs)
	rulesJSON, _ := json.Marshal(d.RulesApplied)

	var documentId *uint
	if d.DocumentId != 0 {
		id := d.DocumentId
		documentId = &id
	}

	return models.InterpretationRun{
		DocumentId:        documentId,
		RunId:             d.RunId,
		LedgerEntryId:     d.LedgerEntryId,
		InputsSummaryJSON: inputsJSON,
		RulesAppliedJSON:  rulesJSON,
		Score:             d.Score,
		DecisionSource:    d.Source,
		Outcome:           d.Outcome,
		WriteAction:       d.WriteAction,
		CorrelationId:     correlationId,
	}
}

// HistoryForDocument returns the full interpretation history of a document,
// oldest first, so the chain of decisions reads top to bottom.
func (r *AuditRecorder) HistoryForDocument(ctx context.Context, documentId uint) ([]models.InterpretationRun, error) {
	var rows []models.InterpretationRun
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentId).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AuditRecorder) HistoryForLedgerEntry(ctx context.Context, ledgerEntryId uint) ([]models.InterpretationRun, error) {
	var rows []models.InterpretationRun
	if err := r.db.WithContext(ctx).
		Where("ledger_entry_id = ?", ledgerEntryId).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func mapAuditToResponse(row models.InterpretationRun) AuditEntryResponse {
	return AuditEntryResponse{
		ID:             row.ID,
		DocumentId:     row.DocumentId,
		RunId:          row.RunId,
		LedgerEntryId:  row.LedgerEntryId,
		Score:          row.Score,
		DecisionSource: string(row.DecisionSource),
		Outcome:        row.Outcome,
		WriteAction:    string(row.WriteAction),
		CreatedAt:      row.CreatedAt.UTC().Format(time.RFC3339),
	}
}
