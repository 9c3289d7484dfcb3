package reconcile

import (
	"testing"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
)

func TestInterpretationRowDocumentScoped(t *testing.T) {
	runId := uint(7)
	entryId := uint(3)
	score := 0.93

	row := interpretationRow(Decision{
		DocumentId:    12,
		RunId:         &runId,
		LedgerEntryId: &entryId,
		Inputs:        map[string]int{"candidates": 2},
		RulesApplied:  []string{"amount (exact: 35.70)"},
		Score:         &score,
		Source:        models.DecisionSourceAuto,
		Outcome:       "auto_linked",
		WriteAction:   models.LedgerWriteActionUpdateLinkage,
	}, "corr-1")

	if row.DocumentId == nil || *row.DocumentId != 12 {
		t.Fatalf("DocumentId = %v, want 12", row.DocumentId)
	}
	if row.RunId == nil || *row.RunId != 7 {
		t.Fatalf("RunId = %v, want 7", row.RunId)
	}
	if row.DecisionSource != models.DecisionSourceAuto {
		t.Errorf("DecisionSource = %q, want AUTO", row.DecisionSource)
	}
	if row.CorrelationId != "corr-1" {
		t.Errorf("CorrelationId = %q", row.CorrelationId)
	}
	if len(row.RulesAppliedJSON) == 0 || len(row.InputsSummaryJSON) == 0 {
		t.Error("rules and inputs JSON should be populated")
	}
}

func TestInterpretationRowRunScoped(t *testing.T) {
	// A run summary targets no single document; the document id stays null so
	// document histories never pick it up.
	runId := uint(9)
	row := interpretationRow(Decision{
		RunId:       &runId,
		Inputs:      map[string]int{"proposals_created": 4},
		Source:      models.DecisionSourceRules,
		Outcome:     "run_completed",
		WriteAction: models.LedgerWriteActionNone,
	}, "")

	if row.DocumentId != nil {
		t.Fatalf("DocumentId = %v, want nil for run-scoped rows", *row.DocumentId)
	}
	if row.LedgerEntryId != nil {
		t.Fatalf("LedgerEntryId = %v, want nil", *row.LedgerEntryId)
	}
	if row.Outcome != "run_completed" {
		t.Errorf("Outcome = %q", row.Outcome)
	}
}
