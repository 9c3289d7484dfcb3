package reconcile

import (
	"testing"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/matching"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
)

// NOTE: These tests are intentionally DB-free. They pin down the auto-link
// selection rules, which must behave identically on every run over the same
// pending proposals.

func pendingProposal(id, docId, entryId uint, score float64, ambiguous bool) models.MatchProposal {
	return models.MatchProposal{
		ID:            id,
		DocumentId:    docId,
		LedgerEntryId: entryId,
		Score:         score,
		Ambiguous:     ambiguous,
		Status:        models.ProposalStatusPending,
	}
}

func TestSelectAutoLinksSingleQualifier(t *testing.T) {
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.95, false),
		pendingProposal(2, 11, 101, 0.55, false),
	}

	selected := selectAutoLinks(pending, policy)
	if len(selected) != 1 {
		t.Fatalf("selected %d proposals, want 1", len(selected))
	}
	if selected[0].ID != 1 {
		t.Errorf("selected proposal %d, want 1", selected[0].ID)
	}
}

func TestSelectAutoLinksSkipsAmbiguous(t *testing.T) {
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.95, true),
		pendingProposal(2, 10, 101, 0.93, true),
	}

	if selected := selectAutoLinks(pending, policy); len(selected) != 0 {
		t.Errorf("ambiguous proposals must never auto-link, got %d", len(selected))
	}
}

func TestSelectAutoLinksBelowThreshold(t *testing.T) {
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.89, false),
	}

	if selected := selectAutoLinks(pending, policy); len(selected) != 0 {
		t.Errorf("proposal below the threshold must not auto-link, got %d", len(selected))
	}
}

func TestSelectAutoLinksEntryExclusivity(t *testing.T) {
	// Two documents both qualify against the same ledger entry. Linking
	// either would be a guess, so neither links.
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.95, false),
		pendingProposal(2, 11, 100, 0.92, false),
	}

	if selected := selectAutoLinks(pending, policy); len(selected) != 0 {
		t.Errorf("contested ledger entry must not auto-link, got %d", len(selected))
	}
}

func TestSelectAutoLinksDocumentExclusivity(t *testing.T) {
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.95, false),
		pendingProposal(2, 10, 101, 0.91, false),
	}

	if selected := selectAutoLinks(pending, policy); len(selected) != 0 {
		t.Errorf("document qualifying against two entries must not auto-link, got %d", len(selected))
	}
}

func TestSelectAutoLinksBelowThresholdDoesNotBlock(t *testing.T) {
	// A weak second proposal on the same entry sits outside the auto band
	// and must not veto the strong one.
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(1, 10, 100, 0.95, false),
		pendingProposal(2, 11, 100, 0.45, false),
	}

	selected := selectAutoLinks(pending, policy)
	if len(selected) != 1 || selected[0].ID != 1 {
		t.Fatalf("expected only proposal 1 selected, got %+v", selected)
	}
}

func TestSelectAutoLinksIgnoresDecided(t *testing.T) {
	policy := matching.DefaultPolicy()
	decided := pendingProposal(1, 10, 100, 0.95, false)
	decided.Status = models.ProposalStatusRejected

	if selected := selectAutoLinks([]models.MatchProposal{decided}, policy); len(selected) != 0 {
		t.Errorf("decided proposal must never re-enter auto-linking, got %d", len(selected))
	}
}

func TestSelectAutoLinksDeterministicOrder(t *testing.T) {
	policy := matching.DefaultPolicy()
	pending := []models.MatchProposal{
		pendingProposal(3, 12, 102, 0.91, false),
		pendingProposal(1, 10, 100, 0.95, false),
		pendingProposal(2, 11, 101, 0.95, false),
	}

	first := selectAutoLinks(pending, policy)
	for i := 0; i < 10; i++ {
		again := selectAutoLinks(pending, policy)
		if len(again) != len(first) {
			t.Fatalf("run %d: selected %d, want %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order differs at %d: %d vs %d", i, j, again[j].ID, first[j].ID)
			}
		}
	}

	// Equal scores fall back to proposal id.
	if first[0].ID != 1 || first[1].ID != 2 || first[2].ID != 3 {
		t.Errorf("unexpected order: %d, %d, %d", first[0].ID, first[1].ID, first[2].ID)
	}
}

func TestProposalFromCandidate(t *testing.T) {
	c := matching.Candidate{
		DocumentId:    10,
		LedgerEntryId: 100,
		Score:         0.93,
		Ambiguous:     false,
		Signals: []matching.Signal{
			{Name: "amount", Score: 1.0, Weight: 0.40},
			{Name: "date", Score: 0.857, Weight: 0.25},
			{Name: "description", Score: 0.8, Weight: 0.20},
			{Name: "counterparty", Score: 0.85, Weight: 0.15},
		},
		Reasons: []string{"amount (exact: 35.70)", "counterparty (contains)"},
	}

	p := proposalFromCandidate(7, c)
	if p.Status != models.ProposalStatusPending {
		t.Errorf("status = %s, want PENDING", p.Status)
	}
	if p.RunId != 7 {
		t.Errorf("run id = %d", p.RunId)
	}
	if p.AmountScore != 1.0 || p.DateScore != 0.857 || p.DescriptionScore != 0.8 || p.CounterpartyScore != 0.85 {
		t.Errorf("sub-scores not mapped: %+v", p)
	}

	reasons := decodeReasons(p.ReasonsJSON)
	if len(reasons) != 2 || reasons[0] != c.Reasons[0] {
		t.Errorf("reasons did not round trip: %v", reasons)
	}
}

func TestSignalScoreMissing(t *testing.T) {
	if got := signalScore(nil, "amount"); got != 0 {
		t.Errorf("missing signal should score 0, got %f", got)
	}
}

func TestDecodeReasonsBadInput(t *testing.T) {
	if got := decodeReasons([]byte("{broken")); got != nil {
		t.Errorf("broken input should decode to nil, got %v", got)
	}
	if got := decodeReasons(nil); got != nil {
		t.Errorf("nil input should decode to nil, got %v", got)
	}
}
