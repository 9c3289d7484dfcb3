package matching

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"github.com/shopspring/decimal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func doc(id uint, amount string, date time.Time, counterparty, description string) *models.DocumentCandidate {
	return &models.DocumentCandidate{
		ID:           id,
		Amount:       decimal.RequireFromString(amount),
		DocumentDate: date,
		Counterparty: counterparty,
		Description:  description,
		Currency:     "EUR",
	}
}

func entry(id uint, amount string, date time.Time, counterparty, description string) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:           id,
		Amount:       decimal.RequireFromString(amount),
		EntryDate:    date,
		Counterparty: counterparty,
		Description:  description,
		Currency:     "EUR",
	}
}

func TestScorePerfectMatch(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "99.99", day(2024, 6, 1), "Amazon", "Order 123")
	le := entry(10, "99.99", day(2024, 6, 1), "Amazon", "Order 123")

	c := e.Score(d, le)
	if c.Score != 1.0 {
		t.Fatalf("perfect match score = %v, want 1.0", c.Score)
	}
	if len(c.Reasons) != 4 {
		t.Errorf("expected all four signals in reasons, got %v", c.Reasons)
	}
}

func TestScoreBounds(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	docs := []*models.DocumentCandidate{
		doc(1, "35.70", day(2024, 11, 18), "SPAR", "Groceries"),
		doc(2, "0.01", day(2024, 1, 1), "", ""),
		doc(3, "1000000.00", day(2030, 12, 31), "Mega Corp Holdings International", "Annual licence renewal for enterprise suite"),
	}
	entries := []*models.LedgerEntry{
		entry(1, "35.70", day(2024, 11, 18), "SPAR", "Groceries"),
		entry(2, "12.00", day(2024, 6, 6), "Other", "Unrelated"),
		entry(3, "0.00", day(2024, 1, 1), "", ""),
	}
	for _, d := range docs {
		for _, le := range entries {
			c := e.Score(d, le)
			if c.Score < 0.0 || c.Score > 1.0 {
				t.Errorf("score out of bounds: doc=%d entry=%d score=%v", d.ID, le.ID, c.Score)
			}
		}
	}
}

func TestMatchScenarioSingleStrongCandidate(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "35.70", day(2024, 11, 18), "SPAR", "SPAR Kassabon")
	entries := []*models.LedgerEntry{
		entry(10, "35.70", day(2024, 11, 19), "SPAR FIL. 5631", "SPAR Kassabon 5631"),
		entry(11, "120.00", day(2024, 10, 1), "Landlord", "Rent November"),
	}

	results := e.Match(d, entries)
	if len(results) != 1 {
		t.Fatalf("got %d candidates, want 1 (rent entry must fall below floor)", len(results))
	}
	top := results[0]
	if top.LedgerEntryId != 10 {
		t.Fatalf("top candidate entry = %d, want 10", top.LedgerEntryId)
	}
	if top.Score < e.Policy().AutoLinkThreshold {
		t.Errorf("composite score = %v, want >= %v", top.Score, e.Policy().AutoLinkThreshold)
	}
	if top.Ambiguous {
		t.Error("single candidate must not be flagged ambiguous")
	}

	for _, s := range top.Signals {
		switch s.Name {
		case "amount":
			if s.Score != 1.0 {
				t.Errorf("amount score = %v, want 1.0", s.Score)
			}
		case "date":
			if s.Score < 0.85 || s.Score > 0.87 {
				t.Errorf("date score = %v, want ~0.857 for 1-day decay", s.Score)
			}
		case "counterparty":
			if s.Score != 0.85 {
				t.Errorf("counterparty score = %v, want 0.85 (contains)", s.Score)
			}
		}
	}
}

func TestMatchScenarioAmbiguousPair(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "12.00", day(2024, 5, 10), "ACME", "Team lunch")
	entries := []*models.LedgerEntry{
		entry(20, "12.00", day(2024, 5, 12), "CAFE ONE", "Restaurant"),
		entry(21, "12.00", day(2024, 5, 12), "BISTRO TWO", "Takeaway"),
	}

	results := e.Match(d, entries)
	if len(results) != 2 {
		t.Fatalf("got %d candidates, want 2", len(results))
	}
	if results[0].Score != results[1].Score {
		t.Fatalf("expected equal scores, got %v and %v", results[0].Score, results[1].Score)
	}
	for _, c := range results {
		if !c.Ambiguous {
			t.Errorf("candidate entry=%d not flagged ambiguous", c.LedgerEntryId)
		}
		if c.Score >= e.Policy().AutoLinkThreshold {
			t.Errorf("ambiguous candidate unexpectedly above auto threshold: %v", c.Score)
		}
	}
	// Equal score and date break ties by lower ledger id.
	if results[0].LedgerEntryId != 20 {
		t.Errorf("tie-break order wrong: first entry = %d, want 20", results[0].LedgerEntryId)
	}
}

func TestMatchDropsBelowFloor(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "500.00", day(2024, 3, 1), "Utility Co", "Electricity March")
	entries := []*models.LedgerEntry{
		entry(30, "7.50", day(2023, 9, 20), "Bakery", "Bread"),
	}
	if got := e.Match(d, entries); len(got) != 0 {
		t.Fatalf("expected no candidates, got %d with score %v", len(got), got[0].Score)
	}
}

func TestMatchDeterministicAcrossRuns(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "45.00", day(2024, 8, 1), "Garage", "Oil change")
	entries := []*models.LedgerEntry{
		entry(41, "45.00", day(2024, 8, 2), "Garage AG", "Service"),
		entry(40, "45.00", day(2024, 8, 2), "Garage GmbH", "Repair"),
		entry(42, "46.00", day(2024, 8, 1), "Garage", "Oil change"),
	}

	first := e.Match(d, entries)
	for i := 0; i < 5; i++ {
		again := e.Match(d, entries)
		if len(again) != len(first) {
			t.Fatalf("run %d: %d candidates, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].LedgerEntryId != first[j].LedgerEntryId || again[j].Score != first[j].Score {
				t.Fatalf("run %d: order or score changed at %d", i, j)
			}
		}
	}
}

func TestMatchTieBreakPrefersRecentEntry(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "30.00", day(2024, 4, 10), "Shop", "Purchase")
	entries := []*models.LedgerEntry{
		entry(50, "30.00", day(2024, 4, 8), "Shop", "Purchase"),
		entry(51, "30.00", day(2024, 4, 12), "Shop", "Purchase"),
	}

	results := e.Match(d, entries)
	if len(results) != 2 {
		t.Fatalf("got %d candidates, want 2", len(results))
	}
	// Both are 2 days away so scores tie; the later entry wins the tie.
	if results[0].LedgerEntryId != 51 {
		t.Errorf("first candidate = %d, want 51 (more recent entry)", results[0].LedgerEntryId)
	}
}

func TestAmountLinearDecay(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := doc(1, "100.00", day(2024, 1, 1), "X", "Y")

	exact := e.Score(d, entry(1, "100.00", day(2024, 1, 1), "X", "Y"))
	near := e.Score(d, entry(2, "102.00", day(2024, 1, 1), "X", "Y"))
	far := e.Score(d, entry(3, "110.00", day(2024, 1, 1), "X", "Y"))

	amountOf := func(c Candidate) float64 {
		for _, s := range c.Signals {
			if s.Name == "amount" {
				return s.Score
			}
		}
		t.Fatal("amount signal missing")
		return 0
	}

	if amountOf(exact) != 1.0 {
		t.Errorf("exact amount score = %v, want 1.0", amountOf(exact))
	}
	got := amountOf(near)
	if got <= 0 || got >= 1.0 {
		t.Errorf("2%% diff amount score = %v, want between 0 and 1", got)
	}
	// 2% of a 5% tolerance leaves 60% of the signal.
	if got < 0.59 || got > 0.61 {
		t.Errorf("2%% diff amount score = %v, want ~0.60", got)
	}
	if amountOf(far) != 0 {
		t.Errorf("10%% diff amount score = %v, want 0", amountOf(far))
	}
}

func TestDateDecayWindow(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	base := day(2024, 6, 15)
	d := doc(1, "10.00", base, "X", "Y")

	dateOf := func(offset int) float64 {
		c := e.Score(d, entry(1, "10.00", base.AddDate(0, 0, offset), "X", "Y"))
		for _, s := range c.Signals {
			if s.Name == "date" {
				return s.Score
			}
		}
		t.Fatal("date signal missing")
		return 0
	}

	if dateOf(0) != 1.0 {
		t.Errorf("same-day score = %v, want 1.0", dateOf(0))
	}
	if got := dateOf(1); got < 0.85 || got > 0.87 {
		t.Errorf("1-day score = %v, want ~0.857", got)
	}
	if got := dateOf(-3); got < 0.57 || got > 0.58 {
		t.Errorf("3-day score = %v, want ~0.571", got)
	}
	if dateOf(7) != 0 {
		t.Errorf("7-day score = %v, want 0 at window edge", dateOf(7))
	}
	if dateOf(30) != 0 {
		t.Errorf("30-day score = %v, want 0", dateOf(30))
	}
}

func TestDescriptionSimilarity(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	descOf := func(a, b string) float64 {
		c := e.Score(
			doc(1, "10.00", day(2024, 1, 1), "", a),
			entry(1, "99.00", day(2023, 1, 1), "", b),
		)
		for _, s := range c.Signals {
			if s.Name == "description" {
				return s.Score
			}
		}
		return 0
	}

	if got := descOf("Monthly Rent", "monthly  rent"); got != 1.0 {
		t.Errorf("normalized exact = %v, want 1.0", got)
	}
	if got := descOf("Rent", "Monthly Rent Payment"); got != 0.8 {
		t.Errorf("contains = %v, want 0.8", got)
	}
	if got := descOf("invoice 2024-001 hosting", "hosting invoice 2024-001"); got <= 0.3 {
		t.Errorf("word overlap = %v, want > 0.3", got)
	}
	if got := descOf("Fuel purchase", "Grocery shopping"); got != 0 {
		t.Errorf("unrelated = %v, want 0", got)
	}
	if got := descOf("", "anything"); got != 0 {
		t.Errorf("missing = %v, want 0", got)
	}
}

func TestCounterpartyScoring(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	cpOf := func(a, b string) float64 {
		c := e.Score(
			doc(1, "10.00", day(2024, 1, 1), a, ""),
			entry(1, "99.00", day(2023, 1, 1), b, ""),
		)
		for _, s := range c.Signals {
			if s.Name == "counterparty" {
				return s.Score
			}
		}
		return 0
	}

	if got := cpOf("Amazon", "amazon"); got != 1.0 {
		t.Errorf("case-insensitive exact = %v, want 1.0", got)
	}
	if got := cpOf("Amazon", "Amazon.com"); got != 0.85 {
		t.Errorf("contains = %v, want 0.85", got)
	}
	if got := cpOf("Shell Station 42", "Shell AG"); got != 0.6 {
		t.Errorf("first word = %v, want 0.6", got)
	}
	if got := cpOf("SPAR", "REWE"); got != 0 {
		t.Errorf("unrelated = %v, want 0", got)
	}
}
