package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// Signal weights (sum to 1.0)
const (
	WeightAmount       = 0.40
	WeightDate         = 0.25
	WeightDescription  = 0.20
	WeightCounterparty = 0.15
)

// Signal is one scored contribution to a match candidate.
type Signal struct {
	Name   string  `json:"signal"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail"`
}

func (s Signal) Weighted() float64 {
	return s.Score * s.Weight
}

// Candidate is a scored pairing of one document against one ledger entry.
// Candidates are transient; the orchestrator persists the surviving ones as
// proposals.
type Candidate struct {
	DocumentId    uint     `json:"document_id"`
	LedgerEntryId uint     `json:"ledger_entry_id"`
	Score         float64  `json:"score"`
	Signals       []Signal `json:"signals"`
	Reasons       []string `json:"reasons"`
	Ambiguous     bool     `json:"ambiguous"`
}

// Policy carries the tunable matching parameters. The zero value is not
// usable; construct with DefaultPolicy or PolicyFromEnv.
type Policy struct {
	AmountTolerancePct float64
	DateToleranceDays  int
	MinScore           float64
	AutoLinkThreshold  float64
	AmbiguityEpsilon   float64
	MaxResults         int
}

func DefaultPolicy() Policy {
	return Policy{
		AmountTolerancePct: 0.05,
		DateToleranceDays:  7,
		MinScore:           0.30,
		AutoLinkThreshold:  0.90,
		AmbiguityEpsilon:   0.05,
		MaxResults:         5,
	}
}

// PolicyFromEnv reads the policy overrides from the environment.
func PolicyFromEnv() Policy {
	return Policy{
		AmountTolerancePct: config.AmountTolerancePct(),
		DateToleranceDays:  config.DateToleranceDays(),
		MinScore:           config.MinProposalScore(),
		AutoLinkThreshold:  config.AutoLinkThreshold(),
		AmbiguityEpsilon:   config.AmbiguityEpsilon(),
		MaxResults:         5,
	}
}

// Engine scores documents against mirrored ledger entries. It holds no
// database handles and no mutable state, so concurrent Match calls are safe.
type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Match scores the document against every given ledger entry and returns the
// surviving candidates ordered by descending score. Candidates below the
// policy floor are discarded. If two or more candidates land within the
// ambiguity epsilon of the top score, every one of them is flagged ambiguous.
func (e *Engine) Match(doc *models.DocumentCandidate, entries []*models.LedgerEntry) []Candidate {
	var results []Candidate

	for _, entry := range entries {
		c := e.Score(doc, entry)
		if c.Score >= e.policy.MinScore {
			results = append(results, c)
		}
	}

	// Deterministic order: score desc, then more recent entry first, then
	// lower ledger id.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		di := entryDate(entries, results[i].LedgerEntryId)
		dj := entryDate(entries, results[j].LedgerEntryId)
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return results[i].LedgerEntryId < results[j].LedgerEntryId
	})

	if len(results) > e.policy.MaxResults {
		results = results[:e.policy.MaxResults]
	}

	if len(results) >= 2 {
		top := results[0].Score
		within := 0
		for i := range results {
			if top-results[i].Score <= e.policy.AmbiguityEpsilon {
				within++
			}
		}
		if within >= 2 {
			for i := range results {
				if top-results[i].Score <= e.policy.AmbiguityEpsilon {
					results[i].Ambiguous = true
				}
			}
		}
	}

	return results
}

// Score evaluates a single document/entry pairing.
func (e *Engine) Score(doc *models.DocumentCandidate, entry *models.LedgerEntry) Candidate {
	signals := []Signal{
		e.scoreAmount(doc.Amount, entry.Amount),
		e.scoreDate(doc, entry),
		e.scoreDescription(doc.Description, entry.Description),
		e.scoreCounterparty(doc.Counterparty, entry.Counterparty),
	}

	var total float64
	var reasons []string
	for _, s := range signals {
		total += s.Weighted()
		if s.Score > 0.5 {
			reasons = append(reasons, fmt.Sprintf("%s (%s)", s.Name, s.Detail))
		}
	}
	if total < 0 {
		total = 0
	}
	if total > 1 {
		total = 1
	}

	return Candidate{
		DocumentId:    doc.ID,
		LedgerEntryId: entry.ID,
		Score:         total,
		Signals:       signals,
		Reasons:       reasons,
	}
}

func (e *Engine) scoreAmount(docAmount, entryAmount decimal.Decimal) Signal {
	s := Signal{Name: "amount", Weight: WeightAmount}

	if docAmount.Equal(entryAmount) {
		s.Score = 1.0
		s.Detail = "exact: " + docAmount.StringFixed(2)
		return s
	}
	if entryAmount.IsZero() {
		s.Detail = fmt.Sprintf("mismatch: %s vs 0", docAmount.StringFixed(2))
		return s
	}

	diffPct, _ := docAmount.Sub(entryAmount).Abs().Div(entryAmount.Abs()).Float64()
	if diffPct <= e.policy.AmountTolerancePct {
		// Linear decay to 0 at the tolerance edge.
		s.Score = 1.0 - diffPct/e.policy.AmountTolerancePct
		s.Detail = fmt.Sprintf("within %.0f%%: %s vs %s",
			e.policy.AmountTolerancePct*100, docAmount.StringFixed(2), entryAmount.StringFixed(2))
		return s
	}

	s.Detail = fmt.Sprintf("mismatch: %s vs %s", docAmount.StringFixed(2), entryAmount.StringFixed(2))
	return s
}

func (e *Engine) scoreDate(doc *models.DocumentCandidate, entry *models.LedgerEntry) Signal {
	s := Signal{Name: "date", Weight: WeightDate}

	daysDiff := absDays(doc.DocumentDate, entry.EntryDate)
	window := e.policy.DateToleranceDays

	if daysDiff == 0 {
		s.Score = 1.0
		s.Detail = "same day"
		return s
	}
	if daysDiff < window {
		// Linear decay to 0 at the window edge.
		s.Score = 1.0 - float64(daysDiff)/float64(window)
		s.Detail = fmt.Sprintf("%d days", daysDiff)
		return s
	}

	s.Detail = fmt.Sprintf(">=%d days", window)
	return s
}

func (e *Engine) scoreDescription(docDesc, entryDesc string) Signal {
	s := Signal{Name: "description", Weight: WeightDescription}

	a := fingerprint.NormalizeText(docDesc)
	b := fingerprint.NormalizeText(entryDesc)
	if a == "" || b == "" {
		s.Detail = "missing"
		return s
	}
	if a == b {
		s.Score = 1.0
		s.Detail = "exact"
		return s
	}
	if contains(a, b) {
		s.Score = 0.8
		s.Detail = "contains"
		return s
	}

	best := wordOverlap(a, b)
	if lev := levenshteinSimilarity(a, b); lev > best {
		best = lev
	}
	if best > 0.3 {
		s.Score = best
		s.Detail = fmt.Sprintf("similarity %.2f", best)
		return s
	}

	s.Detail = "no match"
	return s
}

func (e *Engine) scoreCounterparty(docParty, entryParty string) Signal {
	s := Signal{Name: "counterparty", Weight: WeightCounterparty}

	a := fingerprint.NormalizeText(docParty)
	b := fingerprint.NormalizeText(entryParty)
	if a == "" || b == "" {
		s.Detail = "missing"
		return s
	}
	if a == b {
		s.Score = 1.0
		s.Detail = "exact"
		return s
	}
	// Handles "Amazon.com" vs "Amazon" and branch suffixes like "SPAR FIL. 5631".
	if contains(a, b) {
		s.Score = 0.85
		s.Detail = "contains"
		return s
	}
	if firstWord(a) != "" && firstWord(a) == firstWord(b) {
		s.Score = 0.6
		s.Detail = "first word"
		return s
	}

	s.Detail = "no match"
	return s
}

func contains(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// wordOverlap is Jaccard similarity over whitespace-split word sets.
func wordOverlap(a, b string) float64 {
	aWords := toSet(a)
	bWords := toSet(b)
	if len(aWords) == 0 || len(bWords) == 0 {
		return 0
	}
	intersection := 0
	for w := range aWords {
		if bWords[w] {
			intersection++
		}
	}
	union := len(aWords) + len(bWords) - intersection
	return float64(intersection) / float64(union)
}

func toSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

func absDays(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(bd).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

func entryDate(entries []*models.LedgerEntry, id uint) time.Time {
	for _, e := range entries {
		if e.ID == id {
			return e.EntryDate
		}
	}
	return time.Time{}
}

func levenshteinSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
