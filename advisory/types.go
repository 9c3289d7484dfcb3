package advisory

import "encoding/json"

// DocumentContext is the redacted slice of a document sent to the advisory
// service: the matching signals and nothing else. Source hashes, external
// ids and free-form notes stay local.
type DocumentContext struct {
	Amount       string `json:"amount" validate:"required"`
	Date         string `json:"date" validate:"required,len=10"`
	Counterparty string `json:"counterparty"`
	Description  string `json:"description"`
}

// Suggestion is one advisory answer. It is a hint, never a decision: a
// suggestion only ever surfaces next to a proposal the rules produced
// independently.
type Suggestion struct {
	LedgerTxId string  `json:"ledger_tx_id" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Rationale  string  `json:"rationale" validate:"max=500"`
}

type suggestRequest struct {
	Document DocumentContext `json:"document"`
}

type suggestResponse struct {
	Suggestion *Suggestion `json:"suggestion"`
}

func decodeSuggestion(raw []byte) *Suggestion {
	if len(raw) == 0 {
		return nil
	}
	var s Suggestion
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	if s.LedgerTxId == "" {
		return nil
	}
	return &s
}
