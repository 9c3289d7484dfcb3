package ledgersync

import "encoding/json"

type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

type CursorState struct {
	Ledger    CursorEntry `json:"ledger"`
	Documents CursorEntry `json:"documents"`
}

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}

// LedgerTransaction is the wire shape of one transaction from the ledger
// service.
type LedgerTransaction struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Description       string      `json:"description"`
	DestinationName   string      `json:"destination_name"`
	SourceName        string      `json:"source_name"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency_code"`
	Date              string      `json:"date"`
	ExternalID        string      `json:"external_id"`
	InternalReference string      `json:"internal_reference"`
	Notes             string      `json:"notes"`
	UpdatedAt         string      `json:"updated_at"`
}

type LedgerPage struct {
	Transactions []LedgerTransaction `json:"data"`
	NextCursor   string              `json:"next_cursor"`
	HasMore      *bool               `json:"has_more"`
}

// NewLedgerTransaction is the payload for creating an entry from a document.
type NewLedgerTransaction struct {
	Type              string `json:"type"`
	Description       string `json:"description"`
	DestinationName   string `json:"destination_name"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency_code"`
	Date              string `json:"date"`
	ExternalID        string `json:"external_id"`
	InternalReference string `json:"internal_reference"`
	Notes             string `json:"notes"`
}

// SourceDocument is the wire shape of one candidate from the document source.
type SourceDocument struct {
	ID            uint        `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Correspondent string      `json:"correspondent"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Date          string      `json:"date"`
	SourceHash    string      `json:"source_hash"`
	Confidence    float64     `json:"confidence"`
	UpdatedAt     string      `json:"updated_at"`
}

type DocumentPage struct {
	Documents  []SourceDocument `json:"data"`
	NextCursor string           `json:"next_cursor"`
	HasMore    *bool            `json:"has_more"`
}
