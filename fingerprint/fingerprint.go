package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Namespace is the prefix of every fingerprint this system generates.
// A ledger entry whose external id carries this prefix belongs to us.
const Namespace = "ledgerlink"

// InternalReferencePrefix marks our writes in a ledger entry's internal
// reference field.
const InternalReferencePrefix = "LEDGERLINK:"

// NotesMarkerPrefix marks our writes in a ledger entry's notes field.
const NotesMarkerPrefix = "LedgerLink doc_id="

// Components are the parsed parts of a fingerprint.
type Components struct {
	HashPrefix string
	Amount     decimal.Decimal
	Date       string // YYYY-MM-DD
}

// Markers are the three fields written to a ledger entry when it is linked to
// a document. Any one of them is sufficient to detect the linkage later.
type Markers struct {
	ExternalID        string
	InternalReference string
	NotesMarker       string
}

// ComputeSourceHash returns the lowercase hex SHA-256 of the original file
// bytes.
func ComputeSourceHash(fileBytes []byte) string {
	sum := sha256.Sum256(fileBytes)
	return hex.EncodeToString(sum[:])
}

// Generate builds the deterministic identity fingerprint of a transaction.
//
// Format: ledgerlink:{sha256(normalized text)[:16]}:{amount}:{date}
//
// Identical semantic input always yields identical output: the amount is
// normalized to two decimal places (comma decimal separators accepted), the
// date must be YYYY-MM-DD, and counterparty and description are case- and
// whitespace-normalized before hashing. Two semantically different
// transactions producing the same fingerprint is a collision the caller must
// surface for review, not merge.
func Generate(amount string, date string, counterparty string, description string) (string, error) {
	normalizedAmount, err := NormalizeAmount(amount)
	if err != nil {
		return "", err
	}

	if err := validateDate(date); err != nil {
		return "", err
	}

	textKey := NormalizeText(counterparty) + "|" + NormalizeText(description)
	sum := sha256.Sum256([]byte(textKey))
	hashPrefix := hex.EncodeToString(sum[:])[:16]

	return fmt.Sprintf("%s:%s:%s:%s", Namespace, hashPrefix, normalizedAmount, date), nil
}

// NormalizeText lowercases, trims, and collapses internal whitespace runs to
// a single space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeAmount renders an amount string to exactly two decimal places with
// a dot separator. Comma decimal separators are accepted.
func NormalizeAmount(amount string) (string, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return "", fmt.Errorf("amount is required")
	}
	amount = strings.ReplaceAll(amount, ",", ".")
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return dec.StringFixed(2), nil
}

func validateDate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("date must be in YYYY-MM-DD format, got %q", date)
	}
	return nil
}

// Parse splits a fingerprint back into its components.
func Parse(fp string) (Components, error) {
	if !strings.HasPrefix(fp, Namespace+":") {
		return Components{}, fmt.Errorf("invalid fingerprint prefix: %q", truncate(fp, 20))
	}

	parts := strings.Split(fp, ":")
	if len(parts) != 4 {
		return Components{}, fmt.Errorf("invalid fingerprint format, expected 4 parts, got %d", len(parts))
	}

	if len(parts[1]) != 16 {
		return Components{}, fmt.Errorf("invalid hash prefix length %d in fingerprint", len(parts[1]))
	}
	amount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return Components{}, fmt.Errorf("invalid amount in fingerprint: %w", err)
	}
	if err := validateDate(parts[3]); err != nil {
		return Components{}, err
	}

	return Components{
		HashPrefix: parts[1],
		Amount:     amount,
		Date:       parts[3],
	}, nil
}

// BuildMarkers returns all three linkage markers for a document.
func BuildMarkers(documentID uint, fp string) Markers {
	return Markers{
		ExternalID:        fp,
		InternalReference: fmt.Sprintf("%s%d", InternalReferencePrefix, documentID),
		NotesMarker:       fmt.Sprintf("%s%d", NotesMarkerPrefix, documentID),
	}
}

// IsOwnExternalID reports whether an external id was generated by this system.
func IsOwnExternalID(externalID string) bool {
	return strings.HasPrefix(externalID, Namespace+":")
}

// IsLinked reports whether a ledger entry already carries any of our linkage
// markers. An entry with a foreign external id but none of our markers is
// still unlinked.
func IsLinked(externalID, internalReference, notes string) bool {
	if IsOwnExternalID(externalID) {
		return true
	}
	if internalReference != "" && strings.Contains(internalReference, InternalReferencePrefix) {
		return true
	}
	if notes != "" && strings.Contains(notes, NotesMarkerPrefix) {
		return true
	}
	return false
}

// ExtractDocumentID recovers the linked document id from a ledger entry's
// markers. The fingerprint itself carries no document id, so only the
// internal reference and notes markers are consulted.
func ExtractDocumentID(internalReference, notes string) (uint, bool) {
	if id, ok := digitsAfter(internalReference, InternalReferencePrefix); ok {
		return id, true
	}
	if id, ok := digitsAfter(notes, NotesMarkerPrefix); ok {
		return id, true
	}
	return 0, false
}

func digitsAfter(s, prefix string) (uint, bool) {
	idx := strings.Index(s, prefix)
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+len(prefix):]
	var numStr strings.Builder
	for _, r := range rest {
		if r < '0' || r > '9' {
			break
		}
		numStr.WriteRune(r)
	}
	if numStr.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(numStr.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
