package fingerprint

import (
	"strings"
	"testing"
)

func TestGenerateDeterministic(t *testing.T) {
	first, err := Generate("35.70", "2024-11-18", "SPAR", "Grocery shopping")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Generate("35.70", "2024-11-18", "SPAR", "Grocery shopping")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if again != first {
			t.Fatalf("fingerprint not deterministic: %q vs %q", again, first)
		}
	}
	if !strings.HasPrefix(first, "ledgerlink:") {
		t.Fatalf("fingerprint %q missing namespace prefix", first)
	}
	if !strings.HasSuffix(first, ":35.70:2024-11-18") {
		t.Fatalf("fingerprint %q missing normalized amount/date suffix", first)
	}
}

func TestGenerateStableUnderFormatting(t *testing.T) {
	base, err := Generate("35.70", "2024-11-18", "SPAR", "Grocery shopping")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	variants := []struct {
		amount       string
		counterparty string
		description  string
	}{
		{"35.7", "SPAR", "Grocery shopping"},
		{"35,70", "SPAR", "Grocery shopping"},
		{" 35.70 ", "spar", "grocery shopping"},
		{"35.700", "  SPAR  ", "Grocery   shopping"},
		{"35.70", "SPAR", "GROCERY\tSHOPPING"},
	}
	for _, v := range variants {
		fp, err := Generate(v.amount, "2024-11-18", v.counterparty, v.description)
		if err != nil {
			t.Fatalf("Generate(%+v): %v", v, err)
		}
		if fp != base {
			t.Errorf("formatting variant %+v changed fingerprint: %q vs %q", v, fp, base)
		}
	}
}

func TestGenerateDistinguishesContent(t *testing.T) {
	a, _ := Generate("35.70", "2024-11-18", "SPAR", "Groceries")
	b, _ := Generate("35.70", "2024-11-18", "REWE", "Groceries")
	c, _ := Generate("35.71", "2024-11-18", "SPAR", "Groceries")
	d, _ := Generate("35.70", "2024-11-19", "SPAR", "Groceries")
	if a == b || a == c || a == d {
		t.Errorf("distinct inputs should not share a fingerprint: %q %q %q %q", a, b, c, d)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	if _, err := Generate("", "2024-01-01", "x", "y"); err == nil {
		t.Error("expected error for empty amount")
	}
	if _, err := Generate("abc", "2024-01-01", "x", "y"); err == nil {
		t.Error("expected error for non-numeric amount")
	}
	if _, err := Generate("10.00", "01/01/2024", "x", "y"); err == nil {
		t.Error("expected error for bad date format")
	}
	if _, err := Generate("10.00", "2024-1-1", "x", "y"); err == nil {
		t.Error("expected error for unpadded date")
	}
	if _, err := Generate("10.00", "2024-ab-cd", "x", "y"); err == nil {
		t.Error("expected error for non-numeric date parts")
	}
	if _, err := Generate("10.00", "2024-13-40", "x", "y"); err == nil {
		t.Error("expected error for out-of-range date")
	}
}

func TestParseRoundTrip(t *testing.T) {
	fp, err := Generate("1250.00", "2025-03-31", "ACME GmbH", "March invoice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c, err := Parse(fp)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.HashPrefix) != 16 {
		t.Errorf("HashPrefix length = %d, want 16", len(c.HashPrefix))
	}
	if c.Amount.StringFixed(2) != "1250.00" {
		t.Errorf("Amount = %s, want 1250.00", c.Amount)
	}
	if c.Date != "2025-03-31" {
		t.Errorf("Date = %q, want 2025-03-31", c.Date)
	}
}

func TestParseRejectsForeign(t *testing.T) {
	for _, fp := range []string{
		"",
		"bank-export-0001",
		"otherapp:abcdefabcdefabcd:10.00:2024-01-01",
		"ledgerlink:short:10.00:2024-01-01",
		"ledgerlink:onlythreeparts",
	} {
		if _, err := Parse(fp); err == nil {
			t.Errorf("Parse(%q): expected error", fp)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  SPAR  FIL. 5631 ", "spar fil. 5631"},
		{"Amazon", "amazon"},
		{"a\t b\nc", "a b c"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeText(c.in); got != c.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestComputeSourceHash(t *testing.T) {
	h := ComputeSourceHash([]byte("hello"))
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h))
	}
	if h != ComputeSourceHash([]byte("hello")) {
		t.Error("hash not stable")
	}
	if h == ComputeSourceHash([]byte("hello!")) {
		t.Error("different inputs produced same hash")
	}
}

func TestIsLinked(t *testing.T) {
	fp, _ := Generate("10.00", "2024-01-01", "SPAR", "Groceries")
	cases := []struct {
		name        string
		externalID  string
		internalRef string
		notes       string
		want        bool
	}{
		{"own external id", fp, "", "", true},
		{"internal reference", "", "LEDGERLINK:42", "", true},
		{"notes marker", "", "", "Imported. LedgerLink doc_id=42", true},
		{"foreign external id only", "bank-export-0001", "", "", false},
		{"no markers", "", "", "", false},
		{"unrelated notes", "", "", "manual entry", false},
	}
	for _, c := range cases {
		if got := IsLinked(c.externalID, c.internalRef, c.notes); got != c.want {
			t.Errorf("%s: IsLinked = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestExtractDocumentID(t *testing.T) {
	if id, ok := ExtractDocumentID("LEDGERLINK:77", ""); !ok || id != 77 {
		t.Errorf("from internal reference: got (%d,%v), want (77,true)", id, ok)
	}
	if id, ok := ExtractDocumentID("", "LedgerLink doc_id=88 (auto)"); !ok || id != 88 {
		t.Errorf("from notes: got (%d,%v), want (88,true)", id, ok)
	}
	if _, ok := ExtractDocumentID("other ref", "some note"); ok {
		t.Error("foreign markers should not yield a document id")
	}
}

func TestBuildMarkers(t *testing.T) {
	fp, _ := Generate("10.00", "2024-01-01", "SPAR", "Groceries")
	m := BuildMarkers(9, fp)
	if m.ExternalID != fp {
		t.Errorf("ExternalID = %q", m.ExternalID)
	}
	if m.InternalReference != "LEDGERLINK:9" {
		t.Errorf("InternalReference = %q", m.InternalReference)
	}
	if m.NotesMarker != "LedgerLink doc_id=9" {
		t.Errorf("NotesMarker = %q", m.NotesMarker)
	}
	if !IsLinked(m.ExternalID, "", "") || !IsLinked("", m.InternalReference, "") || !IsLinked("", "", m.NotesMarker) {
		t.Error("each marker alone should be detected as linked")
	}
	if id, ok := ExtractDocumentID(m.InternalReference, m.NotesMarker); !ok || id != 9 {
		t.Errorf("ExtractDocumentID from markers = (%d,%v), want (9,true)", id, ok)
	}
}
