package utils

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestProcessValidationErrors(t *testing.T) {
	type payload struct {
		DecidedBy string `validate:"required"`
		Limit     int    `validate:"max=100"`
	}

	err := validator.New().Struct(payload{Limit: 500})
	if err == nil {
		t.Fatal("expected validation failure")
	}

	fields := ProcessValidationErrors(err)
	if fields["DecidedBy"] != "required" {
		t.Errorf("DecidedBy tag = %q, want required", fields["DecidedBy"])
	}
	if fields["Limit"] != "max" {
		t.Errorf("Limit tag = %q, want max", fields["Limit"])
	}
}

func TestProcessValidationErrorsNonValidator(t *testing.T) {
	// JSON syntax errors from binding are not validator errors and must not
	// panic or produce a field map.
	if fields := ProcessValidationErrors(errors.New("unexpected EOF")); fields != nil {
		t.Errorf("fields = %v, want nil", fields)
	}
}

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal("  35.70 ")
	if err != nil {
		t.Fatalf("ParseDecimal: %v", err)
	}
	if d.String() != "35.7" {
		t.Errorf("value = %s", d)
	}
	if _, err := ParseDecimal("   "); err == nil {
		t.Error("expected error for blank input")
	}
	if _, err := ParseDecimal("12,50"); err == nil {
		t.Error("expected error for comma decimal separator")
	}
}
