package config

import (
	"os"
	"strconv"
	"strings"
)

// BankFirstMode requires an explicit user confirmation before a ledger entry
// may be created from a document that matched nothing. When enabled (the
// default) the automatic pipeline only ever links to existing entries.
//
// Set via env:
// - RECON_BANK_FIRST_MODE=false to disable
func BankFirstMode() bool {
	return envBoolDefault("RECON_BANK_FIRST_MODE", true)
}

// AdvisoryEnabled gates the background advisory suggestion worker. The
// reconciliation pipeline itself never blocks on advisory output.
//
// Set via env:
// - ADVISORY_ENABLED=true
func AdvisoryEnabled() bool {
	return envBoolDefault("ADVISORY_ENABLED", false)
}

// AutoLinkThreshold is the composite score a single unambiguous proposal must
// reach before the orchestrator links it without human review.
func AutoLinkThreshold() float64 {
	return envFloatDefault("RECON_AUTO_LINK_THRESHOLD", 0.90)
}

// MinProposalScore is the floor below which match candidates are discarded
// rather than proposed.
func MinProposalScore() float64 {
	return envFloatDefault("RECON_MIN_PROPOSAL_SCORE", 0.30)
}

// AmbiguityEpsilon is the score distance within which two candidates for the
// same document are considered indistinguishable and excluded from
// auto-linking.
func AmbiguityEpsilon() float64 {
	return envFloatDefault("RECON_AMBIGUITY_EPSILON", 0.05)
}

// DateToleranceDays is the window over which the date signal decays to zero.
func DateToleranceDays() int {
	if n := intFromEnv("RECON_DATE_TOLERANCE_DAYS", 7); n > 0 {
		return n
	}
	return 7
}

// AmountTolerancePct is the relative amount difference at which the amount
// signal decays to zero (0.05 = 5%).
func AmountTolerancePct() float64 {
	return envFloatDefault("RECON_AMOUNT_TOLERANCE_PCT", 0.05)
}

// DocumentTag selects which source documents enter the pipeline. Only
// documents carrying this tag are mirrored.
func DocumentTag() string {
	if v := strings.TrimSpace(os.Getenv("RECON_DOCUMENT_TAG")); v != "" {
		return v
	}
	return "reconcile"
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}
