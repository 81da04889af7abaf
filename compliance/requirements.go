package compliance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"sentinel/core"
)

// Built-in requirement identifiers
const (
	RequirementGDPRConsent     = "gdpr_consent_recorded"
	RequirementGDPRLawfulBasis = "gdpr_lawful_basis"
	RequirementGDPRRetention   = "gdpr_data_retention"
	RequirementCCPAOptOut      = "ccpa_opt_out_honored"
	RequirementPCICardMasked   = "pci_dss_card_number_masked"
	RequirementPCINoStoredCVV  = "pci_dss_no_stored_cvv"
)

// DefaultMaxRetentionDays is the GDPR retention ceiling when none is configured
const DefaultMaxRetentionDays = 365

const (
	personalDataFlag = "personal_data"
	consentField     = "consent_given"
	lawfulBasisField = "lawful_basis"
	retentionField   = "retention_days"
	doNotSellField   = "do_not_sell"
	dataSoldField    = "data_sold"
	cardNumberField  = "card_number"
)

// personalDataFields mark a record as holding personal data for GDPR checks
var personalDataFields = []string{"email", "phone", "full_name", "name", "address", "date_of_birth"}

var lawfulBases = map[string]bool{
	"consent":              true,
	"contract":             true,
	"legal_obligation":     true,
	"vital_interests":      true,
	"public_task":          true,
	"legitimate_interests": true,
}

var (
	// maskedPAN allows any run of mask characters followed by the last four digits
	maskedPAN = regexp.MustCompile(`^[*xX#]{6,15}[0-9]{4}$`)
	panDigits = regexp.MustCompile(`^[0-9]{13,19}$`)
)

// BuiltinOptions tunes the built-in requirements
type BuiltinOptions struct {
	MaxRetentionDays int
}

// BuiltinRequirements returns the GDPR, CCPA and PCI-DSS checks shipped with the engine
func BuiltinRequirements(opts BuiltinOptions) []core.ComplianceRequirement {
	maxDays := opts.MaxRetentionDays
	if maxDays <= 0 {
		maxDays = DefaultMaxRetentionDays
	}

	return []core.ComplianceRequirement{
		{
			ID:          RequirementGDPRConsent,
			Name:        "Consent recorded for personal data",
			Regulation:  core.RegulationGDPR,
			Remediation: "Record explicit consent (consent_given=true) before storing personal data.",
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				if !holdsPersonalData(r) {
					return true, nil
				}
				given, ok := r.Bool(consentField)
				return ok && given, nil
			},
		},
		{
			ID:          RequirementGDPRLawfulBasis,
			Name:        "Lawful basis for processing declared",
			Regulation:  core.RegulationGDPR,
			Remediation: "Set lawful_basis to one of the six Article 6 bases.",
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				if !holdsPersonalData(r) {
					return true, nil
				}
				basis, ok := r.String(lawfulBasisField)
				return ok && lawfulBases[strings.ToLower(basis)], nil
			},
		},
		{
			ID:          RequirementGDPRRetention,
			Name:        fmt.Sprintf("Personal data retained at most %d days", maxDays),
			Regulation:  core.RegulationGDPR,
			Remediation: fmt.Sprintf("Declare retention_days no greater than %d and purge data past that age.", maxDays),
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				if !holdsPersonalData(r) {
					return true, nil
				}
				if !r.Has(retentionField) {
					return false, nil
				}
				days, err := number(r[retentionField])
				if err != nil {
					return false, fmt.Errorf("%s: %w", retentionField, err)
				}
				return days >= 0 && days <= float64(maxDays), nil
			},
		},
		{
			ID:          RequirementCCPAOptOut,
			Name:        "Do-not-sell opt-out honored",
			Regulation:  core.RegulationCCPA,
			Remediation: "Stop sharing or selling data for consumers who opted out (do_not_sell=true).",
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				optedOut, _ := r.Bool(doNotSellField)
				sold, _ := r.Bool(dataSoldField)
				return !(optedOut && sold), nil
			},
		},
		{
			ID:          RequirementPCICardMasked,
			Name:        "Primary account number masked",
			Regulation:  core.RegulationPCIDSS,
			Remediation: "Store only a masked card number showing at most the last four digits.",
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				if !r.Has(cardNumberField) {
					return true, nil
				}
				pan, ok := r[cardNumberField].(string)
				if !ok {
					return false, nil
				}
				pan = strings.NewReplacer(" ", "", "-", "").Replace(pan)
				if panDigits.MatchString(pan) {
					return false, nil
				}
				return maskedPAN.MatchString(pan), nil
			},
		},
		{
			ID:          RequirementPCINoStoredCVV,
			Name:        "Card verification value never stored",
			Regulation:  core.RegulationPCIDSS,
			Remediation: "Remove cvv/cvc fields; card verification codes must not be stored after authorization.",
			Enabled:     true,
			Check: func(r core.Record) (bool, error) {
				for _, key := range []string{"cvv", "cvc", "cvv2", "card_verification_value"} {
					if r.Has(key) {
						return false, nil
					}
				}
				return true, nil
			},
		},
	}
}

func holdsPersonalData(r core.Record) bool {
	if flagged, ok := r.Bool(personalDataFlag); ok {
		return flagged
	}
	for _, field := range personalDataFields {
		if r.Has(field) {
			return true
		}
	}
	return false
}

// number accepts the numeric shapes a record can carry after JSON or YAML decoding
func number(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
