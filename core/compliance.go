package core

// Regulation names a regulatory framework a requirement belongs to
type Regulation string

const (
	RegulationGDPR   Regulation = "GDPR"
	RegulationCCPA   Regulation = "CCPA"
	RegulationPCIDSS Regulation = "PCI_DSS"
)

// Record is a data record submitted for compliance validation
type Record map[string]interface{}

// String returns the value for key if it is a non-empty string
func (r Record) String(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok && v != ""
}

// Bool returns the value for key if it is a bool
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// Has reports whether key is present with a non-nil value
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// ComplianceCheck inspects a record. Returning an error counts as a violation.
type ComplianceCheck func(record Record) (bool, error)

// ComplianceRequirement is a named regulatory check. It has no temporal state.
type ComplianceRequirement struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Regulation  Regulation      `json:"regulation"`
	Remediation string          `json:"remediation"`
	Enabled     bool            `json:"enabled"`
	Check       ComplianceCheck `json:"-"`
}

// ComplianceViolation reports a failed requirement and why
type ComplianceViolation struct {
	Requirement ComplianceRequirement `json:"requirement"`
	// Error is set when the check itself failed rather than returning false.
	Error string `json:"error,omitempty"`
}

// ComplianceResult is the outcome of validating one record
type ComplianceResult struct {
	Compliant  bool                  `json:"compliant"`
	Violations []ComplianceViolation `json:"violations"`
}
