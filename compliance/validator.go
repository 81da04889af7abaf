// Package compliance validates data records against regulatory requirements.
//
// Validation is pure: it reads the record, never the event history or actor
// state, and a requirement whose check errors or panics counts as a violation.
package compliance

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// ErrRequirementNotFound is returned when toggling an unknown requirement
var ErrRequirementNotFound = errors.New("compliance requirement not found")

// Validator holds the registered requirements
type Validator struct {
	mu           sync.RWMutex
	requirements []core.ComplianceRequirement
	logger       *zap.SugaredLogger
}

// NewValidator creates a validator with the given requirements
func NewValidator(logger *zap.SugaredLogger, requirements ...core.ComplianceRequirement) (*Validator, error) {
	v := &Validator{logger: logger}
	for _, req := range requirements {
		if err := v.Register(req); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register adds a requirement. Ids must be unique.
func (v *Validator) Register(req core.ComplianceRequirement) error {
	if req.ID == "" {
		return errors.New("compliance requirement id is required")
	}
	if req.Check == nil {
		return fmt.Errorf("compliance requirement %s has no check", req.ID)
	}
	if req.Regulation == "" {
		return fmt.Errorf("compliance requirement %s has no regulation", req.ID)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.requirements {
		if existing.ID == req.ID {
			return fmt.Errorf("duplicate compliance requirement id %s", req.ID)
		}
	}
	v.requirements = append(v.requirements, req)
	return nil
}

// SetEnabled toggles a requirement by id
func (v *Validator) SetEnabled(id string, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.requirements {
		if v.requirements[i].ID == id {
			v.requirements[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRequirementNotFound, id)
}

// Requirements returns a copy of the registered requirements
func (v *Validator) Requirements() []core.ComplianceRequirement {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.ComplianceRequirement, len(v.requirements))
	copy(out, v.requirements)
	return out
}

// Regulations returns the regulations with at least one registered requirement, sorted
func (v *Validator) Regulations() []core.Regulation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := make(map[core.Regulation]bool)
	var out []core.Regulation
	for _, req := range v.requirements {
		if !seen[req.Regulation] {
			seen[req.Regulation] = true
			out = append(out, req.Regulation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate runs every enabled requirement, or only those of the given
// regulations, against record. The record is compliant iff every applicable
// check returns true without error. Unknown regulations are rejected.
func (v *Validator) Validate(record core.Record, regulations ...core.Regulation) (core.ComplianceResult, error) {
	filter := make(map[core.Regulation]bool, len(regulations))
	known := make(map[core.Regulation]bool)
	for _, reg := range v.Regulations() {
		known[reg] = true
	}
	for _, reg := range regulations {
		if !known[reg] {
			return core.ComplianceResult{}, fmt.Errorf("%w: %s", core.ErrUnknownRegulation, reg)
		}
		filter[reg] = true
	}

	result := core.ComplianceResult{Compliant: true, Violations: []core.ComplianceViolation{}}
	for _, req := range v.Requirements() {
		if !req.Enabled {
			continue
		}
		if len(filter) > 0 && !filter[req.Regulation] {
			continue
		}

		var ok bool
		err := goroutine.Call(func() error {
			var checkErr error
			ok, checkErr = req.Check(record.Clone())
			return checkErr
		})
		if err != nil {
			v.logger.Warnw("Compliance check failed, reporting violation",
				"requirement", req.ID,
				"regulation", req.Regulation,
				"error", err)
			result.Violations = append(result.Violations, core.ComplianceViolation{Requirement: req, Error: err.Error()})
			metrics.ComplianceChecks.WithLabelValues("error").Inc()
			continue
		}
		if !ok {
			result.Violations = append(result.Violations, core.ComplianceViolation{Requirement: req})
			metrics.ComplianceChecks.WithLabelValues("violation").Inc()
			continue
		}
		metrics.ComplianceChecks.WithLabelValues("pass").Inc()
	}
	result.Compliant = len(result.Violations) == 0
	return result, nil
}
