package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventType classifies the subsystem a security event came from
type EventType string

const (
	EventTypeAuthentication     EventType = "authentication"
	EventTypeAuthorization      EventType = "authorization"
	EventTypeDataAccess         EventType = "data_access"
	EventTypeSuspiciousActivity EventType = "suspicious_activity"
	EventTypeCompliance         EventType = "compliance"
)

// IsValid checks if the event type is one of the known types
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeAuthentication, EventTypeAuthorization, EventTypeDataAccess,
		EventTypeSuspiciousActivity, EventTypeCompliance:
		return true
	default:
		return false
	}
}

// Severity is assigned by the emitting subsystem and never recomputed by the engine
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that critical sorts highest
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// IsValid checks if the severity is known
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// SecurityEvent is an immutable fact about something that happened.
// Once recorded in the correlation store an event is never mutated; the engine
// hands callers a copy with Blocked set.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	UserID    string                 `json:"user_id,omitempty"`
	IPAddress string                 `json:"ip_address"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Region    string                 `json:"region,omitempty"`
	Blocked   bool                   `json:"blocked"`
	Timestamp time.Time              `json:"timestamp"`
}

// HasUser reports whether the event was emitted for an authenticated actor
func (e *SecurityEvent) HasUser() bool {
	return e.UserID != ""
}

// DetailString returns a details value as a string, or "" if absent or not a string
func (e *SecurityEvent) DetailString(key string) string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy. Details are shared with the recorded event and must
// be treated as read-only.
func (e *SecurityEvent) Clone() *SecurityEvent {
	c := *e
	return &c
}

// IPKey is the correlation key for events from an IP address
func IPKey(ip string) string {
	return "ip:" + ip
}

// UserKey is the correlation key for events from an authenticated user
func UserKey(userID string) string {
	return "user:" + userID
}

// SecurityEventInput is what the rest of the platform emits into the engine.
// ID and Timestamp are assigned at ingestion.
type SecurityEventInput struct {
	Type      EventType              `json:"type" validate:"required,event_type"`
	Severity  Severity               `json:"severity" validate:"omitempty,severity"`
	UserID    string                 `json:"user_id,omitempty" validate:"max=256"`
	IPAddress string                 `json:"ip_address" validate:"required,max=64"`
	UserAgent string                 `json:"user_agent,omitempty" validate:"max=1024"`
	Resource  string                 `json:"resource,omitempty" validate:"max=256"`
	Action    string                 `json:"action" validate:"required,max=256"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Region    string                 `json:"region,omitempty" validate:"max=64"`
}

var (
	inputValidator     *validator.Validate
	inputValidatorOnce sync.Once
)

func getInputValidator() *validator.Validate {
	inputValidatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return EventType(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
			return Severity(fl.Field().String()).IsValid()
		})
		inputValidator = v
	})
	return inputValidator
}

// Validate checks the input for required fields. The returned error wraps ErrInvalidEvent.
func (in *SecurityEventInput) Validate() error {
	err := getInputValidator().Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
}

// NewSecurityEvent builds an event from a validated input, assigning id and timestamp.
// Details are deep-copied so later changes to the input never reach recorded history.
// Severity defaults to low when the emitter did not classify the event.
func NewSecurityEvent(in SecurityEventInput, now time.Time) *SecurityEvent {
	severity := in.Severity
	if severity == "" {
		severity = SeverityLow
	}
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Type:      in.Type,
		Severity:  severity,
		UserID:    in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Resource:  in.Resource,
		Action:    in.Action,
		Details:   CopyDetails(in.Details),
		Region:    in.Region,
		Timestamp: now.UTC(),
	}
}
