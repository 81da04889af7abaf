// Package core defines the domain model shared by the security engine.
//
// # Overview
//
// The core package provides:
//   - Security event types (SecurityEvent, SecurityEventInput) and their enums
//   - Threat detection rule definitions with a tagged predicate variant
//   - Response artifacts (SecurityAlert, BlockRecord, UserRecord)
//   - Compliance requirement definitions
//   - Sentinel errors and the circuit breaker used around persistence backends
//
// Types in this package carry no engine state. Correlation, rule evaluation and
// response dispatch live in the detect package; durable state lives in storage.
package core
