// Package storage persists the engine's decision artifacts: block records,
// alerts, user quarantine records and archived events.
//
// The in-memory actor state is authoritative while the process runs. A
// Gateway is only written through AsyncWriter so a slow or dead backend never
// stalls event processing, and only read at startup to rehydrate.
package storage

import (
	"context"
	"time"

	"sentinel/core"
)

// Gateway is a durable store for engine artifacts.
//
// Loads return an empty slice when nothing is active. GetUser returns
// (nil, false, nil) for an absent user and an error only when the backend
// cannot be reached.
type Gateway interface {
	SaveBlock(ctx context.Context, rec *core.BlockRecord) error
	SaveAlert(ctx context.Context, alert *core.SecurityAlert) error
	SaveUser(ctx context.Context, rec *core.UserRecord) error
	ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error

	LoadActiveBlocks(ctx context.Context, now time.Time) ([]*core.BlockRecord, error)
	LoadQuarantinedUsers(ctx context.Context) ([]*core.UserRecord, error)
	GetUser(ctx context.Context, userID string) (*core.UserRecord, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// EventArchive stores archived events only
type EventArchive interface {
	ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error
	Ping(ctx context.Context) error
	Close() error
}
