package storage

import (
	"context"
	"errors"
	"fmt"

	"sentinel/core"
)

// ArchivingGateway sends archived events to a dedicated EventArchive and
// everything else to the primary gateway
type ArchivingGateway struct {
	Gateway
	archive EventArchive
}

// NewArchivingGateway routes ArchiveEvent to archive
func NewArchivingGateway(primary Gateway, archive EventArchive) *ArchivingGateway {
	return &ArchivingGateway{Gateway: primary, archive: archive}
}

// ArchiveEvent writes to the event archive only
func (g *ArchivingGateway) ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error {
	return g.archive.ArchiveEvent(ctx, event)
}

// Ping checks both backends
func (g *ArchivingGateway) Ping(ctx context.Context) error {
	if err := g.Gateway.Ping(ctx); err != nil {
		return err
	}
	if err := g.archive.Ping(ctx); err != nil {
		return fmt.Errorf("event archive: %w", err)
	}
	return nil
}

// Close closes the archive first so its final batch is sent, then the primary
func (g *ArchivingGateway) Close() error {
	return errors.Join(g.archive.Close(), g.Gateway.Close())
}
