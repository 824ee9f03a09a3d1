// Package bootstrap runs one-time startup tasks before the server accepts
// traffic.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// SyncPermissionCatalog upserts the built-in permission catalog so role
// grants always reference known keys, even on a fresh database.
func SyncPermissionCatalog(roles repository.RoleRepository, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	catalog := domain.PermissionCatalog()
	if err := roles.UpsertPermissions(ctx, catalog); err != nil {
		return fmt.Errorf("sync permission catalog: %w", err)
	}
	logger.Info("permission catalog synced", zap.Int("permissions", len(catalog)))
	return nil
}
