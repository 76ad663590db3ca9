package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

// adminRole grants bypass of row-level security.
const adminRole = "admin"

// UserContextLoader assembles the effective identity for a request:
// roles, active RLS filters and table permissions.
type UserContextLoader interface {
	Load(ctx context.Context, userID string, connectionID uuid.UUID) (*models.UserContext, error)
}

type userContextLoader struct {
	repo   repositories.RLSRepository
	logger *zap.Logger
}

// NewUserContextLoader creates a UserContextLoader.
func NewUserContextLoader(repo repositories.RLSRepository, logger *zap.Logger) UserContextLoader {
	return &userContextLoader{repo: repo, logger: logger.Named("usercontext")}
}

var _ UserContextLoader = (*userContextLoader)(nil)

func (l *userContextLoader) Load(ctx context.Context, userID string, connectionID uuid.UUID) (*models.UserContext, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	roles, err := l.repo.ListRoles(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	uc := &models.UserContext{
		UserID:       userID,
		ConnectionID: connectionID,
		Roles:        roles,
	}
	for _, role := range roles {
		if role == adminRole {
			uc.IsAdmin = true
		}
	}

	// Admins skip filter and permission loading entirely; their digest
	// still differs from non-admin users via the IsAdmin component.
	if uc.IsAdmin {
		return uc, nil
	}

	filters, err := l.repo.ListFilters(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	uc.Filters = filters

	perms, err := l.repo.ListTablePermissions(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	uc.TablePermissions = perms

	l.logger.Debug("user context loaded",
		zap.String("user_id", userID),
		zap.Int("filters", len(filters)),
		zap.Int("table_permissions", len(perms)))
	return uc, nil
}
