package access

import (
	"errors"

	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
)

// Permission is the caller's access level on a sandbox.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionWatch Permission = "watch"
	PermissionEdit  Permission = "edit"
	PermissionOwner Permission = "owner"
)

// CanView reports whether the permission allows read access.
func (p Permission) CanView() bool {
	return p == PermissionWatch || p == PermissionEdit || p == PermissionOwner
}

// CanTrade reports whether the permission allows trade execution.
func (p Permission) CanTrade() bool {
	return p == PermissionEdit || p == PermissionOwner
}

// Guard resolves a caller against a sandbox's owner and share relations.
type Guard struct {
	db *gorm.DB
}

// NewGuard creates an access guard over the given database connection
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Resolve returns the sandbox's owner and the caller's permission on it.
// A caller with no relationship at all gets ErrSandboxNotFound rather than
// PermissionDenied, so shared-nothing callers cannot probe for existence.
func (g *Guard) Resolve(sandboxID, callerID string) (string, Permission, error) {
	var sandbox types.Sandbox
	if err := g.db.Where("sandbox_id = ?", sandboxID).First(&sandbox).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", PermissionNone, types.ErrSandboxNotFound
		}
		return "", PermissionNone, err
	}

	if sandbox.UserID == callerID {
		return sandbox.UserID, PermissionOwner, nil
	}

	var share types.Share
	err := g.db.Where("sandbox_id = ? AND grantee_id = ?", sandboxID, callerID).
		First(&share).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", PermissionNone, types.ErrSandboxNotFound
		}
		return "", PermissionNone, err
	}

	switch share.Permission {
	case types.PermissionEdit:
		return sandbox.UserID, PermissionEdit, nil
	case types.PermissionWatch:
		return sandbox.UserID, PermissionWatch, nil
	default:
		return "", PermissionNone, types.ErrPermissionDenied
	}
}
