// Package auth is the single authorization capability injected into the
// borrow service. Gateway concerns (JWT validation, header extraction) stay
// outside; the services only ever ask "does this requester own the record, or
// is it privileged".
package auth

import "github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"

// Requester identifies the principal behind a synchronous call, as propagated
// by the API gateway.
type Requester struct {
	UserID string
	Roles  []models.UserRole
}

func (r Requester) IsPrivileged() bool {
	for _, role := range r.Roles {
		if role == models.UserRoleLibrarian {
			return true
		}
	}
	return false
}

// IsOwnerOrPrivileged reports whether the requester may act on a record owned
// by ownerID.
func IsOwnerOrPrivileged(r Requester, ownerID string) bool {
	return r.UserID == ownerID || r.IsPrivileged()
}
