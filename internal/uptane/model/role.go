package model

import "fmt"

// Repo identifies which of the two independent Uptane repositories a piece
// of metadata belongs to.
type Repo string

const (
	RepoDirector Repo = "director"
	RepoImage    Repo = "image"
)

// RoleKind enumerates the Uptane top-level roles plus the two PURE-2
// offline-update roles and the open-ended Delegation kind.
type RoleKind string

const (
	RoleRoot            RoleKind = "root"
	RoleTargets         RoleKind = "targets"
	RoleTimestamp       RoleKind = "timestamp"
	RoleSnapshot        RoleKind = "snapshot"
	RoleOfflineSnapshot RoleKind = "offline-snapshot"
	RoleOfflineUpdates  RoleKind = "offline-updates"
	RoleDelegation      RoleKind = "delegation"
)

// Role is a concrete role within a repo: either one of the fixed top-level
// roles, or a named delegation.
type Role struct {
	Kind RoleKind
	Name string // delegated role name; empty for fixed roles
}

// TopLevelRole constructs a fixed, non-delegated Role.
func TopLevelRole(kind RoleKind) Role { return Role{Kind: kind} }

// DelegationRole constructs a named delegation Role.
func DelegationRole(name string) Role { return Role{Kind: RoleDelegation, Name: name} }

// roleName returns the role's filename stem (without ".json" or a version prefix).
func (r Role) roleName() string {
	if r.Kind == RoleDelegation {
		return r.Name
	}
	return string(r.Kind)
}

// Filename returns the canonical unversioned filename "<name>.json".
func (r Role) Filename() string {
	return r.roleName() + ".json"
}

// VersionedFilename returns "<N>.<name>.json" for versioned roles.
func (r Role) VersionedFilename(version int64) string {
	return fmt.Sprintf("%d.%s.json", version, r.roleName())
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return r.roleName()
}
