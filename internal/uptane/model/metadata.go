package model

import "time"

// Signature is a single signature over a role's canonical "signed" bytes.
type Signature struct {
	KeyID string `json:"keyid"`
	Value string `json:"sig"` // hex-encoded
}

// SigningPolicy names the keys allowed to sign a role and the threshold of
// distinct signatures required.
type SigningPolicy struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// RootMeta is the trust-root metadata for one repository.
type RootMeta struct {
	Version    int64                    `json:"version"`
	Expires    time.Time                `json:"expires"`
	Keys       map[string]PublicKey     `json:"keys"`       // keyid -> key
	Roles      map[RoleKind]SigningPolicy `json:"roles"`    // role -> policy
	Signatures []Signature              `json:"-"`
	Raw        []byte                   `json:"-"` // canonical bytes of "signed" this was verified against
}

// Expired reports whether the root has expired as of now.
func (r *RootMeta) Expired(now time.Time) bool { return now.After(r.Expires) }

// TimestampMeta is the freshness witness for the Image repo: it names the
// Snapshot's hash/size/version.
type TimestampMeta struct {
	Version         int64     `json:"version"`
	Expires         time.Time `json:"expires"`
	SnapshotVersion int64     `json:"snapshot_version"`
	SnapshotHashes  []Hash    `json:"snapshot_hashes"`
	SnapshotLength  int64     `json:"snapshot_length"`
	Signatures      []Signature `json:"-"`
	Raw             []byte      `json:"-"`
}

func (t *TimestampMeta) Expired(now time.Time) bool { return now.After(t.Expires) }

// SnapshotRoleInfo records the version (and optionally hash/size) Snapshot
// observed for one other role at signing time.
type SnapshotRoleInfo struct {
	Version int64  `json:"version"`
	Hashes  []Hash `json:"hashes,omitempty"`
	Length  int64  `json:"length,omitempty"`
}

// SnapshotMeta binds every other role (except Timestamp itself) to a version.
type SnapshotMeta struct {
	Version    int64                      `json:"version"`
	Expires    time.Time                  `json:"expires"`
	Roles      map[string]SnapshotRoleInfo `json:"meta"` // role filename stem -> info
	Signatures []Signature                `json:"-"`
	Raw        []byte                     `json:"-"`
}

func (s *SnapshotMeta) Expired(now time.Time) bool { return now.After(s.Expires) }

// RoleVersion returns the version Snapshot recorded for the given role name,
// and whether that role was present.
func (s *SnapshotMeta) RoleVersion(name string) (int64, bool) {
	info, ok := s.Roles[name]
	if !ok {
		return 0, false
	}
	return info.Version, true
}

// RoleSize returns the size Snapshot recorded for the given role, if any.
func (s *SnapshotMeta) RoleSize(name string) (int64, bool) {
	info, ok := s.Roles[name]
	if !ok || info.Length == 0 {
		return 0, false
	}
	return info.Length, true
}

// Target is one image the Director or Image repo names.
type Target struct {
	Filename string                              `json:"filename"`
	Ecus     map[EcuSerial]HardwareIdentifier     `json:"ecus"`
	Hashes   []Hash                              `json:"hashes"`
	Length   int64                               `json:"length"`
	Custom   map[string]interface{}               `json:"custom,omitempty"`
}

// URI returns the target's download URI from custom data, if present.
func (t Target) URI() string {
	if t.Custom == nil {
		return ""
	}
	if v, ok := t.Custom["uri"].(string); ok {
		return v
	}
	return ""
}

// WithURI returns a copy of t with its URI set in custom data.
func (t Target) WithURI(uri string) Target {
	out := t
	out.Custom = cloneCustom(t.Custom)
	out.Custom["uri"] = uri
	return out
}

// RaucCustom extracts the "rauc" custom subobject, if present.
func (t Target) RaucCustom() (map[string]interface{}, bool) {
	if t.Custom == nil {
		return nil, false
	}
	v, ok := t.Custom["rauc"].(map[string]interface{})
	return v, ok
}

// WithRaucCustom returns a copy of t with a "rauc" custom subobject merged in.
func (t Target) WithRaucCustom(rauc map[string]interface{}) Target {
	out := t
	out.Custom = cloneCustom(t.Custom)
	out.Custom["rauc"] = rauc
	return out
}

func cloneCustom(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MatchTarget reports whether two targets refer to the same image:
// filename, length, the intersection of hashes (must agree where both
// present, at least one must exist), and identical ECU sets.
func MatchTarget(a, b Target) bool {
	if a.Filename != b.Filename || a.Length != b.Length {
		return false
	}
	if !MatchHashes(a.Hashes, b.Hashes) {
		return false
	}
	if len(a.Ecus) != len(b.Ecus) {
		return false
	}
	for ecu, hw := range a.Ecus {
		otherHW, ok := b.Ecus[ecu]
		if !ok || otherHW != hw {
			return false
		}
	}
	return true
}

// DelegationPointer names a delegated role's path-matching and termination
// behavior, as recorded by its parent Targets metadata.
type DelegationPointer struct {
	Name        string
	Paths       []string
	Terminating bool
}

// TargetsMeta is a role's list of targets plus its delegation tree pointers.
type TargetsMeta struct {
	Version     int64             `json:"version"`
	Expires     time.Time         `json:"expires"`
	Targets     []Target          `json:"targets"`
	Delegations []DelegationPointer `json:"delegations,omitempty"`
	Signatures  []Signature       `json:"-"`
	Raw         []byte            `json:"-"`
}

func (t *TargetsMeta) Expired(now time.Time) bool { return now.After(t.Expires) }

// DelegationFor returns the pointer for a named delegated role, if declared.
func (t *TargetsMeta) DelegationFor(name string) (DelegationPointer, bool) {
	for _, d := range t.Delegations {
		if d.Name == name {
			return d, true
		}
	}
	return DelegationPointer{}, false
}

// MetaBundle is a complete set of role-metadata blobs shipped to a Secondary
// in one operation: (Repo, Role) -> canonical JSON bytes of that role file.
type MetaBundle map[BundleKey][]byte

// BundleKey addresses one entry of a MetaBundle.
type BundleKey struct {
	Repo Repo
	Role RoleKind
}

// FullUptaneBundleSize / TufOnlyBundleSize are the expected entry counts
// used for the (non-fatal) bundle sanity check.
const (
	FullUptaneBundleSize = 6
	TufOnlyBundleSize    = 4
)
