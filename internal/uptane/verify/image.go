package verify

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// ImageVerifier runs the Image repo cycle.
type ImageVerifier struct {
	Deps Deps
}

// ImageState is the in-memory result of one Image repo updateMeta pass.
type ImageState struct {
	Root      *model.RootMeta
	Timestamp *model.TimestampMeta
	Snapshot  *model.SnapshotMeta
	Targets   *model.TargetsMeta
}

// UpdateMeta executes root rotation, then the Timestamp/Snapshot/Targets
// caching-skip cascade.
func (v *ImageVerifier) UpdateMeta(ctx context.Context, token *flowcontrol.Token) (*ImageState, error) {
	root, err := fetchAndVerifyRoot(ctx, v.Deps, model.RepoImage, false, token)
	if err != nil {
		return nil, err
	}

	timestamp, err := v.updateTimestamp(ctx, root, token)
	if err != nil {
		return nil, err
	}
	snapshot, err := v.updateSnapshot(ctx, root, timestamp, token)
	if err != nil {
		return nil, err
	}
	targets, err := v.updateTargets(ctx, root, snapshot, token)
	if err != nil {
		return nil, err
	}

	return &ImageState{Root: root, Timestamp: timestamp, Snapshot: snapshot, Targets: targets}, nil
}

// CheckMetaOffline mirrors UpdateMeta using only stored bytes.
func (v *ImageVerifier) CheckMetaOffline(ctx context.Context) (*ImageState, error) {
	rootRec, err := v.Deps.Store.LatestRoot(ctx, model.RepoImage)
	if err != nil || rootRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Root", "no stored root for offline check")
	}
	root, env, err := wireformat.DecodeRoot(rootRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "decode stored root", err)
	}
	root.Signatures = env.Signatures

	tsRec, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleTimestamp)
	if err != nil || tsRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Timestamp", "no stored timestamp for offline check")
	}
	timestamp, tenv, err := wireformat.DecodeTimestamp(tsRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Timestamp", "decode stored timestamp", err)
	}
	timestamp.Signatures = tenv.Signatures
	if err := verifyTimestampSignature(root, timestamp); err != nil {
		return nil, err
	}
	if timestamp.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Timestamp")
	}

	snapRec, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleSnapshot)
	if err != nil || snapRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Snapshot", "no stored snapshot for offline check")
	}
	snapshot, senv, err := wireformat.DecodeSnapshot(snapRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Snapshot", "decode stored snapshot", err)
	}
	snapshot.Signatures = senv.Signatures
	if err := verifySnapshotAgainstTimestamp(root, snapshot, timestamp); err != nil {
		return nil, err
	}
	if snapshot.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Snapshot")
	}

	tgtRec, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleTargets)
	if err != nil || tgtRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Targets", "no stored targets for offline check")
	}
	targets, genv, err := wireformat.DecodeTargets(tgtRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "decode stored targets", err)
	}
	targets.Signatures = genv.Signatures
	if err := verifyTargetsAgainstSnapshot(root, targets, snapshot); err != nil {
		return nil, err
	}
	if targets.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Targets")
	}

	return &ImageState{Root: root, Timestamp: timestamp, Snapshot: snapshot, Targets: targets}, nil
}

func verifyTimestampSignature(root *model.RootMeta, ts *model.TimestampMeta) error {
	policy, ok := root.Roles[model.RoleTimestamp]
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Timestamp", "root names no timestamp signing policy")
	}
	return keyring.VerifyThreshold(root.Keys, policy, ts.Raw, ts.Signatures)
}

func (v *ImageVerifier) updateTimestamp(ctx context.Context, root *model.RootMeta, token *flowcontrol.Token) (*model.TimestampMeta, error) {
	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoImage, model.TopLevelRole(model.RoleTimestamp), MaxTimestampSize, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "Timestamp", "fetch timestamp.json", err)
	}
	ts, env, err := wireformat.DecodeTimestamp(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Timestamp", "decode timestamp.json", err)
	}
	ts.Signatures = env.Signatures

	if err := verifyTimestampSignature(root, ts); err != nil {
		return nil, err
	}

	existing, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleTimestamp)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "Timestamp", "load stored timestamp", err)
	}
	if existing != nil {
		if ts.Version < existing.Version {
			return nil, uerrors.VersionMismatch("Timestamp", "new timestamp version is older than stored version")
		}
		sigChanged := !sameCanonicalSignature(ts.Raw, existing.Canonical)
		if envelope, eerr := wireformat.BuildEnvelope(ts.Raw, ts.Signatures); eerr != nil || !sameCanonicalSignature(envelope, existing.Raw) {
			sigChanged = true
		}
		if ts.Version > existing.Version || sigChanged {
			if err := persistRole(ctx, v.Deps, model.RepoImage, model.RoleTimestamp, ts.Version, ts.Raw, ts.Signatures); err != nil {
				return nil, err
			}
		}
	} else {
		if err := persistRole(ctx, v.Deps, model.RepoImage, model.RoleTimestamp, ts.Version, ts.Raw, ts.Signatures); err != nil {
			return nil, err
		}
	}

	if ts.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Timestamp")
	}
	return ts, nil
}

// sameCanonicalSignature reports whether two byte slices are identical.
// updateTimestamp applies it to the canonical "signed" bytes and to the
// re-encoded signature envelope, so a new signature over the same content,
// or different content, counts as changed.
func sameCanonicalSignature(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func verifySnapshotAgainstTimestamp(root *model.RootMeta, snap *model.SnapshotMeta, ts *model.TimestampMeta) error {
	policy, ok := root.Roles[model.RoleSnapshot]
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Snapshot", "root names no snapshot signing policy")
	}
	if len(ts.SnapshotHashes) > 0 && !hashesMatchContent(ts.SnapshotHashes, snap.Raw) {
		return uerrors.New(uerrors.KindTargetHashMismatch, "Snapshot", "snapshot content does not match timestamp-named hash")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, snap.Raw, snap.Signatures); err != nil {
		return err
	}
	if snap.Version != ts.SnapshotVersion {
		return uerrors.VersionMismatch("Snapshot", "snapshot.version does not match timestamp.snapshot_version")
	}
	return nil
}

// hashesMatchContent recomputes each named hash algorithm over content and
// requires at least one to match (one of sha256/sha512 must).
func hashesMatchContent(named []model.Hash, content []byte) bool {
	for _, h := range named {
		hasher, err := model.NewHasher(h.Algorithm)
		if err != nil {
			continue
		}
		hasher.Write(content)
		digest := hex.EncodeToString(hasher.Sum(nil))
		if strings.EqualFold(digest, h.Digest) {
			return true
		}
	}
	return false
}

func (v *ImageVerifier) updateSnapshot(ctx context.Context, root *model.RootMeta, ts *model.TimestampMeta, token *flowcontrol.Token) (*model.SnapshotMeta, error) {
	existing, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleSnapshot)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "Snapshot", "load stored snapshot", err)
	}
	if existing != nil && existing.Version == ts.SnapshotVersion && hashesMatchContent(ts.SnapshotHashes, existing.Canonical) {
		snap, env, derr := wireformat.DecodeSnapshot(existing.Raw)
		if derr == nil {
			snap.Signatures = env.Signatures
			if !snap.Expired(v.Deps.clock().Now()) {
				return snap, nil
			}
		}
	}

	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoImage, model.TopLevelRole(model.RoleSnapshot), MaxSnapshotSizeDefault, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "Snapshot", "fetch snapshot.json", err)
	}
	snap, env, err := wireformat.DecodeSnapshot(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Snapshot", "decode snapshot.json", err)
	}
	snap.Signatures = env.Signatures

	if err := verifySnapshotAgainstTimestamp(root, snap, ts); err != nil {
		return nil, err
	}
	if existing != nil {
		if err := enforceNoRoleRollback(existing.Raw, snap); err != nil {
			return nil, err
		}
	}
	if snap.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Snapshot")
	}
	if err := persistRole(ctx, v.Deps, model.RepoImage, model.RoleSnapshot, snap.Version, snap.Raw, snap.Signatures); err != nil {
		return nil, err
	}
	return snap, nil
}

// enforceNoRoleRollback requires every role version recorded in the
// previous Snapshot to be <= the new Snapshot's version for that role.
func enforceNoRoleRollback(previousRaw []byte, next *model.SnapshotMeta) error {
	prev, _, err := wireformat.DecodeSnapshot(previousRaw)
	if err != nil {
		return uerrors.Wrap(uerrors.KindInvalidMetadata, "Snapshot", "decode previous snapshot for rollback check", err)
	}
	for role, info := range prev.Roles {
		newInfo, ok := next.Roles[role]
		if !ok || newInfo.Version < info.Version {
			return uerrors.New(uerrors.KindSecurityException, "Snapshot", "role "+role+" version rollback detected")
		}
	}
	return nil
}

func (v *ImageVerifier) updateTargets(ctx context.Context, root *model.RootMeta, snap *model.SnapshotMeta, token *flowcontrol.Token) (*model.TargetsMeta, error) {
	wantVersion, _ := snap.RoleVersion(string(model.RoleTargets))

	existing, err := v.Deps.Store.LatestRole(ctx, model.RepoImage, model.RoleTargets)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "Targets", "load stored targets", err)
	}
	if existing != nil && existing.Version == wantVersion {
		targets, env, derr := wireformat.DecodeTargets(existing.Raw)
		if derr == nil {
			targets.Signatures = env.Signatures
			if err := verifyTargetsAgainstSnapshot(root, targets, snap); err == nil && !targets.Expired(v.Deps.clock().Now()) {
				return targets, nil
			}
		}
	}

	maxSize := int64(MaxImageTargetsSize)
	if size, ok := snap.RoleSize(string(model.RoleTargets)); ok {
		maxSize = size
	}
	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoImage, model.TopLevelRole(model.RoleTargets), maxSize, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "Targets", "fetch targets.json", err)
	}
	targets, env, err := wireformat.DecodeTargets(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "decode targets.json", err)
	}
	targets.Signatures = env.Signatures

	if err := verifyTargetsAgainstSnapshot(root, targets, snap); err != nil {
		return nil, err
	}
	if targets.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Targets")
	}
	if err := persistRole(ctx, v.Deps, model.RepoImage, model.RoleTargets, targets.Version, targets.Raw, targets.Signatures); err != nil {
		return nil, err
	}
	return targets, nil
}

func verifyTargetsAgainstSnapshot(root *model.RootMeta, targets *model.TargetsMeta, snap *model.SnapshotMeta) error {
	policy, ok := root.Roles[model.RoleTargets]
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Targets", "root names no targets signing policy")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, targets.Raw, targets.Signatures); err != nil {
		return err
	}
	wantVersion, ok := snap.RoleVersion(string(model.RoleTargets))
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Targets", "snapshot names no targets role")
	}
	if targets.Version != wantVersion {
		return uerrors.VersionMismatch("Targets", "targets.version does not match snapshot.role_version(Targets)")
	}
	return nil
}

func persistRole(ctx context.Context, d Deps, repo model.Repo, role model.RoleKind, version int64, canonical []byte, sigs []model.Signature) error {
	raw, err := wireformat.BuildEnvelope(canonical, sigs)
	if err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, string(role), "re-encode envelope", err)
	}
	if err := d.Store.PutRole(ctx, store.RoleRecord{Repo: repo, Role: role, Version: version, Canonical: canonical, Raw: raw}); err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, string(role), "persist role", err)
	}
	return nil
}
