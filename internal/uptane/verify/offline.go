package verify

import (
	"context"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// UpdateMetaOffUpd runs the PURE-2 offline-update cycle:
// root rotation with TOFU forbidden, OfflineSnapshot, the matching
// OfflineUpdates file, and ECU augmentation from a stashed hwid->serial map.
func (v *DirectorVerifier) UpdateMetaOffUpd(ctx context.Context, stashed map[model.HardwareIdentifier]model.EcuSerial, token *flowcontrol.Token) (*DirectorState, error) {
	root, err := fetchAndVerifyRoot(ctx, v.Deps, model.RepoDirector, true, token)
	if err != nil {
		return nil, err
	}

	snap, err := v.updateOfflineSnapshot(ctx, root, token)
	if err != nil {
		return nil, err
	}

	targets, err := v.updateOfflineUpdates(ctx, root, snap, token)
	if err != nil {
		return nil, err
	}
	targets.Targets = augmentOfflineTargetsWithEcus(targets.Targets, stashed)

	return &DirectorState{Root: root, Targets: targets}, nil
}

func (v *DirectorVerifier) updateOfflineSnapshot(ctx context.Context, root *model.RootMeta, token *flowcontrol.Token) (*model.SnapshotMeta, error) {
	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoDirector, model.TopLevelRole(model.RoleOfflineSnapshot), MaxSnapshotSizeDefault, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "OfflineSnapshot", "fetch offline-snapshot.json", err)
	}
	snap, env, err := wireformat.DecodeSnapshot(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "OfflineSnapshot", "decode offline-snapshot.json", err)
	}
	snap.Signatures = env.Signatures

	policy, ok := root.Roles[model.RoleOfflineSnapshot]
	if !ok {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "OfflineSnapshot", "root names no offline-snapshot signing policy")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, snap.Raw, snap.Signatures); err != nil {
		return nil, err
	}

	existing, err := v.Deps.Store.LatestRole(ctx, model.RepoDirector, model.RoleOfflineSnapshot)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "OfflineSnapshot", "load stored offline-snapshot", err)
	}
	if existing != nil {
		if err := enforceNoRoleRollback(existing.Raw, snap); err != nil {
			return nil, err
		}
	}
	if snap.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("OfflineSnapshot")
	}
	if err := persistRole(ctx, v.Deps, model.RepoDirector, model.RoleOfflineSnapshot, snap.Version, snap.Raw, snap.Signatures); err != nil {
		return nil, err
	}
	return snap, nil
}

// updateOfflineUpdates locates the one offline-targets file named in snap's
// role listing whose fetched version matches the version recorded there, then
// verifies it like a Targets role.
func (v *DirectorVerifier) updateOfflineUpdates(ctx context.Context, root *model.RootMeta, snap *model.SnapshotMeta, token *flowcontrol.Token) (*model.TargetsMeta, error) {
	policy, ok := root.Roles[model.RoleOfflineUpdates]
	if !ok {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "OfflineUpdates", "root names no offline-updates signing policy")
	}

	var lastErr error
	for name, info := range snap.Roles {
		role := model.Role{Kind: model.RoleKind(name)}
		raw, err := v.Deps.Fetcher.FetchVersion(ctx, model.RepoDirector, role, info.Version, MaxDirectorTargetsSize, token)
		if err != nil {
			lastErr = err
			continue
		}
		targets, env, err := wireformat.DecodeTargets(raw)
		if err != nil {
			lastErr = err
			continue
		}
		targets.Signatures = env.Signatures

		if targets.Version != info.Version {
			lastErr = uerrors.VersionMismatch("OfflineUpdates", "fetched version does not match offline-snapshot listing")
			continue
		}
		if err := keyring.VerifyThreshold(root.Keys, policy, targets.Raw, targets.Signatures); err != nil {
			return nil, err
		}
		if err := sanityCheckDirectorTargets(targets); err != nil {
			return nil, err
		}
		if targets.Expired(v.Deps.clock().Now()) {
			return nil, uerrors.ExpiredMetadata("OfflineUpdates")
		}
		if err := persistRole(ctx, v.Deps, model.RepoDirector, model.RoleKind(name), targets.Version, targets.Raw, targets.Signatures); err != nil {
			return nil, err
		}
		return targets, nil
	}

	if lastErr == nil {
		lastErr = uerrors.New(uerrors.KindVersionMismatch, "OfflineUpdates", "offline-snapshot names no roles")
	}
	return nil, uerrors.Wrap(uerrors.KindVersionMismatch, "OfflineUpdates", "no offline-targets file matched offline-snapshot listing", lastErr)
}

// augmentOfflineTargetsWithEcus fills in each offline target's ECU set from
// a stashed hwid->serial mapping, using the "hwids" (or single "hwid")
// custom field the offline-targets file carries in place of Director's
// online-only ecu_identifiers binding.
func augmentOfflineTargetsWithEcus(targets []model.Target, stashed map[model.HardwareIdentifier]model.EcuSerial) []model.Target {
	out := make([]model.Target, len(targets))
	for i, t := range targets {
		if len(t.Ecus) > 0 {
			out[i] = t
			continue
		}
		ecus := map[model.EcuSerial]model.HardwareIdentifier{}
		for _, hwid := range offlineTargetHwids(t) {
			if serial, ok := stashed[hwid]; ok {
				ecus[serial] = hwid
			}
		}
		t.Ecus = ecus
		out[i] = t
	}
	return out
}

func offlineTargetHwids(t model.Target) []model.HardwareIdentifier {
	if t.Custom == nil {
		return nil
	}
	if list, ok := t.Custom["hwids"].([]interface{}); ok {
		out := make([]model.HardwareIdentifier, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, model.HardwareIdentifier(s))
			}
		}
		return out
	}
	if s, ok := t.Custom["hwid"].(string); ok {
		return []model.HardwareIdentifier{model.HardwareIdentifier(s)}
	}
	return nil
}
