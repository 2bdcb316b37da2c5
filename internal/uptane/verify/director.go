package verify

import (
	"context"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// DirectorVerifier runs the Director repo cycle.
type DirectorVerifier struct {
	Deps Deps
}

// DirectorState is the in-memory result of one updateMeta/checkMetaOffline
// pass: the trusted Root and the current Targets.
type DirectorState struct {
	Root    *model.RootMeta
	Targets *model.TargetsMeta
}

// UpdateMeta executes the full online Director cycle: root rotation, fetch
// targets.json, verify, apply the version/expiry/sanity rules, persist.
func (v *DirectorVerifier) UpdateMeta(ctx context.Context, token *flowcontrol.Token) (*DirectorState, error) {
	root, err := fetchAndVerifyRoot(ctx, v.Deps, model.RepoDirector, false, token)
	if err != nil {
		return nil, err
	}

	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoDirector, model.TopLevelRole(model.RoleTargets), MaxDirectorTargetsSize, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "Targets", "fetch targets.json", err)
	}

	targets, env, err := wireformat.DecodeTargets(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "decode targets.json", err)
	}
	targets.Signatures = env.Signatures

	if err := verifyAndApplyDirectorTargets(ctx, v.Deps, root, targets); err != nil {
		return nil, err
	}

	return &DirectorState{Root: root, Targets: targets}, nil
}

// CheckMetaOffline re-runs verification (signatures, version, expiry,
// sanity) against the already-persisted Targets bytes, without fetching.
func (v *DirectorVerifier) CheckMetaOffline(ctx context.Context) (*DirectorState, error) {
	rootRec, err := v.Deps.Store.LatestRoot(ctx, model.RepoDirector)
	if err != nil || rootRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Root", "no stored root for offline check")
	}
	root, _, err := wireformat.DecodeRoot(rootRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "decode stored root", err)
	}
	env, err := wireformat.ParseEnvelope(rootRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "parse stored root envelope", err)
	}
	root.Signatures = env.Signatures

	roleRec, err := v.Deps.Store.LatestRole(ctx, model.RepoDirector, model.RoleTargets)
	if err != nil || roleRec == nil {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Targets", "no stored targets for offline check")
	}
	targets, tenv, err := wireformat.DecodeTargets(roleRec.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "decode stored targets", err)
	}
	targets.Signatures = tenv.Signatures

	if err := verifySignaturesVersionExpirySanity(v.Deps, root, targets, roleRec.Version); err != nil {
		return nil, err
	}
	return &DirectorState{Root: root, Targets: targets}, nil
}

func verifyAndApplyDirectorTargets(ctx context.Context, d Deps, root *model.RootMeta, targets *model.TargetsMeta) error {
	policy, ok := root.Roles[model.RoleTargets]
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Targets", "root names no targets signing policy")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, targets.Raw, targets.Signatures); err != nil {
		return err
	}

	existing, err := d.Store.LatestRole(ctx, model.RepoDirector, model.RoleTargets)
	if err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, "Targets", "load stored targets", err)
	}

	if existing != nil {
		if targets.Version < existing.Version {
			return uerrors.VersionMismatch("Targets", "new targets version is older than stored version")
		}
		if targets.Version == existing.Version {
			if len(targets.Targets) == 0 {
				// Director legitimately sent empty Targets meaning "no
				// updates": retain the previous non-empty list, don't
				// overwrite/persist.
				return nil
			}
			if string(targets.Raw) == string(existing.Canonical) {
				// Unchanged re-send of the same version, the normal case
				// for every poll between campaigns.
				if targets.Expired(d.clock().Now()) {
					return uerrors.ExpiredMetadata("Targets")
				}
				return sanityCheckDirectorTargets(targets)
			}
			return uerrors.VersionMismatch("Targets", "content changed without a version bump")
		}
	}

	if targets.Expired(d.clock().Now()) {
		return uerrors.ExpiredMetadata("Targets")
	}
	if err := sanityCheckDirectorTargets(targets); err != nil {
		return err
	}

	if existing == nil || targets.Version > existing.Version {
		raw, err := wireformat.BuildEnvelope(targets.Raw, targets.Signatures)
		if err != nil {
			return uerrors.Wrap(uerrors.KindInternalError, "Targets", "re-encode targets envelope", err)
		}
		if err := d.Store.PutRole(ctx, store.RoleRecord{
			Repo: model.RepoDirector, Role: model.RoleTargets, Version: targets.Version,
			Canonical: targets.Raw, Raw: raw,
		}); err != nil {
			return uerrors.Wrap(uerrors.KindInternalError, "Targets", "persist targets", err)
		}
	}
	return nil
}

func verifySignaturesVersionExpirySanity(d Deps, root *model.RootMeta, targets *model.TargetsMeta, storedVersion int64) error {
	policy, ok := root.Roles[model.RoleTargets]
	if !ok {
		return uerrors.New(uerrors.KindInvalidMetadata, "Targets", "root names no targets signing policy")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, targets.Raw, targets.Signatures); err != nil {
		return err
	}
	if targets.Version != storedVersion {
		return uerrors.VersionMismatch("Targets", "stored version does not match decoded version")
	}
	if targets.Expired(d.clock().Now()) {
		return uerrors.ExpiredMetadata("Targets")
	}
	return sanityCheckDirectorTargets(targets)
}

// sanityCheckDirectorTargets enforces the Director-only rules: no delegations,
// no ECU named more than once across the target list.
func sanityCheckDirectorTargets(targets *model.TargetsMeta) error {
	if len(targets.Delegations) > 0 {
		return uerrors.New(uerrors.KindInvalidMetadata, "Targets", "director targets must not declare delegations")
	}
	seen := map[model.EcuSerial]bool{}
	for _, t := range targets.Targets {
		for ecu := range t.Ecus {
			if seen[ecu] {
				return uerrors.New(uerrors.KindBadEcuID, "Targets", "ecu "+string(ecu)+" named more than once")
			}
			seen[ecu] = true
		}
	}
	return nil
}

// MatchTargetsWithImageTargets reports whether every Director target
// matches some Image target, used by Secondaries before installing.
func MatchTargetsWithImageTargets(directorTargets, imageTargets []model.Target) bool {
	for _, dt := range directorTargets {
		found := false
		for _, it := range imageTargets {
			if model.MatchTarget(dt, it) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
