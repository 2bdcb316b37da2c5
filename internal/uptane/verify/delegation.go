package verify

import (
	"context"
	"path"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// maxDelegationDepth bounds the recursive delegation search.
const maxDelegationDepth = MaxDelegationDepth

// ResolveTarget searches the Image repo's delegation tree
// for a target matching filename, starting at the top-level Targets role
// already verified by ImageVerifier.UpdateMeta. It returns the first Target
// found whose delegation chain verified cleanly, or
// uerrors.KindTargetMismatch if no delegation names it.
func (v *ImageVerifier) ResolveTarget(ctx context.Context, root *model.RootMeta, top *model.TargetsMeta, filename string, token *flowcontrol.Token) (*model.Target, error) {
	if t, ok := findTargetByFilename(top.Targets, filename); ok {
		return &t, nil
	}
	found, err := v.searchDelegations(ctx, root, top, filename, 0, token)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, uerrors.New(uerrors.KindTargetMismatch, "Targets", "target "+filename+" matched by no delegation")
	}
	return found, nil
}

func findTargetByFilename(targets []model.Target, filename string) (model.Target, bool) {
	for _, t := range targets {
		if t.Filename == filename {
			return t, true
		}
	}
	return model.Target{}, false
}

// searchDelegations walks parent's delegated roles in order, matching
// filename against each delegation's path patterns (fnmatch-style via
// path.Match), fetching and verifying any matching delegation with the
// parent's own delegation keyring, and recursing. It honors each
// delegation's Terminating flag to stop the search once the filename falls
// under a path it claims exclusively.
func (v *ImageVerifier) searchDelegations(ctx context.Context, root *model.RootMeta, parent *model.TargetsMeta, filename string, depth int, token *flowcontrol.Token) (*model.Target, error) {
	if depth >= maxDelegationDepth {
		return nil, nil
	}

	parentKeyRing, err := wireformat.DelegationKeyRing(parent.Raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "decode delegation keyring", err)
	}

	for _, del := range parent.Delegations {
		matched, merr := matchesAnyPath(filename, del.Paths)
		if merr != nil {
			return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Targets", "bad delegation path pattern", merr)
		}
		if !matched {
			continue
		}

		child, err := v.fetchAndVerifyDelegation(ctx, root, parent, parentKeyRing, del, token)
		if err != nil {
			return nil, err
		}

		if t, ok := findTargetByFilename(child.Targets, filename); ok {
			return &t, nil
		}

		found, err := v.searchDelegations(ctx, root, child, filename, depth+1, token)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}

		if del.Terminating {
			// This role claims the path exclusively; stop searching
			// sibling delegations for this filename.
			return nil, nil
		}
	}
	return nil, nil
}

// matchesAnyPath reports whether filename matches any of paths under
// fnmatch/shell-glob semantics (path.Match covers the fnmatch subset Uptane
// delegation path patterns use: '*', '?', and bracket classes).
func matchesAnyPath(filename string, paths []string) (bool, error) {
	for _, p := range paths {
		ok, err := path.Match(p, filename)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// fetchAndVerifyDelegation fetches a delegated Targets role, verifies it
// against the parent's declared keyring/threshold for that role name,
// rejects an expired delegation, and confirms the delegation is declared
// consistently (paths + terminating flag already resolved from del, which
// itself came from parent.Delegations, so the consistency check here is
// that a signing policy and the parent's own delegation pointer agree on
// the role name).
func (v *ImageVerifier) fetchAndVerifyDelegation(ctx context.Context, root *model.RootMeta, parent *model.TargetsMeta, parentKeyRing map[string]model.PublicKey, del model.DelegationPointer, token *flowcontrol.Token) (*model.TargetsMeta, error) {
	if _, ok := parent.DelegationFor(del.Name); !ok {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Targets", "inconsistent delegations: "+del.Name+" missing from parent pointer map")
	}

	role := model.DelegationRole(del.Name)
	raw, err := v.Deps.Fetcher.FetchLatest(ctx, model.RepoImage, role, MaxImageTargetsSize, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, del.Name, "fetch delegation", err)
	}
	child, env, err := wireformat.DecodeTargets(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, del.Name, "decode delegation", err)
	}
	child.Signatures = env.Signatures

	policy, ok := delegationPolicy(parent, del.Name)
	if !ok {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, del.Name, "parent names no signing policy for delegation")
	}
	if err := keyring.VerifyThreshold(parentKeyRing, policy, child.Raw, child.Signatures); err != nil {
		return nil, err
	}
	if child.Expired(v.Deps.clock().Now()) {
		return nil, uerrors.ExpiredMetadata(del.Name)
	}
	return child, nil
}

// delegationPolicy recovers the per-delegation signing policy stashed by
// wireformat.DecodeTargets in the parent's raw delegations block (the
// in-memory model.DelegationPointer type carries only name/paths/terminating,
// so the keyids/threshold are re-read from the raw JSON here).
func delegationPolicy(parent *model.TargetsMeta, name string) (model.SigningPolicy, bool) {
	return wireformat.DelegationPolicy(parent.Raw, name)
}
