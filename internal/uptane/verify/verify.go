// Package verify implements the per-repo Uptane metadata verification
// pipeline — root rotation, the Director and Image repo update cycles, the
// PURE-2 offline-update cycle, and Image-repo delegation traversal. It is
// the largest component of the agent and the one every other verification
// concern (Secondary manifest checks, target matching) calls into.
package verify

import (
	"context"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// Per-role size caps on fetched metadata.
const (
	MaxRootSize             = 64 * 1024
	MaxTimestampSize        = 16 * 1024
	MaxSnapshotSizeDefault  = 64 * 1024
	MaxDirectorTargetsSize  = 64 * 1024
	MaxImageTargetsSize     = 8 * 1024 * 1024
	MaxDelegationDepth      = 5
)

// Deps bundles the collaborators every Verifier realization needs.
type Deps struct {
	Store   store.MetaStore
	Fetcher fetcher.MetadataFetcher
	Clock   keyring.Clock
}

func (d Deps) clock() keyring.Clock {
	if d.Clock == nil {
		return keyring.SystemClock{}
	}
	return d.Clock
}

// fetchAndVerifyRoot runs the root-rotation loop shared by both repos,
// returning the final trusted RootMeta.
func fetchAndVerifyRoot(ctx context.Context, d Deps, repo model.Repo, offline bool, token *flowcontrol.Token) (*model.RootMeta, error) {
	current, err := loadOrBootstrapRoot(ctx, d, repo, offline, token)
	if err != nil {
		return nil, err
	}

	for {
		next, err := fetchNextRoot(ctx, d, repo, current.Version+1, token)
		if err != nil {
			break // any fetch failure means "no more versions"
		}
		if err := verifyRootStep(current, next); err != nil {
			return nil, err
		}
		if err := persistRoot(ctx, d, repo, next); err != nil {
			return nil, err
		}
		current = next
	}

	if current.Expired(d.clock().Now()) {
		return nil, uerrors.ExpiredMetadata("Root")
	}
	return current, nil
}

func loadOrBootstrapRoot(ctx context.Context, d Deps, repo model.Repo, offline bool, token *flowcontrol.Token) (*model.RootMeta, error) {
	rec, err := d.Store.LatestRoot(ctx, repo)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "Root", "load stored root", err)
	}
	if rec != nil {
		env, perr := wireformat.ParseEnvelope(rec.Raw)
		if perr != nil {
			return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "parse stored root", perr)
		}
		root, _, derr := wireformat.DecodeRoot(rec.Raw)
		if derr != nil {
			return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "decode stored root", derr)
		}
		root.Signatures = env.Signatures
		return root, nil
	}

	if offline {
		return nil, uerrors.New(uerrors.KindRootRotationError, "Root", "offline trust-on-first-use bootstrap is forbidden")
	}

	raw, err := d.Fetcher.FetchVersion(ctx, repo, model.TopLevelRole(model.RoleRoot), 1, MaxRootSize, token)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindMetadataFetchFailure, "Root", "fetch 1.root.json", err)
	}
	root, env, err := wireformat.DecodeRoot(raw)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "Root", "decode 1.root.json", err)
	}
	root.Signatures = env.Signatures

	// Self-verification: v1 must be signed by a threshold of its own keys.
	policy, ok := root.Roles[model.RoleRoot]
	if !ok {
		return nil, uerrors.New(uerrors.KindInvalidMetadata, "Root", "v1 names no root signing policy")
	}
	if err := keyring.VerifyThreshold(root.Keys, policy, root.Raw, root.Signatures); err != nil {
		return nil, err
	}

	if err := persistRoot(ctx, d, repo, root); err != nil {
		return nil, err
	}
	return root, nil
}

func fetchNextRoot(ctx context.Context, d Deps, repo model.Repo, version int64, token *flowcontrol.Token) (*model.RootMeta, error) {
	raw, err := d.Fetcher.FetchVersion(ctx, repo, model.TopLevelRole(model.RoleRoot), version, MaxRootSize, token)
	if err != nil {
		return nil, err
	}
	root, env, err := wireformat.DecodeRoot(raw)
	if err != nil {
		return nil, err
	}
	root.Signatures = env.Signatures
	return root, nil
}

// verifyRootStep enforces the rotation rule: threshold signed by both
// the previous Root's keys and the new Root's own keys, version == previous+1.
func verifyRootStep(previous, next *model.RootMeta) error {
	if next.Version != previous.Version+1 {
		return uerrors.RootRotationError("new root version is not previous+1")
	}

	prevPolicy, ok := previous.Roles[model.RoleRoot]
	if !ok {
		return uerrors.RootRotationError("previous root names no root signing policy")
	}
	if err := keyring.VerifyThreshold(previous.Keys, prevPolicy, next.Raw, next.Signatures); err != nil {
		return uerrors.Wrap(uerrors.KindRootRotationError, "Root", "not signed by threshold of previous root keys", err)
	}

	nextPolicy, ok := next.Roles[model.RoleRoot]
	if !ok {
		return uerrors.RootRotationError("new root names no root signing policy")
	}
	if err := keyring.VerifyThreshold(next.Keys, nextPolicy, next.Raw, next.Signatures); err != nil {
		return uerrors.Wrap(uerrors.KindRootRotationError, "Root", "not signed by threshold of its own keys", err)
	}
	return nil
}

func persistRoot(ctx context.Context, d Deps, repo model.Repo, root *model.RootMeta) error {
	raw, err := reEncodeEnvelope(root.Raw, root.Signatures)
	if err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, "Root", "re-encode root envelope", err)
	}
	if err := d.Store.PutRoot(ctx, store.RootRecord{Repo: repo, Version: root.Version, Canonical: root.Raw, Raw: raw}); err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, "Root", "persist root", err)
	}
	if err := d.Store.WipeNonRootMeta(ctx, repo); err != nil {
		return uerrors.Wrap(uerrors.KindInternalError, "Root", "wipe non-root metadata", err)
	}
	return nil
}

// reEncodeEnvelope rebuilds a minimal {"signed":<raw>,"signatures":[...]}
// envelope so stored bytes can be re-parsed by wireformat.DecodeRoot et al.
// on the next load.
func reEncodeEnvelope(signedCanonical []byte, sigs []model.Signature) ([]byte, error) {
	return wireformat.BuildEnvelope(signedCanonical, sigs)
}
