package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uptest"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

type delegationFixture struct {
	topKey   *keyring.KeyPair
	delKey   *keyring.KeyPair
	fetcher  *uptest.Fetcher
	clock    *keyring.FixedClock
	verifier *ImageVerifier
}

func newDelegationFixture(t *testing.T) *delegationFixture {
	t.Helper()
	f := &delegationFixture{
		fetcher: uptest.NewFetcher(),
		clock:   &keyring.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	var err error
	f.topKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)
	f.delKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)
	f.verifier = &ImageVerifier{Deps: Deps{Store: uptest.NewStore(), Fetcher: f.fetcher, Clock: f.clock}}
	return f
}

func (f *delegationFixture) future() time.Time { return f.clock.At.Add(24 * time.Hour) }

// buildTop assembles the top-level Targets role with the given delegations
// and returns its decoded in-memory form (Raw populated for keyring/policy
// re-reads during traversal).
func (f *delegationFixture) buildTop(t *testing.T, targets []model.Target, delegations []uptest.TargetsDelegation) *model.TargetsMeta {
	t.Helper()
	_, envelope, err := uptest.TargetsBuilder{
		Version: 1, Expires: f.future(), Key: f.topKey,
		Targets: targets, Delegations: delegations,
	}.Build()
	require.NoError(t, err)
	top, env, err := wireformat.DecodeTargets(envelope)
	require.NoError(t, err)
	top.Signatures = env.Signatures
	return top
}

// stageDelegation signs a delegated Targets role and stages it on the fetcher.
func (f *delegationFixture) stageDelegation(t *testing.T, name string, key *keyring.KeyPair, expires time.Time, targets []model.Target, delegations []uptest.TargetsDelegation) {
	t.Helper()
	_, envelope, err := uptest.TargetsBuilder{
		Version: 1, Expires: expires, Key: key,
		Targets: targets, Delegations: delegations,
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutLatest(model.RepoImage, model.DelegationRole(name), envelope)
}

func imageFile(filename string) model.Target {
	return model.Target{
		Filename: filename,
		Hashes:   []model.Hash{model.NewHash(model.SHA256, "ab")},
		Length:   3,
	}
}

func TestResolveTargetFromTopLevelList(t *testing.T) {
	f := newDelegationFixture(t)
	top := f.buildTop(t, []model.Target{imageFile("app.bin")}, nil)

	got, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "app.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "app.bin", got.Filename)
}

func TestResolveTargetThroughDelegation(t *testing.T) {
	f := newDelegationFixture(t)
	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "packages", Paths: []string{"pkgs/*"}, Key: f.delKey},
	})
	f.stageDelegation(t, "packages", f.delKey, f.future(), []model.Target{imageFile("pkgs/app.bin")}, nil)

	got, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/app.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "pkgs/app.bin", got.Filename)
}

func TestResolveTargetThroughNestedDelegation(t *testing.T) {
	f := newDelegationFixture(t)
	nestedKey, err := keyring.GenerateEd25519()
	require.NoError(t, err)

	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "packages", Paths: []string{"pkgs/*"}, Key: f.delKey},
	})
	f.stageDelegation(t, "packages", f.delKey, f.future(), nil, []uptest.TargetsDelegation{
		{Name: "apps", Paths: []string{"pkgs/apps-*"}, Key: nestedKey},
	})
	f.stageDelegation(t, "apps", nestedKey, f.future(), []model.Target{imageFile("pkgs/apps-core.bin")}, nil)

	got, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/apps-core.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "pkgs/apps-core.bin", got.Filename)
}

func TestResolveTargetUnmatchedPathRaisesTargetMismatch(t *testing.T) {
	f := newDelegationFixture(t)
	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "packages", Paths: []string{"pkgs/*"}, Key: f.delKey},
	})
	// "other/..." matches no delegation path; the delegation must not even
	// be fetched.
	_, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "other/file.bin", nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindTargetMismatch, uerr.Kind)
	require.Empty(t, f.fetcher.LatestCalls)
}

func TestTerminatingDelegationStopsSearch(t *testing.T) {
	f := newDelegationFixture(t)
	siblingKey, err := keyring.GenerateEd25519()
	require.NoError(t, err)

	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "claimed", Paths: []string{"pkgs/*"}, Terminating: true, Key: f.delKey},
		{Name: "fallback", Paths: []string{"pkgs/*"}, Key: siblingKey},
	})
	// The terminating role doesn't carry the file; the sibling does, but
	// must never be consulted.
	f.stageDelegation(t, "claimed", f.delKey, f.future(), nil, nil)
	f.stageDelegation(t, "fallback", siblingKey, f.future(), []model.Target{imageFile("pkgs/app.bin")}, nil)

	_, err = f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/app.bin", nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindTargetMismatch, uerr.Kind)
	require.Len(t, f.fetcher.LatestCalls, 1)
}

func TestExpiredDelegationIsRefused(t *testing.T) {
	f := newDelegationFixture(t)
	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "packages", Paths: []string{"pkgs/*"}, Key: f.delKey},
	})
	past := f.clock.At.Add(-time.Hour)
	f.stageDelegation(t, "packages", f.delKey, past, []model.Target{imageFile("pkgs/app.bin")}, nil)

	_, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/app.bin", nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindExpiredMetadata, uerr.Kind)
}

func TestDelegationSignedByWrongKeyIsRefused(t *testing.T) {
	f := newDelegationFixture(t)
	wrongKey, err := keyring.GenerateEd25519()
	require.NoError(t, err)

	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: "packages", Paths: []string{"pkgs/*"}, Key: f.delKey},
	})
	f.stageDelegation(t, "packages", wrongKey, f.future(), []model.Target{imageFile("pkgs/app.bin")}, nil)

	_, err = f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/app.bin", nil)
	require.Error(t, err)
}

// TestDelegationDepthIsBounded builds a six-deep chain whose leaf carries
// the file; the search must give up at depth five and report a mismatch
// instead of recursing forever.
func TestDelegationDepthIsBounded(t *testing.T) {
	f := newDelegationFixture(t)

	keys := make([]*keyring.KeyPair, 7)
	for i := range keys {
		var err error
		keys[i], err = keyring.GenerateEd25519()
		require.NoError(t, err)
	}

	names := []string{"d1", "d2", "d3", "d4", "d5", "d6"}
	top := f.buildTop(t, nil, []uptest.TargetsDelegation{
		{Name: names[0], Paths: []string{"pkgs/*"}, Key: keys[0]},
	})
	for i := 0; i < len(names)-1; i++ {
		f.stageDelegation(t, names[i], keys[i], f.future(), nil, []uptest.TargetsDelegation{
			{Name: names[i+1], Paths: []string{"pkgs/*"}, Key: keys[i+1]},
		})
	}
	f.stageDelegation(t, names[len(names)-1], keys[len(names)-1], f.future(),
		[]model.Target{imageFile("pkgs/deep.bin")}, nil)

	_, err := f.verifier.ResolveTarget(context.Background(), &model.RootMeta{}, top, "pkgs/deep.bin", nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindTargetMismatch, uerr.Kind)
}
