package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uptest"
)

type directorFixture struct {
	rootKey      *keyring.KeyPair
	targetsKey   *keyring.KeyPair
	timestampKey *keyring.KeyPair
	snapshotKey  *keyring.KeyPair
	st           *uptest.Store
	clock        *keyring.FixedClock
	verifier     *DirectorVerifier
}

func newDirectorFixture(t *testing.T) *directorFixture {
	t.Helper()
	f := &directorFixture{
		st:    uptest.NewStore(),
		clock: &keyring.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	var err error
	f.rootKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)
	f.targetsKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)
	f.timestampKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)
	f.snapshotKey, err = keyring.GenerateEd25519()
	require.NoError(t, err)

	f.verifier = &DirectorVerifier{Deps: Deps{Store: f.st, Clock: f.clock}}
	return f
}

// seedRoot persists a self-signed root (version 1) directly into the store,
// mirroring what fetchAndVerifyRoot would have done after bootstrap.
func (f *directorFixture) seedRoot(t *testing.T, version int64, expires time.Time) {
	t.Helper()
	_, envelope, err := uptest.RootBuilder{
		Version:   version,
		Expires:   expires,
		RootKey:   f.rootKey,
		Targets:   f.targetsKey,
		Timestamp: f.timestampKey,
		Snapshot:  f.snapshotKey,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRoot(context.Background(), store.RootRecord{
		Repo: model.RepoDirector, Version: version, Raw: envelope,
	}))
}

func (f *directorFixture) seedTargets(t *testing.T, version int64, expires time.Time, targets []model.Target) {
	t.Helper()
	canon, envelope, err := uptest.TargetsBuilder{
		Version: version, Expires: expires, Key: f.targetsKey, Targets: targets,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoDirector, Role: model.RoleTargets, Version: version,
		Canonical: canon, Raw: envelope,
	}))
}

func sampleTarget(ecu model.EcuSerial, hw model.HardwareIdentifier) model.Target {
	return model.Target{
		Filename: "firmware.bin",
		Ecus:     map[model.EcuSerial]model.HardwareIdentifier{ecu: hw},
		Hashes:   []model.Hash{model.NewHash(model.SHA256, "aa")},
		Length:   42,
	}
}

func TestDirectorCheckMetaOfflineAccepsValidStoredTargets(t *testing.T) {
	f := newDirectorFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, 1, future)
	f.seedTargets(t, 1, future, []model.Target{sampleTarget("ecu1", "hw1")})

	state, err := f.verifier.CheckMetaOffline(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Targets.Version)
}

// TestDirectorCheckMetaOfflineRejectsExpiredTargets is the regression test
// for the missing expiry check in the offline Director path: an expired,
// already-persisted Targets file must not pass CheckMetaOffline.
func TestDirectorCheckMetaOfflineRejectsExpiredTargets(t *testing.T) {
	f := newDirectorFixture(t)
	past := f.clock.At.Add(-24 * time.Hour)
	// Root itself must still be valid so the failure is attributable to Targets.
	f.seedRoot(t, 1, f.clock.At.Add(24*time.Hour))
	f.seedTargets(t, 1, past, []model.Target{sampleTarget("ecu1", "hw1")})

	_, err := f.verifier.CheckMetaOffline(context.Background())
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindExpiredMetadata, uerr.Kind)
}

func TestDirectorCheckMetaOfflineNoStoredMetadata(t *testing.T) {
	f := newDirectorFixture(t)
	_, err := f.verifier.CheckMetaOffline(context.Background())
	require.Error(t, err)
}

func TestSanityCheckDirectorTargetsRejectsDelegations(t *testing.T) {
	targets := &model.TargetsMeta{
		Delegations: []model.DelegationPointer{{Name: "bad"}},
	}
	err := sanityCheckDirectorTargets(targets)
	require.Error(t, err)
}

func TestSanityCheckDirectorTargetsRejectsDuplicateEcu(t *testing.T) {
	targets := &model.TargetsMeta{
		Targets: []model.Target{
			sampleTarget("ecu1", "hw1"),
			{Filename: "other.bin", Ecus: map[model.EcuSerial]model.HardwareIdentifier{"ecu1": "hw1"}},
		},
	}
	err := sanityCheckDirectorTargets(targets)
	require.Error(t, err)
}

func TestMatchTargetsWithImageTargets(t *testing.T) {
	director := []model.Target{sampleTarget("ecu1", "hw1")}
	image := []model.Target{sampleTarget("ecu1", "hw1")}
	require.True(t, MatchTargetsWithImageTargets(director, image))

	image[0].Length = 999
	require.False(t, MatchTargetsWithImageTargets(director, image))
}
