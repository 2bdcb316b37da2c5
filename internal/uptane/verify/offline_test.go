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

type offlineFixture struct {
	rootKey       *keyring.KeyPair
	targetsKey    *keyring.KeyPair
	timestampKey  *keyring.KeyPair
	snapshotKey   *keyring.KeyPair
	offSnapKey    *keyring.KeyPair
	offUpdatesKey *keyring.KeyPair
	st            *uptest.Store
	fetcher       *uptest.Fetcher
	clock         *keyring.FixedClock
	verifier      *DirectorVerifier
}

func newOfflineFixture(t *testing.T) *offlineFixture {
	t.Helper()
	f := &offlineFixture{
		st:      uptest.NewStore(),
		fetcher: uptest.NewFetcher(),
		clock:   &keyring.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, kp := range []**keyring.KeyPair{
		&f.rootKey, &f.targetsKey, &f.timestampKey, &f.snapshotKey, &f.offSnapKey, &f.offUpdatesKey,
	} {
		var err error
		*kp, err = keyring.GenerateEd25519()
		require.NoError(t, err)
	}
	f.verifier = &DirectorVerifier{Deps: Deps{Store: f.st, Fetcher: f.fetcher, Clock: f.clock}}
	return f
}

func (f *offlineFixture) rootBuilder(version int64, expires time.Time) uptest.RootBuilder {
	return uptest.RootBuilder{
		Version:         version,
		Expires:         expires,
		RootKey:         f.rootKey,
		Targets:         f.targetsKey,
		Timestamp:       f.timestampKey,
		Snapshot:        f.snapshotKey,
		OfflineSnapshot: f.offSnapKey,
		OfflineUpdates:  f.offUpdatesKey,
	}
}

func (f *offlineFixture) seedRoot(t *testing.T, expires time.Time) {
	t.Helper()
	_, envelope, err := f.rootBuilder(1, expires).Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRoot(context.Background(), store.RootRecord{
		Repo: model.RepoDirector, Version: 1, Raw: envelope,
	}))
}

// stageOfflineBundle stages a consistent OfflineSnapshot + offline-updates
// pair on the lockbox fetcher: the snapshot lists roleName at version, and
// the targets file fetched under that (role, version) carries targets.
func (f *offlineFixture) stageOfflineBundle(t *testing.T, expires time.Time, roleName string, version int64, targets []model.Target) {
	t.Helper()
	_, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: expires, Key: f.offSnapKey,
		Roles: map[string]int64{roleName: version},
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutLatest(model.RepoDirector, model.TopLevelRole(model.RoleOfflineSnapshot), snapEnv)

	_, targetsEnv, err := uptest.TargetsBuilder{
		Version: version, Expires: expires, Key: f.offUpdatesKey, Targets: targets,
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutVersion(model.RepoDirector, model.Role{Kind: model.RoleKind(roleName)}, version, targetsEnv)
}

func offlineTarget(hwid string) model.Target {
	return model.Target{
		Filename: "lockbox-firmware.bin",
		Hashes:   []model.Hash{model.NewHash(model.SHA256, "ab")},
		Length:   7,
		Custom:   map[string]interface{}{"hwids": []interface{}{hwid}},
	}
}

func TestUpdateMetaOffUpdHappyPath(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, future)
	f.stageOfflineBundle(t, future, "offline-updates", 3, []model.Target{offlineTarget("hw-1")})

	stashed := map[model.HardwareIdentifier]model.EcuSerial{"hw-1": "serial-1"}
	state, err := f.verifier.UpdateMetaOffUpd(context.Background(), stashed, nil)
	require.NoError(t, err)
	require.Len(t, state.Targets.Targets, 1)

	// ECU augmentation: the lockbox target carried no ecu_identifiers, so
	// the stashed hwid->serial mapping must have been applied.
	got := state.Targets.Targets[0]
	require.Equal(t, map[model.EcuSerial]model.HardwareIdentifier{"serial-1": "hw-1"}, got.Ecus)
}

// TestUpdateMetaOffUpdForbidsTOFU: an offline update with no stored Root
// must fail rather than bootstrap trust from the lockbox.
func TestUpdateMetaOffUpdForbidsTOFU(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)

	// Stage 1.root.json on the lockbox: it must NOT be consulted.
	_, rootEnv, err := f.rootBuilder(1, future).Build()
	require.NoError(t, err)
	f.fetcher.PutVersion(model.RepoDirector, model.TopLevelRole(model.RoleRoot), 1, rootEnv)
	f.stageOfflineBundle(t, future, "offline-updates", 1, []model.Target{offlineTarget("hw-1")})

	_, err = f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindRootRotationError, uerr.Kind)
}

func TestUpdateMetaOffUpdVersionMismatch(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, future)

	// Snapshot lists version 5 but the staged targets file is version 4.
	_, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: future, Key: f.offSnapKey,
		Roles: map[string]int64{"offline-updates": 5},
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutLatest(model.RepoDirector, model.TopLevelRole(model.RoleOfflineSnapshot), snapEnv)

	_, targetsEnv, err := uptest.TargetsBuilder{
		Version: 4, Expires: future, Key: f.offUpdatesKey,
		Targets: []model.Target{offlineTarget("hw-1")},
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutVersion(model.RepoDirector, model.Role{Kind: "offline-updates"}, 5, targetsEnv)

	_, err = f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindVersionMismatch, uerr.Kind)
}

func TestUpdateMetaOffUpdRejectsExpiredSnapshot(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	past := f.clock.At.Add(-time.Hour)
	f.seedRoot(t, future)
	f.stageOfflineBundle(t, past, "offline-updates", 1, []model.Target{offlineTarget("hw-1")})

	_, err := f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindExpiredMetadata, uerr.Kind)
}

func TestUpdateMetaOffUpdRejectsWrongSigner(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, future)

	// Sign the offline snapshot with the wrong key.
	wrongKey, err := keyring.GenerateEd25519()
	require.NoError(t, err)
	_, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: future, Key: wrongKey,
		Roles: map[string]int64{"offline-updates": 1},
	}.Build()
	require.NoError(t, err)
	f.fetcher.PutLatest(model.RepoDirector, model.TopLevelRole(model.RoleOfflineSnapshot), snapEnv)

	_, err = f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestUpdateMetaOffUpdEnforcesNoRoleRollback(t *testing.T) {
	f := newOfflineFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, future)

	// First cycle persists an offline snapshot listing version 5.
	f.stageOfflineBundle(t, future, "offline-updates", 5, []model.Target{offlineTarget("hw-1")})
	_, err := f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.NoError(t, err)

	// Second cycle rolls the listed version back to 3: must be rejected.
	f.stageOfflineBundle(t, future, "offline-updates", 3, []model.Target{offlineTarget("hw-1")})
	_, err = f.verifier.UpdateMetaOffUpd(context.Background(), nil, nil)
	require.Error(t, err)
}
