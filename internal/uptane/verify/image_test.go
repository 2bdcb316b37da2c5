package verify

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uptest"
)

type imageFixture struct {
	rootKey      *keyring.KeyPair
	targetsKey   *keyring.KeyPair
	timestampKey *keyring.KeyPair
	snapshotKey  *keyring.KeyPair
	st           *uptest.Store
	clock        *keyring.FixedClock
	verifier     *ImageVerifier
}

func newImageFixture(t *testing.T) *imageFixture {
	t.Helper()
	f := &imageFixture{
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
	f.verifier = &ImageVerifier{Deps: Deps{Store: f.st, Clock: f.clock}}
	return f
}

func (f *imageFixture) seedRoot(t *testing.T, expires time.Time) {
	t.Helper()
	_, envelope, err := uptest.RootBuilder{
		Version: 1, Expires: expires, RootKey: f.rootKey, Targets: f.targetsKey,
		Timestamp: f.timestampKey, Snapshot: f.snapshotKey,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRoot(context.Background(), store.RootRecord{Repo: model.RepoImage, Version: 1, Raw: envelope}))
}

// seedFullChain seeds Root + a consistent Timestamp/Snapshot/Targets chain
// at the given versions, all mutually referencing each other correctly.
func (f *imageFixture) seedFullChain(t *testing.T, expires time.Time, targets []model.Target) {
	t.Helper()
	f.seedRoot(t, expires)

	targetsCanon, targetsEnv, err := uptest.TargetsBuilder{
		Version: 1, Expires: expires, Key: f.targetsKey, Targets: targets,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleTargets, Version: 1, Canonical: targetsCanon, Raw: targetsEnv,
	}))

	snapCanon, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: expires, Key: f.snapshotKey, TargetsVersion: 1,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleSnapshot, Version: 1, Canonical: snapCanon, Raw: snapEnv,
	}))

	_, tsEnv, err := uptest.TimestampBuilder{
		Version: 1, Expires: expires, Key: f.timestampKey, SnapshotVersion: 1, SnapshotRaw: snapCanon,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleTimestamp, Version: 1, Raw: tsEnv,
	}))
}

func TestImageCheckMetaOfflineAcceptsConsistentChain(t *testing.T) {
	f := newImageFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedFullChain(t, future, []model.Target{sampleImageTarget()})

	state, err := f.verifier.CheckMetaOffline(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Targets.Version)
	require.Equal(t, int64(1), state.Snapshot.Version)
	require.Equal(t, int64(1), state.Timestamp.Version)
}

func TestImageCheckMetaOfflineRejectsExpiredTargets(t *testing.T) {
	f := newImageFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedRoot(t, future)

	past := f.clock.At.Add(-time.Hour)
	targetsCanon, targetsEnv, err := uptest.TargetsBuilder{
		Version: 1, Expires: past, Key: f.targetsKey, Targets: []model.Target{sampleImageTarget()},
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleTargets, Version: 1, Canonical: targetsCanon, Raw: targetsEnv,
	}))

	snapCanon, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: future, Key: f.snapshotKey, TargetsVersion: 1,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleSnapshot, Version: 1, Canonical: snapCanon, Raw: snapEnv,
	}))

	_, tsEnv, err := uptest.TimestampBuilder{
		Version: 1, Expires: future, Key: f.timestampKey, SnapshotVersion: 1, SnapshotRaw: snapCanon,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleTimestamp, Version: 1, Raw: tsEnv,
	}))

	_, err = f.verifier.CheckMetaOffline(context.Background())
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindExpiredMetadata, uerr.Kind)
}

func TestImageCheckMetaOfflineDetectsSnapshotVersionMismatch(t *testing.T) {
	f := newImageFixture(t)
	future := f.clock.At.Add(24 * time.Hour)
	f.seedFullChain(t, future, []model.Target{sampleImageTarget()})

	// Overwrite snapshot with one naming a different targets version,
	// simulating a rollback/mismatch between snapshot and targets.
	snapCanon, snapEnv, err := uptest.SnapshotBuilder{
		Version: 1, Expires: future, Key: f.snapshotKey, TargetsVersion: 2,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleSnapshot, Version: 1, Canonical: snapCanon, Raw: snapEnv,
	}))
	_, tsEnv, err := uptest.TimestampBuilder{
		Version: 1, Expires: future, Key: f.timestampKey, SnapshotVersion: 1, SnapshotRaw: snapCanon,
	}.Build()
	require.NoError(t, err)
	require.NoError(t, f.st.PutRole(context.Background(), store.RoleRecord{
		Repo: model.RepoImage, Role: model.RoleTimestamp, Version: 1, Raw: tsEnv,
	}))

	_, err = f.verifier.CheckMetaOffline(context.Background())
	require.Error(t, err)
}

func sampleImageTarget() model.Target {
	return model.Target{
		Filename: "firmware.bin",
		Hashes:   []model.Hash{model.NewHash(model.SHA256, "deadbeef")},
		Length:   7,
	}
}

func TestHashesMatchContent(t *testing.T) {
	data := []byte("some content")
	h, err := model.NewHasher(model.SHA256)
	require.NoError(t, err)
	h.Write(data)
	digest := model.NewHash(model.SHA256, hex.EncodeToString(h.Sum(nil)))

	require.True(t, hashesMatchContent([]model.Hash{digest}, data))
	require.False(t, hashesMatchContent([]model.Hash{model.NewHash(model.SHA256, "00")}, data))
	require.True(t, hashesMatchContent(nil, data))
}
