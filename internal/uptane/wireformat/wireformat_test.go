package wireformat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/canonicaljson"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// signEnvelope canonicalizes signed, signs it with kp, and wraps both into
// a full envelope. uptest's builders layer the same steps on top of this
// package, so tests here assemble envelopes by hand to avoid the import
// cycle.
func signEnvelope(t *testing.T, signed map[string]interface{}, kp *keyring.KeyPair) []byte {
	t.Helper()
	canon, err := canonicaljson.Marshal(signed)
	require.NoError(t, err)
	kid, err := kp.Public.KeyID()
	require.NoError(t, err)
	sig, err := kp.Sign(canon)
	require.NoError(t, err)
	envelope, err := BuildEnvelope(canon, []model.Signature{{KeyID: kid, Value: sig}})
	require.NoError(t, err)
	return envelope
}

func buildTestRoot(t *testing.T, kp *keyring.KeyPair, version int64) []byte {
	t.Helper()
	kid, err := kp.Public.KeyID()
	require.NoError(t, err)
	return signEnvelope(t, map[string]interface{}{
		"_type":   "root",
		"version": version,
		"expires": time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		"keys": map[string]interface{}{
			kid: map[string]interface{}{
				"keytype": "ed25519",
				"scheme":  "ed25519",
				"keyval":  map[string]interface{}{"public": kp.Public.Value},
			},
		},
		"roles": map[string]interface{}{
			"root":    map[string]interface{}{"keyids": []string{kid}, "threshold": 1},
			"targets": map[string]interface{}{"keyids": []string{kid}, "threshold": 1},
		},
	}, kp)
}

func TestDecodeRootRoundTrip(t *testing.T) {
	kp, err := keyring.GenerateEd25519()
	require.NoError(t, err)
	envelope := buildTestRoot(t, kp, 3)

	root, env, err := DecodeRoot(envelope)
	require.NoError(t, err)
	require.Equal(t, int64(3), root.Version)
	require.Len(t, env.Signatures, 1)

	kid, err := kp.Public.KeyID()
	require.NoError(t, err)
	require.Contains(t, root.Keys, kid)
	require.Equal(t, model.KeyTypeEd25519, root.Keys[kid].Type)

	policy, ok := root.Roles[model.RoleRoot]
	require.True(t, ok)
	require.Equal(t, 1, policy.Threshold)
	require.Equal(t, []string{kid}, policy.KeyIDs)

	// The decoded Raw must verify against the envelope's signature under
	// the root policy, proving canonicalization round-trips through
	// BuildEnvelope/ParseEnvelope.
	require.NoError(t, keyring.VerifyThreshold(root.Keys, policy, root.Raw, env.Signatures))
}

func TestDecodeRootRejectsGarbage(t *testing.T) {
	_, _, err := DecodeRoot([]byte("not json"))
	require.Error(t, err)
	_, _, err = DecodeRoot([]byte(`{"signed": "not-an-object", "signatures": []}`))
	require.Error(t, err)
}

func TestDecodeTargetsRecoversEcuIdentifiers(t *testing.T) {
	kp, err := keyring.GenerateEd25519()
	require.NoError(t, err)

	envelope := signEnvelope(t, map[string]interface{}{
		"_type":   "targets",
		"version": 7,
		"expires": time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		"targets": map[string]interface{}{
			"firmware.bin": map[string]interface{}{
				"hashes": []model.Hash{model.NewHash(model.SHA256, "aabb")},
				"length": 128,
				"custom": map[string]interface{}{
					"ecu_identifiers": map[string]interface{}{"serial-1": "hw-1"},
				},
			},
		},
	}, kp)

	targets, env, err := DecodeTargets(envelope)
	require.NoError(t, err)
	require.Equal(t, int64(7), targets.Version)
	require.Len(t, env.Signatures, 1)
	require.Len(t, targets.Targets, 1)

	got := targets.Targets[0]
	require.Equal(t, "firmware.bin", got.Filename)
	require.Equal(t, int64(128), got.Length)
	require.True(t, model.MatchHashes([]model.Hash{model.NewHash(model.SHA256, "aabb")}, got.Hashes))
	require.Equal(t, map[model.EcuSerial]model.HardwareIdentifier{"serial-1": "hw-1"}, got.Ecus)
}

func TestDecodeTimestampAndSnapshot(t *testing.T) {
	kp, err := keyring.GenerateEd25519()
	require.NoError(t, err)
	expires := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)

	snapEnv := signEnvelope(t, map[string]interface{}{
		"_type":   "snapshot",
		"version": 4,
		"expires": expires,
		"meta": map[string]interface{}{
			"targets": map[string]interface{}{"version": 9},
		},
	}, kp)

	snap, _, err := DecodeSnapshot(snapEnv)
	require.NoError(t, err)
	require.Equal(t, int64(4), snap.Version)
	v, ok := snap.RoleVersion("targets")
	require.True(t, ok)
	require.Equal(t, int64(9), v)
	_, ok = snap.RoleVersion("absent")
	require.False(t, ok)

	tsEnv := signEnvelope(t, map[string]interface{}{
		"_type":            "timestamp",
		"version":          4,
		"expires":          expires,
		"snapshot_version": 4,
		"snapshot_hashes":  []model.Hash{model.NewHash(model.SHA256, "ccdd")},
		"snapshot_length":  321,
	}, kp)

	ts, _, err := DecodeTimestamp(tsEnv)
	require.NoError(t, err)
	require.Equal(t, int64(4), ts.Version)
	require.Equal(t, int64(4), ts.SnapshotVersion)
	require.Equal(t, int64(321), ts.SnapshotLength)
	require.Len(t, ts.SnapshotHashes, 1)
}

// TestCorruptedEnvelopeFailsVerification covers the malformed-metadata
// detection scenario: flipping one byte of the signed content must break
// threshold verification even when the JSON still parses.
func TestCorruptedEnvelopeFailsVerification(t *testing.T) {
	kp, err := keyring.GenerateEd25519()
	require.NoError(t, err)
	envelope := buildTestRoot(t, kp, 1)

	root, env, err := DecodeRoot(envelope)
	require.NoError(t, err)
	policy := root.Roles[model.RoleRoot]

	corrupted := make([]byte, len(root.Raw))
	copy(corrupted, root.Raw)
	corrupted[10] ^= 0xff

	require.NoError(t, keyring.VerifyThreshold(root.Keys, policy, root.Raw, env.Signatures))
	require.Error(t, keyring.VerifyThreshold(root.Keys, policy, corrupted, env.Signatures))
}
