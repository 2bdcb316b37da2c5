package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte(`{"_type":"targets","version":1}`)
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(kp.Public, msg, sig))

	// A flipped message must fail.
	require.Error(t, Verify(kp.Public, append(msg, 'x'), sig))
}

func TestRSASignVerifyRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("rsa keygen is slow")
	}
	kp, err := GenerateRSA(2048)
	require.NoError(t, err)
	require.Equal(t, model.KeyTypeRSA2048, kp.Public.Type)

	msg := []byte("payload")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(kp.Public, msg, sig))
	require.Error(t, Verify(kp.Public, []byte("other"), sig))
}

func TestEd25519ExportLoadRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	exported, err := kp.ExportPrivate()
	require.NoError(t, err)

	loaded, err := LoadEd25519(kp.Public, exported)
	require.NoError(t, err)

	msg := []byte("manifest")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(kp.Public, msg, sig))
}

func TestKeyIDIsStable(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	a, err := kp.Public.KeyID()
	require.NoError(t, err)
	b, err := kp.Public.KeyID()
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64) // lowercase sha256 hex

	other, err := GenerateEd25519()
	require.NoError(t, err)
	c, err := other.Public.KeyID()
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func thresholdFixture(t *testing.T, n int) (KeyRing, []*KeyPair, []string) {
	t.Helper()
	ring := KeyRing{}
	pairs := make([]*KeyPair, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		kp, err := GenerateEd25519()
		require.NoError(t, err)
		kid, err := kp.Public.KeyID()
		require.NoError(t, err)
		ring[kid] = kp.Public
		pairs = append(pairs, kp)
		ids = append(ids, kid)
	}
	return ring, pairs, ids
}

func signAll(t *testing.T, msg []byte, pairs []*KeyPair, ids []string) []model.Signature {
	t.Helper()
	sigs := make([]model.Signature, 0, len(pairs))
	for i, kp := range pairs {
		sig, err := kp.Sign(msg)
		require.NoError(t, err)
		sigs = append(sigs, model.Signature{KeyID: ids[i], Value: sig})
	}
	return sigs
}

func TestVerifyThresholdMet(t *testing.T) {
	ring, pairs, ids := thresholdFixture(t, 3)
	msg := []byte("signed")
	sigs := signAll(t, msg, pairs, ids)

	policy := model.SigningPolicy{KeyIDs: ids, Threshold: 2}
	require.NoError(t, VerifyThreshold(ring, policy, msg, sigs))
}

func TestVerifyThresholdUnmet(t *testing.T) {
	ring, pairs, ids := thresholdFixture(t, 3)
	msg := []byte("signed")
	sigs := signAll(t, msg, pairs[:1], ids[:1])

	policy := model.SigningPolicy{KeyIDs: ids, Threshold: 2}
	err := VerifyThreshold(ring, policy, msg, sigs)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindUnmetThreshold, uerr.Kind)
}

func TestVerifyThresholdRejectsDuplicateSignatures(t *testing.T) {
	ring, pairs, ids := thresholdFixture(t, 1)
	msg := []byte("signed")
	sigs := signAll(t, msg, pairs, ids)
	sigs = append(sigs, sigs[0])

	policy := model.SigningPolicy{KeyIDs: ids, Threshold: 1}
	err := VerifyThreshold(ring, policy, msg, sigs)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindNonUniqueSignatures, uerr.Kind)
}

func TestVerifyThresholdRejectsIllegalThreshold(t *testing.T) {
	ring, _, ids := thresholdFixture(t, 1)
	policy := model.SigningPolicy{KeyIDs: ids, Threshold: 0}
	err := VerifyThreshold(ring, policy, []byte("signed"), nil)
	require.Error(t, err)
	uerr, ok := err.(*uerrors.Error)
	require.True(t, ok)
	require.Equal(t, uerrors.KindIllegalThreshold, uerr.Kind)
}

func TestVerifyThresholdIgnoresSignaturesOutsidePolicy(t *testing.T) {
	ring, pairs, ids := thresholdFixture(t, 2)
	msg := []byte("signed")
	sigs := signAll(t, msg, pairs, ids)

	// Policy only allows the first key; the second key's valid signature
	// must not count toward the threshold.
	policy := model.SigningPolicy{KeyIDs: ids[:1], Threshold: 2}
	require.Error(t, VerifyThreshold(ring, policy, msg, sigs))
}
