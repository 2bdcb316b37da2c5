package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashEqualityIsCaseInsensitive(t *testing.T) {
	a := NewHash(SHA256, "ABCDEF")
	b := NewHash(SHA256, "abcdef")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(NewHash(SHA512, "abcdef")))
	require.False(t, a.Equal(NewHash(SHA256, "abcde0")))
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	in := []Hash{
		NewHash(SHA256, "aabbcc"),
		NewHash(SHA512, "DDEEFF"),
	}
	out := DecodeVector(EncodeVector(in))
	require.Len(t, out, 2)
	require.True(t, out[0].Equal(in[0]))
	require.True(t, out[1].Equal(in[1]))
}

func TestDecodeVectorMalformedInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"empty", "", 0},
		{"garbage", "not-a-vector", 0},
		{"missing digest", "sha256:", 0},
		{"missing algorithm", ":aabb", 0},
		{"partial recovery", "sha256:aabb;broken;sha512:ccdd", 2},
		{"trailing separator", "sha256:aabb;", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Len(t, DecodeVector(tc.input), tc.want)
		})
	}
}

func TestShortTagPrefersSha256(t *testing.T) {
	hashes := []Hash{
		NewHash(SHA512, "ffffffffffffffffffff"),
		NewHash(SHA256, "0123456789abcdef0123"),
	}
	require.Equal(t, "0123456789ab", ShortTag(hashes))
}

func TestShortTagFallsBackToFirstAvailable(t *testing.T) {
	require.Equal(t, "ffffffffffff", ShortTag([]Hash{NewHash(SHA512, "ffffffffffffffffffff")}))
	require.Equal(t, "", ShortTag(nil))
	// A digest shorter than 12 chars is returned whole.
	require.Equal(t, "aabb", ShortTag([]Hash{NewHash(SHA256, "aabb")}))
}

func TestMatchHashes(t *testing.T) {
	sha256a := NewHash(SHA256, "aa")
	sha256b := NewHash(SHA256, "bb")
	sha512a := NewHash(SHA512, "cc")

	// Shared algorithm agreeing -> match.
	require.True(t, MatchHashes([]Hash{sha256a}, []Hash{sha256a, sha512a}))
	// Shared algorithm disagreeing -> no match.
	require.False(t, MatchHashes([]Hash{sha256a}, []Hash{sha256b}))
	// No shared algorithm -> no match (at least one must exist).
	require.False(t, MatchHashes([]Hash{sha256a}, []Hash{sha512a}))
	require.False(t, MatchHashes(nil, []Hash{sha256a}))
}

func TestMultiHasherTracksWrittenAndDigests(t *testing.T) {
	m, err := NewMultiHasher(SHA256, SHA512)
	require.NoError(t, err)

	n, err := m.Write([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(1), m.Written())

	// sha256 of the one-byte payload "a".
	got, ok := m.Sum(SHA256)
	require.True(t, ok)
	require.Equal(t, "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb", got.Digest)

	_, ok = m.Sum(SHA512)
	require.True(t, ok)
	_, ok = m.Sum(HashAlgorithm("md5"))
	require.False(t, ok)
}

func TestNewHasherRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewHasher(HashAlgorithm("md5"))
	require.Error(t, err)
	_, err = NewMultiHasher(SHA256, HashAlgorithm("md5"))
	require.Error(t, err)
}

func TestMatchTarget(t *testing.T) {
	base := Target{
		Filename: "firmware.bin",
		Length:   4,
		Hashes:   []Hash{NewHash(SHA256, "aa")},
		Ecus:     map[EcuSerial]HardwareIdentifier{"ecu1": "hw1"},
	}

	same := base
	require.True(t, MatchTarget(base, same))

	diffName := base
	diffName.Filename = "other.bin"
	require.False(t, MatchTarget(base, diffName))

	diffLen := base
	diffLen.Length = 5
	require.False(t, MatchTarget(base, diffLen))

	diffHash := base
	diffHash.Hashes = []Hash{NewHash(SHA256, "bb")}
	require.False(t, MatchTarget(base, diffHash))

	diffEcu := base
	diffEcu.Ecus = map[EcuSerial]HardwareIdentifier{"ecu2": "hw1"}
	require.False(t, MatchTarget(base, diffEcu))

	diffHw := base
	diffHw.Ecus = map[EcuSerial]HardwareIdentifier{"ecu1": "hw2"}
	require.False(t, MatchTarget(base, diffHw))
}

func TestInstallationCodeRoundTrip(t *testing.T) {
	codes := []InstallationCode{
		CodeOk, CodeInstallFailed, CodeNeedCompletion, CodeVerificationFailed,
		CodeDownloadFailed, CodeInternalError, CodeOperationCancelled,
		CodeAlreadyProcessed, CodeGeneralError,
	}
	for _, c := range codes {
		require.Equal(t, c, ParseInstallationCode(c.String()), c.String())
	}
	require.Equal(t, CodeGeneralError, ParseInstallationCode("nonsense"))
}

func TestInstallationCodeSuccess(t *testing.T) {
	require.True(t, CodeOk.Success())
	require.True(t, CodeNeedCompletion.Success())
	require.False(t, CodeInstallFailed.Success())
	require.False(t, CodeOperationCancelled.Success())
}
