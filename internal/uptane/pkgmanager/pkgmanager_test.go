package pkgmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// byteFetcher serves fixed target bytes; metadata fetches are unused here.
// uptest.Fetcher would fit but imports this package.
type byteFetcher struct {
	body []byte
	err  error
}

func (f *byteFetcher) FetchLatest(ctx context.Context, repo model.Repo, role model.Role, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	return nil, fmt.Errorf("not a metadata fetcher")
}

func (f *byteFetcher) FetchVersion(ctx context.Context, repo model.Repo, role model.Role, version int64, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	return nil, fmt.Errorf("not a metadata fetcher")
}

func (f *byteFetcher) FetchTarget(ctx context.Context, repo model.Repo, filename string, maxSize int64, token *flowcontrol.Token, w fetcher.TargetWriter) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write(f.body)
	return err
}

func sha256HexOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func targetFor(body []byte) model.Target {
	return model.Target{
		Filename: "firmware.bin",
		Length:   int64(len(body)),
		Hashes:   []model.Hash{model.NewHash(model.SHA256, sha256HexOf(body))},
	}
}

func TestStreamAndVerifyWritesVerifiedFile(t *testing.T) {
	body := []byte("firmware payload")
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, targetFor(body), dest, nil, nil)
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, written)
}

// TestStreamAndVerifyTruncatesPriorContent covers the truncate-then-stream
// contract: a stale partial download at the destination must not survive a
// successful re-fetch.
func TestStreamAndVerifyTruncatesPriorContent(t *testing.T) {
	body := []byte("ab")
	dest := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale-partial-content-much-longer"), 0o644))

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, targetFor(body), dest, nil, nil)
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, written)
}

func TestStreamAndVerifyRejectsOversizedStream(t *testing.T) {
	body := []byte("four bytes and more")
	target := targetFor(body)
	target.Length = 4 // declared shorter than the stream
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, target, dest, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds declared target length")
}

func TestStreamAndVerifyRejectsHashMismatch(t *testing.T) {
	body := []byte("actual content")
	target := targetFor(body)
	target.Hashes = []model.Hash{model.NewHash(model.SHA256, sha256HexOf([]byte("expected content")))}
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, target, dest, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "hash mismatch")
}

func TestStreamAndVerifyRejectsShortStream(t *testing.T) {
	body := []byte("ab")
	target := targetFor(body)
	target.Length = 10
	// Recompute the hash over the short body so only the size check trips.
	target.Hashes = []model.Hash{model.NewHash(model.SHA256, sha256HexOf(body))}
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, target, dest, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "size mismatch")
}

func TestStreamAndVerifyRequiresDeclaredHashes(t *testing.T) {
	target := model.Target{Filename: "firmware.bin", Length: 2}
	err := StreamAndVerify(context.Background(), &byteFetcher{body: []byte("ab")}, model.RepoImage, target, filepath.Join(t.TempDir(), "f"), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "declares no hashes")
}

func TestStreamAndVerifyChecksEveryDeclaredHash(t *testing.T) {
	body := []byte("dual-hash payload")
	target := targetFor(body)
	// Add a second, deliberately wrong hash: both must be checked.
	target.Hashes = append(target.Hashes, model.NewHash(model.SHA512, "00ff"))
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, target, dest, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sha512")
}

func TestStreamAndVerifyReportsProgress(t *testing.T) {
	body := []byte("progress payload")
	dest := filepath.Join(t.TempDir(), "firmware.bin")

	var last, total int64
	progress := func(written, want int64) { last, total = written, want }
	err := StreamAndVerify(context.Background(), &byteFetcher{body: body}, model.RepoImage, targetFor(body), dest, progress, nil)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), last)
	require.Equal(t, int64(len(body)), total)
}

func TestVerifyFileCodes(t *testing.T) {
	dir := t.TempDir()
	body := []byte("verified body")
	good := filepath.Join(dir, "good.bin")
	require.NoError(t, os.WriteFile(good, body, 0o644))

	target := targetFor(body)

	code, err := VerifyFile(good, target)
	require.NoError(t, err)
	require.Equal(t, VerifyGood, code)

	code, err = VerifyFile(filepath.Join(dir, "missing.bin"), target)
	require.NoError(t, err)
	require.Equal(t, VerifyNotFound, code)

	short := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(short, body[:4], 0o644))
	code, err = VerifyFile(short, target)
	require.NoError(t, err)
	require.Equal(t, VerifyIncomplete, code)

	long := filepath.Join(dir, "long.bin")
	require.NoError(t, os.WriteFile(long, append(body, 'x'), 0o644))
	code, err = VerifyFile(long, target)
	require.NoError(t, err)
	require.Equal(t, VerifyOversized, code)

	mismatch := filepath.Join(dir, "mismatch.bin")
	flipped := append([]byte(nil), body...)
	flipped[0] ^= 0xff
	require.NoError(t, os.WriteFile(mismatch, flipped, 0o644))
	code, err = VerifyFile(mismatch, target)
	require.NoError(t, err)
	require.Equal(t, VerifyHashMismatch, code)
}

func TestVerifyCodeString(t *testing.T) {
	require.Equal(t, "good", VerifyGood.String())
	require.Equal(t, "not_found", VerifyNotFound.String())
	require.Equal(t, "incomplete", VerifyIncomplete.String())
	require.Equal(t, "oversized", VerifyOversized.String())
	require.Equal(t, "hash_mismatch", VerifyHashMismatch.String())
	require.Equal(t, "invalid", VerifyInvalid.String())
}
