// Package pkgmanager implements the PackageManager interface every
// installer backend (OSTree, RAUC, SWUpdate, Docker-Compose, generic
// Torizon action-handler) satisfies, plus the shared streaming
// download-and-verify helper every backend except SWUpdate reuses instead
// of re-implementing hashing.
package pkgmanager

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// VerifyCode enumerates PackageManager.verifyTarget's outcomes.
type VerifyCode int

const (
	VerifyGood VerifyCode = iota
	VerifyNotFound
	VerifyIncomplete
	VerifyOversized
	VerifyHashMismatch
	VerifyInvalid
)

func (c VerifyCode) String() string {
	switch c {
	case VerifyGood:
		return "good"
	case VerifyNotFound:
		return "not_found"
	case VerifyIncomplete:
		return "incomplete"
	case VerifyOversized:
		return "oversized"
	case VerifyHashMismatch:
		return "hash_mismatch"
	default:
		return "invalid"
	}
}

// ProgressFunc reports bytes written so far against the target's declared
// length, invoked periodically during a streaming download.
type ProgressFunc func(written, total int64)

// PackageManager is the interface the update core installs through; every
// installer backend must satisfy it.
type PackageManager interface {
	Name() string
	GetCurrent(ctx context.Context) (model.Target, error)
	GetInstalledPackages(ctx context.Context) (json []byte, err error)

	// FetchTarget streams target's bytes from fetcher into a
	// backend-chosen path, verifying hashes as it writes (see
	// StreamAndVerify). Returns false together with the error when
	// streaming or verification fails.
	FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error)

	VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error)
	Install(ctx context.Context, target model.Target) (model.InstallationResult, error)
	FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error)
	CompleteInstall(ctx context.Context) error
	CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error)
}

// KeySet is the verification key material a backend may need beyond plain
// content hashing (e.g. an OSTree GPG keyring or a Docker-Compose image
// signer); left opaque to this package.
type KeySet interface{}

// StreamAndVerify is the default fetchTarget algorithm:
// truncate-then-stream to path (truncate, never append, so a stale partial
// download can't poison a retry), feed a
// model.MultiHasher across every algorithm the target names, bail out if
// the stream would exceed target.Length, and verify the primary hash (and
// any additional present hashes) against the target's declared digests once
// writing completes. Every backend's FetchTarget should call this instead of
// re-implementing hash verification.
func StreamAndVerify(ctx context.Context, f fetcher.MetadataFetcher, repo model.Repo, target model.Target, destPath string, progress ProgressFunc, token *flowcontrol.Token) error {
	if len(target.Hashes) == 0 {
		return fmt.Errorf("pkgmanager: target %s declares no hashes to verify against", target.Filename)
	}

	algos := make([]model.HashAlgorithm, 0, len(target.Hashes))
	for _, h := range target.Hashes {
		algos = append(algos, h.Algorithm)
	}
	hasher, err := model.NewMultiHasher(algos...)
	if err != nil {
		return fmt.Errorf("pkgmanager: build multi-hasher: %w", err)
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pkgmanager: open %s: %w", destPath, err)
	}
	defer out.Close()

	sink := &progressWriter{hasher: hasher, out: out, limit: target.Length, progress: progress}
	if err := f.FetchTarget(ctx, repo, target.Filename, target.Length, token, sink); err != nil {
		return fmt.Errorf("pkgmanager: fetch target %s: %w", target.Filename, err)
	}

	for _, want := range target.Hashes {
		got, ok := hasher.Sum(want.Algorithm)
		if !ok {
			continue
		}
		if !got.Equal(want) {
			return fmt.Errorf("pkgmanager: hash mismatch for %s (%s)", target.Filename, want.Algorithm)
		}
	}
	if hasher.Written() != target.Length {
		return fmt.Errorf("pkgmanager: size mismatch for %s: wrote %d, want %d", target.Filename, hasher.Written(), target.Length)
	}
	return nil
}

type progressWriter struct {
	hasher   *model.MultiHasher
	out      io.Writer
	limit    int64
	progress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if w.hasher.Written()+int64(len(p)) > w.limit {
		return 0, fmt.Errorf("pkgmanager: stream exceeds declared target length %d", w.limit)
	}
	n, err := w.hasher.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := w.out.Write(p); err != nil {
		return n, err
	}
	if w.progress != nil {
		w.progress(w.hasher.Written(), w.limit)
	}
	return n, nil
}

// VerifyFile recomputes target's declared hashes against an already-written
// file at path, implementing PackageManager.verifyTarget's contract
// independent of any one backend.
func VerifyFile(path string, target model.Target) (VerifyCode, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyNotFound, nil
		}
		return VerifyInvalid, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return VerifyInvalid, err
	}
	if info.Size() > target.Length {
		return VerifyOversized, nil
	}
	if info.Size() < target.Length {
		return VerifyIncomplete, nil
	}

	algos := make([]model.HashAlgorithm, 0, len(target.Hashes))
	for _, h := range target.Hashes {
		algos = append(algos, h.Algorithm)
	}
	hasher, err := model.NewMultiHasher(algos...)
	if err != nil {
		return VerifyInvalid, err
	}
	if _, err := io.Copy(hasher, f); err != nil {
		return VerifyInvalid, err
	}
	for _, want := range target.Hashes {
		got, ok := hasher.Sum(want.Algorithm)
		if !ok {
			continue
		}
		if !got.Equal(want) {
			return VerifyHashMismatch, nil
		}
	}
	return VerifyGood, nil
}
