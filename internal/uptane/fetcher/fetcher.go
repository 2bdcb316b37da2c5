// Package fetcher implements a uniform MetadataFetcher abstraction over
// the two ways a piece of Uptane metadata ("<version>.<role>.json" or
// "<role>.json" for the latest) can be retrieved — over HTTP from a live
// Director/Image repo, or from a pre-staged offline-update bundle on disk.
package fetcher

import (
	"context"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// MetadataFetcher retrieves one named metadata file from one repo, capped
// at maxSize bytes, cooperatively cancellable via token.
type MetadataFetcher interface {
	// FetchLatest retrieves the unversioned "<role>.json" (used for Root
	// bootstrap and Timestamp, which has no version in its filename).
	FetchLatest(ctx context.Context, repo model.Repo, role model.Role, maxSize int64, token *flowcontrol.Token) ([]byte, error)

	// FetchVersion retrieves "<version>.<role>.json", used for Root
	// rotation and delegation traversal.
	FetchVersion(ctx context.Context, repo model.Repo, role model.Role, version int64, maxSize int64, token *flowcontrol.Token) ([]byte, error)

	// FetchTarget streams the named target file's bytes to w, capped at
	// maxSize, used by PackageManager.fetchTarget.
	FetchTarget(ctx context.Context, repo model.Repo, filename string, maxSize int64, token *flowcontrol.Token, w TargetWriter) error
}

// TargetWriter is the minimal sink FetchTarget streams into; satisfied by
// io.Writer, kept as its own type so callers needing multi-hash digesting
// (model.MultiHasher) don't have to import io directly here.
type TargetWriter interface {
	Write(p []byte) (int, error)
}

// ErrOversized is returned when a fetched payload would exceed maxSize.
// The Verifier wraps it, like any other metadata fetch error, as
// uerrors.KindMetadataFetchFailure; nothing maps it to
// uerrors.KindOversizedTarget.
type ErrOversized struct {
	Limit int64
}

func (e ErrOversized) Error() string {
	return "fetcher: payload exceeds size limit"
}
