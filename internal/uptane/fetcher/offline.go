package fetcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// OfflineFetcher serves metadata and targets from a pre-staged offline-update
// bundle directory (one subdirectory per repo). Root v1 bootstrap via this
// fetcher is refused: fetching Root v1 from a lockbox would be trust on
// first use, and there must be no TOFU offline.
type OfflineFetcher struct {
	DirectorDir string
	ImageDir    string
	TargetsDir  string
}

func (f *OfflineFetcher) repoDir(repo model.Repo) string {
	if repo == model.RepoDirector {
		return f.DirectorDir
	}
	return f.ImageDir
}

func (f *OfflineFetcher) FetchLatest(ctx context.Context, repo model.Repo, role model.Role, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	if role.Kind == model.RoleRoot {
		return nil, fmt.Errorf("fetcher: offline root bootstrap (trust-on-first-use) is forbidden")
	}
	return f.read(ctx, filepath.Join(f.repoDir(repo), role.Filename()), maxSize, token)
}

func (f *OfflineFetcher) FetchVersion(ctx context.Context, repo model.Repo, role model.Role, version int64, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	if role.Kind == model.RoleRoot && version == 1 {
		return nil, fmt.Errorf("fetcher: offline root bootstrap (trust-on-first-use) is forbidden")
	}
	return f.read(ctx, filepath.Join(f.repoDir(repo), role.VersionedFilename(version)), maxSize, token)
}

func (f *OfflineFetcher) FetchTarget(ctx context.Context, repo model.Repo, filename string, maxSize int64, token *flowcontrol.Token, w TargetWriter) error {
	body, err := f.read(ctx, filepath.Join(f.TargetsDir, filename), maxSize, token)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("fetcher: write target %s: %w", filename, err)
	}
	return nil
}

func (f *OfflineFetcher) read(ctx context.Context, path string, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	if token != nil {
		if err := token.CheckContext(ctx); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fetcher: %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("fetcher: stat %s: %w", path, err)
	}
	if info.Size() > maxSize {
		return nil, ErrOversized{Limit: maxSize}
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fetcher: read %s: %w", path, err)
	}
	return body, nil
}

var _ MetadataFetcher = (*OfflineFetcher)(nil)
