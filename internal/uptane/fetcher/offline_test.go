package fetcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

func TestOfflineFetcherReadsLatestAndVersioned(t *testing.T) {
	dir := t.TempDir()
	directorDir := filepath.Join(dir, "director")
	require.NoError(t, os.MkdirAll(directorDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(directorDir, "targets.json"), []byte(`{"signed":{}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(directorDir, "2.root.json"), []byte(`{"signed":{}}`), 0o644))

	f := &OfflineFetcher{DirectorDir: directorDir, ImageDir: filepath.Join(dir, "image"), TargetsDir: filepath.Join(dir, "targets")}

	body, err := f.FetchLatest(context.Background(), model.RepoDirector, model.TopLevelRole(model.RoleTargets), 1024, nil)
	require.NoError(t, err)
	require.Contains(t, string(body), "signed")

	body, err = f.FetchVersion(context.Background(), model.RepoDirector, model.TopLevelRole(model.RoleRoot), 2, 1024, nil)
	require.NoError(t, err)
	require.Contains(t, string(body), "signed")
}

func TestOfflineFetcherRefusesRootTOFU(t *testing.T) {
	f := &OfflineFetcher{}
	_, err := f.FetchLatest(context.Background(), model.RepoDirector, model.TopLevelRole(model.RoleRoot), 1024, nil)
	require.Error(t, err)

	_, err = f.FetchVersion(context.Background(), model.RepoDirector, model.TopLevelRole(model.RoleRoot), 1, 1024, nil)
	require.Error(t, err)
}

func TestOfflineFetcherEnforcesSizeCap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), bytes.Repeat([]byte("a"), 100), 0o644))

	f := &OfflineFetcher{DirectorDir: dir}
	_, err := f.FetchLatest(context.Background(), model.RepoDirector, model.TopLevelRole(model.RoleTimestamp), 10, nil)
	require.ErrorAs(t, err, &ErrOversized{})
}

func TestOfflineFetcherTarget(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firmware.bin"), []byte("firmware-bytes"), 0o644))

	f := &OfflineFetcher{TargetsDir: dir}
	var buf bytes.Buffer
	err := f.FetchTarget(context.Background(), model.RepoImage, "firmware.bin", 1024, nil, &buf)
	require.NoError(t, err)
	require.Equal(t, "firmware-bytes", buf.String())
}
