// OSTree backend: pulls a commit into a local sysroot and always reports
// NeedCompletion on install, since the new deployment only takes effect on
// reboot.
package pkgmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// OSTreeManager drives `ostree` as a child process against a sysroot,
// wrapping the CLI behind a small Go type rather than binding its C
// library.
type OSTreeManager struct {
	Sysroot     string
	DownloadDir string
	RebootPath  string // sentinel file whose presence/mtime marks "rebooted since install"
}

func (m *OSTreeManager) Name() string { return "ostree" }

func (m *OSTreeManager) GetCurrent(ctx context.Context) (model.Target, error) {
	out, err := exec.CommandContext(ctx, "ostree", "admin", "status", "--sysroot", m.Sysroot).CombinedOutput()
	if err != nil {
		return model.Target{}, fmt.Errorf("ostree: admin status: %w: %s", err, out)
	}
	return model.Target{Filename: firstLine(out)}, nil
}

func (m *OSTreeManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]model.Target{current})
}

func (m *OSTreeManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error) {
	dest := filepath.Join(m.DownloadDir, target.Filename)
	if err := StreamAndVerify(ctx, f, model.RepoImage, target, dest, progress, token); err != nil {
		return false, err
	}
	return true, nil
}

func (m *OSTreeManager) VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error) {
	return VerifyFile(filepath.Join(m.DownloadDir, target.Filename), target)
}

// Install pulls the staged commit archive into the sysroot as a new
// deployment and returns NeedCompletion — OSTree never applies in place.
func (m *OSTreeManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	archive := filepath.Join(m.DownloadDir, target.Filename)
	out, err := exec.CommandContext(ctx, "ostree", "admin", "deploy", "--sysroot", m.Sysroot, "--stage", archive).CombinedOutput()
	if err != nil {
		return model.NewResult(model.CodeInstallFailed, fmt.Sprintf("ostree deploy: %v: %s", err, out)), nil
	}
	return model.NewResult(model.CodeNeedCompletion, ""), nil
}

// FinalizeInstall checks whether the booted deployment now matches target,
// meaning the reboot completed the pending deploy.
func (m *OSTreeManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return model.NewResult(model.CodeInternalError, err.Error()), nil
	}
	if current.Filename != target.Filename {
		return model.NewResult(model.CodeNeedCompletion, "reboot not yet observed"), nil
	}
	return model.NewResult(model.CodeOk, ""), nil
}

func (m *OSTreeManager) CompleteInstall(ctx context.Context) error { return nil }

func (m *OSTreeManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	var stat diskStat
	if err := statfs(m.Sysroot, &stat); err != nil {
		return false, err
	}
	return stat.AvailableBytes() >= bytesNeeded, nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
