// Docker-Compose backend: a Secondary-style manager that installs by
// replacing the active compose file and bringing services up, supporting
// rollback by restoring the previous file. Drives the docker CLI through
// os/exec rather than binding a client library.
package pkgmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// ComposeManager replaces ComposeFile with a newly downloaded version and
// runs `docker compose up -d`; the previous file is kept alongside with a
// ".prev" suffix for rollback.
type ComposeManager struct {
	ComposeFile string
	DownloadDir string

	current model.Target
}

func (m *ComposeManager) Name() string { return "docker-compose" }

func (m *ComposeManager) GetCurrent(ctx context.Context) (model.Target, error) {
	return m.current, nil
}

func (m *ComposeManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	return json.Marshal([]model.Target{m.current})
}

func (m *ComposeManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error) {
	dest := filepath.Join(m.DownloadDir, target.Filename)
	if err := StreamAndVerify(ctx, f, model.RepoImage, target, dest, progress, token); err != nil {
		return false, err
	}
	return true, nil
}

func (m *ComposeManager) VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error) {
	return VerifyFile(filepath.Join(m.DownloadDir, target.Filename), target)
}

// Install validates an offline image tarball's manifest digests (if
// target.Custom carries them), replaces the active compose file, and
// brings the new services up.
func (m *ComposeManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	if err := m.validateImageTarballs(target); err != nil {
		return model.NewResult(model.CodeVerificationFailed, err.Error()), nil
	}

	newFile := filepath.Join(m.DownloadDir, target.Filename)
	prevFile := m.ComposeFile + ".prev"
	if _, err := os.Stat(m.ComposeFile); err == nil {
		if err := copyFile(m.ComposeFile, prevFile); err != nil {
			return model.NewResult(model.CodeInstallFailed, err.Error()), nil
		}
	}
	if err := copyFile(newFile, m.ComposeFile); err != nil {
		return model.NewResult(model.CodeInstallFailed, err.Error()), nil
	}

	cmd := exec.CommandContext(ctx, "docker", "compose", "-f", m.ComposeFile, "up", "-d")
	if out, err := cmd.CombinedOutput(); err != nil {
		return model.NewResult(model.CodeInstallFailed, fmt.Sprintf("docker compose up: %v: %s", err, out)), nil
	}

	m.current = target
	return model.NewResult(model.CodeOk, ""), nil
}

// validateImageTarballs checks the sha256 of each image's tarball against
// the "manifest_digest" named in target.Custom["images"] before
// `docker load`; no config digest is checked.
// A missing "images" entry means online pull mode; nothing to
// validate here.
func (m *ComposeManager) validateImageTarballs(target model.Target) error {
	raw, ok := target.Custom["images"]
	if !ok {
		return nil
	}
	images, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("dockercompose: malformed images custom field")
	}
	for _, entry := range images {
		img, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		tarball, _ := img["tarball"].(string)
		expectedDigest, _ := img["manifest_digest"].(string)
		if tarball == "" || expectedDigest == "" {
			continue
		}
		path := filepath.Join(m.DownloadDir, tarball)
		actual, err := sha256File(path)
		if err != nil {
			return fmt.Errorf("dockercompose: hash %s: %w", tarball, err)
		}
		if actual != expectedDigest {
			return fmt.Errorf("dockercompose: manifest digest mismatch for %s", tarball)
		}
		if out, err := exec.Command("docker", "load", "-i", path).CombinedOutput(); err != nil {
			return fmt.Errorf("dockercompose: docker load %s: %v: %s", tarball, err, out)
		}
	}
	return nil
}

// Rollback restores the previous compose file and brings it up, the
// Docker-Compose-specific half of synchronous-update rollback: the
// containers revert alongside the OS.
func (m *ComposeManager) Rollback(ctx context.Context) error {
	prevFile := m.ComposeFile + ".prev"
	if _, err := os.Stat(prevFile); err != nil {
		return fmt.Errorf("dockercompose: no previous compose file to roll back to")
	}
	if err := copyFile(prevFile, m.ComposeFile); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "docker", "compose", "-f", m.ComposeFile, "up", "-d")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dockercompose: rollback up: %v: %s", err, out)
	}
	return nil
}

func (m *ComposeManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	return model.NewResult(model.CodeOk, ""), nil
}

func (m *ComposeManager) CompleteInstall(ctx context.Context) error { return nil }

func (m *ComposeManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	var stat diskStat
	if err := statfs(m.DownloadDir, &stat); err != nil {
		return false, err
	}
	return stat.AvailableBytes() >= bytesNeeded, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
