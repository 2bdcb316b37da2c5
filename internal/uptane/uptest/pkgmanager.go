package uptest

import (
	"context"
	"sync"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/pkgmanager"
)

// PackageManager is a scriptable pkgmanager.PackageManager: every method's
// return value is configurable, and every call is recorded.
type PackageManager struct {
	mu sync.Mutex

	NameVal string
	Current model.Target

	FetchResult  bool
	FetchErr     error
	VerifyResult pkgmanager.VerifyCode
	VerifyErr    error

	// InstallResult/FinalizeResult are returned verbatim when their
	// corresponding Set flag is true; otherwise Install/FinalizeInstall
	// default to CodeOk.
	InstallResult     model.InstallationResult
	InstallResultSet  bool
	InstallErr        error
	FinalizeResult    model.InstallationResult
	FinalizeResultSet bool
	FinalizeErr       error
	CompleteErr       error
	DiskSpaceOK       bool
	DiskSpaceErr      error

	FetchCalls    []model.Target
	VerifyCalls   []model.Target
	InstallCalls  []model.Target
	FinalizeCalls []model.Target
	CompleteCalls int
}

var _ pkgmanager.PackageManager = (*PackageManager)(nil)

func NewPackageManager(name string) *PackageManager {
	return &PackageManager{NameVal: name, DiskSpaceOK: true}
}

func (m *PackageManager) Name() string { return m.NameVal }

func (m *PackageManager) GetCurrent(ctx context.Context) (model.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current, nil
}

func (m *PackageManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	return nil, nil
}

func (m *PackageManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys pkgmanager.KeySet, progress pkgmanager.ProgressFunc, token *flowcontrol.Token) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls = append(m.FetchCalls, target)
	return m.FetchResult, m.FetchErr
}

func (m *PackageManager) VerifyTarget(ctx context.Context, target model.Target) (pkgmanager.VerifyCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VerifyCalls = append(m.VerifyCalls, target)
	return m.VerifyResult, m.VerifyErr
}

func (m *PackageManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InstallCalls = append(m.InstallCalls, target)
	if m.InstallErr != nil {
		return model.InstallationResult{}, m.InstallErr
	}
	if !m.InstallResultSet {
		m.Current = target
		return model.NewResult(model.CodeOk, ""), nil
	}
	return m.InstallResult, nil
}

func (m *PackageManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinalizeCalls = append(m.FinalizeCalls, target)
	if m.FinalizeErr != nil {
		return model.InstallationResult{}, m.FinalizeErr
	}
	if !m.FinalizeResultSet {
		m.Current = target
		return model.NewResult(model.CodeOk, ""), nil
	}
	if m.FinalizeResult.Code == model.CodeOk {
		m.Current = target
	}
	return m.FinalizeResult, nil
}

func (m *PackageManager) CompleteInstall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls++
	return m.CompleteErr
}

func (m *PackageManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	return m.DiskSpaceOK, m.DiskSpaceErr
}
