// RAUC backend: talks to the system rauc service over D-Bus. Install is
// asynchronous server-side; this manager blocks on the "Completed" signal
// before returning, and stops waiting when ctx is cancelled. Install takes
// no FlowControl token. Built on github.com/godbus/dbus/v5.
package pkgmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/godbus/dbus/v5"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

const (
	raucBusName    = "de.pengutronix.rauc"
	raucObjectPath = "/"
	raucInterface  = "de.pengutronix.rauc.Installer"
)

// RAUCManager drives rauc's InstallBundle method and Completed signal over
// the system bus.
type RAUCManager struct {
	DBusName    string
	DownloadDir string

	conn *dbus.Conn
}

func (m *RAUCManager) Name() string { return "rauc" }

func (m *RAUCManager) busName() string {
	if m.DBusName != "" {
		return m.DBusName
	}
	return raucBusName
}

func (m *RAUCManager) dial() (*dbus.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("rauc: connect system bus: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *RAUCManager) obj() (dbus.BusObject, error) {
	conn, err := m.dial()
	if err != nil {
		return nil, err
	}
	return conn.Object(m.busName(), raucObjectPath), nil
}

func (m *RAUCManager) GetCurrent(ctx context.Context) (model.Target, error) {
	obj, err := m.obj()
	if err != nil {
		return model.Target{}, err
	}
	var bootSlot string
	if err := obj.CallWithContext(ctx, raucInterface+".GetPrimary", 0).Store(&bootSlot); err != nil {
		return model.Target{}, fmt.Errorf("rauc: GetPrimary: %w", err)
	}
	return model.Target{Filename: bootSlot}, nil
}

func (m *RAUCManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]model.Target{current})
}

func (m *RAUCManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error) {
	dest := filepath.Join(m.DownloadDir, target.Filename)
	if err := StreamAndVerify(ctx, f, model.RepoImage, target, dest, progress, token); err != nil {
		return false, err
	}
	return true, nil
}

func (m *RAUCManager) VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error) {
	return VerifyFile(filepath.Join(m.DownloadDir, target.Filename), target)
}

// Install calls InstallBundle, then blocks the calling goroutine until
// the Completed signal arrives, honoring cancellation of ctx.
func (m *RAUCManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	conn, err := m.dial()
	if err != nil {
		return model.InstallationResult{}, err
	}
	obj, err := m.obj()
	if err != nil {
		return model.InstallationResult{}, err
	}

	signals := make(chan *dbus.Signal, 1)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(raucInterface), dbus.WithMatchMember("Completed")); err != nil {
		return model.InstallationResult{}, fmt.Errorf("rauc: subscribe Completed: %w", err)
	}

	bundle := filepath.Join(m.DownloadDir, target.Filename)
	var opts map[string]dbus.Variant
	if rauc, ok := target.RaucCustom(); ok {
		opts = toDBusVariantMap(rauc)
	}
	call := obj.CallWithContext(ctx, raucInterface+".InstallBundle", 0, bundle, opts)
	if call.Err != nil {
		return model.NewResult(model.CodeInstallFailed, call.Err.Error()), nil
	}

	for {
		select {
		case <-ctx.Done():
			return model.InstallationResult{}, uerrors.New(uerrors.KindOperationCancelled, "", "rauc install aborted")
		case sig := <-signals:
			if sig == nil || sig.Name != raucInterface+".Completed" {
				continue
			}
			code, _ := sig.Body[0].(int32)
			if code != 0 {
				return model.NewResult(model.CodeInstallFailed, fmt.Sprintf("rauc completed with code %d", code)), nil
			}
			return model.NewResult(model.CodeNeedCompletion, ""), nil
		}
	}
}

func toDBusVariantMap(in map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

func (m *RAUCManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	current, err := m.GetCurrent(ctx)
	if err != nil {
		return model.NewResult(model.CodeInternalError, err.Error()), nil
	}
	if current.Filename != target.Filename {
		return model.NewResult(model.CodeNeedCompletion, "reboot not yet observed"), nil
	}
	return model.NewResult(model.CodeOk, ""), nil
}

func (m *RAUCManager) CompleteInstall(ctx context.Context) error { return nil }

func (m *RAUCManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	var stat diskStat
	if err := statfs(m.DownloadDir, &stat); err != nil {
		return false, err
	}
	return stat.AvailableBytes() >= bytesNeeded, nil
}
