package orchestrator

import (
	"context"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
)

// FinalizeAfterReboot resolves the post-reboot half of an install: if a pending
// install is recorded, ask the Primary package manager to finalize it and
// act on the outcome; otherwise re-derive and publish the current device
// result from whatever's already Current.
func (o *Orchestrator) FinalizeAfterReboot(ctx context.Context, correlationID string) (model.InstallationResult, error) {
	o.txnMu.Lock()
	defer o.txnMu.Unlock()
	if err := o.lock.Acquire(); err != nil {
		return model.InstallationResult{}, err
	}
	defer o.lock.Release()

	pending, err := o.deps.Store.PendingInstall(ctx)
	if err != nil {
		return model.InstallationResult{}, err
	}
	if !pending {
		return o.recomputeDeviceResult(ctx)
	}

	pendingVersion, err := o.deps.Store.PendingInstalledVersion(ctx, o.deps.PrimaryEcu)
	if err != nil {
		return model.InstallationResult{}, err
	}
	if pendingVersion == nil {
		_ = o.deps.Store.SetPendingInstall(ctx, false)
		return o.recomputeDeviceResult(ctx)
	}

	target := model.Target{Filename: pendingVersion.Filename, Hashes: pendingVersion.Hashes, Length: pendingVersion.Length}
	result, err := o.deps.Primary.FinalizeInstall(ctx, target)
	if err != nil {
		return model.InstallationResult{}, err
	}

	o.deps.logger().Infow("finalize after reboot",
		"correlation_id", correlationID, "filename", target.Filename, "code", result.Code.String())

	switch result.Code {
	case model.CodeNeedCompletion:
		// Reboot still not detected; nothing to do until the next pass.
		return result, nil
	case model.CodeOk:
		_ = o.deps.Store.SetInstalledVersion(ctx, toInstalledRecord(o.deps.PrimaryEcu, target, model.ModeCurrent, correlationID))
		_ = o.deps.Store.SetPendingInstall(ctx, false)
		success := true
		o.reportEvent(ctx, model.EventEcuInstallationCompleted, correlationID, o.deps.PrimaryEcu, &success)
	default:
		_ = o.deps.Store.SetInstalledVersion(ctx, toInstalledRecord(o.deps.PrimaryEcu, target, model.ModeNone, correlationID))
		_ = o.deps.Store.SetPendingInstall(ctx, false)
		success := false
		o.reportEvent(ctx, model.EventEcuInstallationCompleted, correlationID, o.deps.PrimaryEcu, &success)
		// The Director-pinned targets are no longer trustworthy; drop the
		// stored Director roles along with the in-memory set so the next
		// checkUpdates cycle re-resolves from scratch.
		_ = o.deps.Store.WipeNonRootMeta(ctx, model.RepoDirector)
		o.pending = nil
	}

	return o.recomputeDeviceResult(ctx)
}

func toInstalledRecord(ecu model.EcuSerial, t model.Target, mode model.InstalledVersionMode, correlationID string) store.InstalledVersionRecord {
	return store.InstalledVersionRecord{
		EcuSerial:     ecu,
		Filename:      t.Filename,
		Hashes:        t.Hashes,
		Length:        t.Length,
		Mode:          mode,
		CorrelationID: correlationID,
	}
}

// recomputeDeviceResult walks every registered ECU's current installed
// version and reports the device result via a fresh manifest assembly and
// push: every non-pending FinalizeAfterReboot path ends here, so both
// re-compute the result and put a fresh manifest.
func (o *Orchestrator) recomputeDeviceResult(ctx context.Context) (model.InstallationResult, error) {
	o.refreshManifest(ctx, nil)

	ecus, err := o.deps.Store.ListEcus(ctx)
	if err != nil {
		return model.InstallationResult{}, err
	}
	for _, e := range ecus {
		current, err := o.deps.Store.CurrentInstalledVersion(ctx, e.EcuSerial)
		if err != nil || current == nil {
			return model.NewResult(model.CodeGeneralError, "missing installed version for "+string(e.EcuSerial)), nil
		}
	}
	return model.NewResult(model.CodeOk, ""), nil
}
