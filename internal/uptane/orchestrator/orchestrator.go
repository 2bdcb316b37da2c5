// Package orchestrator implements the update-transaction driver that
// walks the check -> download -> send-metadata -> send-firmware ->
// install -> finalize-after-reboot sequence, enforcing synchronous
// semantics across Primary and Secondaries, rollback handling, and the
// report-queue event stream. Per-Secondary work fans out as goroutines;
// each Secondary's own step sequence stays strictly ordered.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/pkgmanager"
	"github.com/R3E-Network/uptane-agent/internal/uptane/reportqueue"
	"github.com/R3E-Network/uptane-agent/internal/uptane/secondary"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
	"github.com/R3E-Network/uptane-agent/internal/uptane/verify"
)

// UpdateCheckResult is checkUpdates()'s outcome.
type UpdateCheckResult int

const (
	NoUpdatesAvailable UpdateCheckResult = iota
	UpdatesAvailable
	UpdateCheckError
)

// SecondaryHandle bundles one Secondary's transport link with its static
// identity, as the Orchestrator needs both to address jobs.
type SecondaryHandle struct {
	Link       *secondary.Link
	EcuSerial  model.EcuSerial
	HardwareID model.HardwareIdentifier
}

// Config carries the subset of config.UptaneConfig the Orchestrator reads.
type Config struct {
	SecondaryPreinstallWait time.Duration
	ForceInstallCompletion  bool
	TufOnly                 bool
	ReportNetwork           bool
	ReportConfig            bool

	// UpdateLockPath is the advisory lock file serializing update
	// transactions across processes; empty disables the lock.
	UpdateLockPath string
}

// Deps bundles every collaborator one update transaction needs.
type Deps struct {
	Store         store.MetaStore
	Director      *verify.DirectorVerifier
	Image         *verify.ImageVerifier
	Primary       pkgmanager.PackageManager
	Secondaries   map[model.EcuSerial]*SecondaryHandle
	Reports       *reportqueue.Queue
	Clock         keyring.Clock
	PrimaryEcu    model.EcuSerial
	PrimaryHwID   model.HardwareIdentifier
	Cfg           Config

	// PrimaryKey signs the assembled device manifest; nil disables
	// manifest assembly (AssembleManifest errors, refreshManifest warns).
	PrimaryKey *keyring.KeyPair

	// Manifests receives the freshly assembled device manifest after an
	// install/finalize outcome, and the last stored one on every fetchMeta
	// cycle; nil skips the push but not the assembly.
	Manifests ManifestPusher

	// Log is the transaction-scoped structured logger; nil means silent.
	Log *zap.SugaredLogger
}

func (d Deps) clock() keyring.Clock {
	if d.Clock == nil {
		return keyring.SystemClock{}
	}
	return d.Clock
}

func (d Deps) logger() *zap.SugaredLogger {
	if d.Log == nil {
		return zap.NewNop().Sugar()
	}
	return d.Log
}

// Orchestrator drives exactly one update transaction at a time: txnMu
// covers downloadImages + uptaneInstall + finalizeAfterReboot so only one
// may be in flight.
// Concurrent fetchMeta by a background poller while an install is running
// is forbidden by the same lock.
type Orchestrator struct {
	deps  Deps
	txnMu sync.Mutex
	lock  *UpdateLock

	// pending is the resolved, validated target set produced by the last
	// successful CheckUpdates call, consumed by DownloadImages/UptaneInstall.
	pending []model.Target
}

// New builds an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, lock: NewUpdateLock(deps.Cfg.UpdateLockPath)}
}

// PendingTargets returns the target set resolved by the last CheckUpdates.
func (o *Orchestrator) PendingTargets() []model.Target { return o.pending }

func newCorrelationID() string { return uuid.NewString() }

// DeviceDataProvider supplies the host facts fetchMeta conditionally
// reports, kept as an interface so internal/uptane/device's
// gopsutil collection isn't a hard dependency of this package.
type DeviceDataProvider interface {
	HardwareInfo(ctx context.Context) ([]byte, error)
	NetworkInfo(ctx context.Context) ([]byte, error)
	InstalledPackages(ctx context.Context) ([]byte, error)
	Configuration(ctx context.Context) ([]byte, error)
	Upload(ctx context.Context, kind store.DataHashKind, payload []byte) error
}

// ManifestPusher pushes the Primary's last signed manifest to the
// Director repo.
type ManifestPusher interface {
	PushManifest(ctx context.Context, signedManifestJSON []byte) error
}

// FetchMeta gates on no-pending-install,
// reports changed device data, pushes the last assembled device manifest,
// then checks for updates.
func (o *Orchestrator) FetchMeta(ctx context.Context, token *flowcontrol.Token, deviceData DeviceDataProvider) (UpdateCheckResult, error) {
	o.txnMu.Lock()
	defer o.txnMu.Unlock()
	pending, err := o.deps.Store.PendingInstall(ctx)
	if err != nil {
		return UpdateCheckError, uerrors.Wrap(uerrors.KindInternalError, "", "check pending install", err)
	}
	if pending {
		return UpdateCheckError, uerrors.New(uerrors.KindInternalError, "", "fetchMeta: install pending reboot")
	}

	if err := o.reportChangedDeviceData(ctx, deviceData); err != nil {
		return UpdateCheckError, err
	}

	if o.deps.Manifests != nil {
		if raw, err := o.deps.Store.LatestManifest(ctx, o.deps.PrimaryEcu); err == nil && raw != nil {
			_ = o.deps.Manifests.PushManifest(ctx, raw)
		}
	}

	return o.CheckUpdates(ctx, token)
}

type dataKindFn struct {
	kind store.DataHashKind
	fn   func(context.Context) ([]byte, error)
}

// reportChangedDeviceData uploads hardware-info, network-info, installed
// packages, and configuration only when their content hash has changed
// since the last successful report.
func (o *Orchestrator) reportChangedDeviceData(ctx context.Context, d DeviceDataProvider) error {
	if d == nil {
		return nil
	}
	kinds := []dataKindFn{
		{store.DataHashHardwareInfo, d.HardwareInfo},
		{store.DataHashInstalledPackages, d.InstalledPackages},
	}
	if o.deps.Cfg.ReportNetwork {
		kinds = append(kinds, dataKindFn{store.DataHashNetworkInfo, d.NetworkInfo})
	}
	if o.deps.Cfg.ReportConfig {
		kinds = append(kinds, dataKindFn{store.DataHashConfiguration, d.Configuration})
	}

	for _, k := range kinds {
		payload, err := k.fn(ctx)
		if err != nil {
			return uerrors.Wrap(uerrors.KindInternalError, "", "collect device data", err)
		}
		sum := sha256.Sum256(payload)
		digest := hex.EncodeToString(sum[:])

		previous, err := o.deps.Store.DataHash(ctx, k.kind)
		if err != nil {
			return uerrors.Wrap(uerrors.KindInternalError, "", "load data hash", err)
		}
		if previous == digest {
			continue
		}
		if d.Upload != nil {
			if err := d.Upload(ctx, k.kind, payload); err != nil {
				// Upload failures don't abort the cycle; retried next
				// time since the stored hash is only updated on success.
				continue
			}
		}
		if err := o.deps.Store.SetDataHash(ctx, k.kind, digest); err != nil {
			return uerrors.Wrap(uerrors.KindInternalError, "", "persist data hash", err)
		}
	}
	return nil
}

// CheckUpdates runs one uptane iteration: Director updateMeta,
// diff new targets per ECU, and (only if the diff is non-empty) Image
// updateMeta, then resolves/validates every new target.
func (o *Orchestrator) CheckUpdates(ctx context.Context, token *flowcontrol.Token) (UpdateCheckResult, error) {
	director, err := o.deps.Director.UpdateMeta(ctx, token)
	if err != nil {
		return UpdateCheckError, err
	}

	newTargets, err := o.diffAgainstInstalled(ctx, director.Targets.Targets)
	if err != nil {
		return UpdateCheckError, err
	}
	if len(newTargets) == 0 {
		o.pending = nil
		return NoUpdatesAvailable, nil
	}

	image, err := o.deps.Image.UpdateMeta(ctx, token)
	if err != nil {
		return UpdateCheckError, err
	}

	resolved, err := o.resolveAndValidateTargets(ctx, image, newTargets, token)
	if err != nil {
		return UpdateCheckError, err
	}
	o.pending = resolved
	return UpdatesAvailable, nil
}

// diffAgainstInstalled returns the subset of directorTargets whose filename
// or hash differs from the ECU's current installed version.
func (o *Orchestrator) diffAgainstInstalled(ctx context.Context, directorTargets []model.Target) ([]model.Target, error) {
	var out []model.Target
	for _, t := range directorTargets {
		for ecu := range t.Ecus {
			current, err := o.deps.Store.CurrentInstalledVersion(ctx, ecu)
			if err != nil {
				return nil, uerrors.Wrap(uerrors.KindInternalError, "", "load current installed version", err)
			}
			if current == nil || current.Filename != t.Filename || !model.MatchHashes(current.Hashes, t.Hashes) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// resolveAndValidateTargets runs per-target validation: resolve in the Image delegation tree, inherit a
// missing URL, forward rauc custom data, reject non-OSTree Primary targets
// when the package manager is OSTree, and reject unknown/mismatched ECUs.
func (o *Orchestrator) resolveAndValidateTargets(ctx context.Context, image *verify.ImageState, directorTargets []model.Target, token *flowcontrol.Token) ([]model.Target, error) {
	out := make([]model.Target, 0, len(directorTargets))
	for _, dt := range directorTargets {
		imgTarget, err := o.deps.Image.ResolveTarget(ctx, image.Root, image.Targets, dt.Filename, token)
		if err != nil {
			return nil, err
		}

		resolved := dt
		if resolved.URI() == "" {
			resolved = resolved.WithURI(imgTarget.URI())
		}
		if rauc, ok := imgTarget.RaucCustom(); ok {
			resolved = resolved.WithRaucCustom(rauc)
		}

		for ecu, hwid := range resolved.Ecus {
			if ecu == o.deps.PrimaryEcu {
				if o.isOstreePrimary() && !looksLikeOstreeTarget(resolved) {
					return nil, uerrors.New(uerrors.KindInvalidTarget, "Targets", "non-ostree target for ostree primary")
				}
				continue
			}
			handle, ok := o.deps.Secondaries[ecu]
			if !ok {
				return nil, uerrors.New(uerrors.KindBadEcuID, "Targets", "unknown ecu "+string(ecu))
			}
			if handle.HardwareID != hwid {
				return nil, uerrors.New(uerrors.KindBadHardwareID, "Targets", "hardware id mismatch for ecu "+string(ecu))
			}
		}
		out = append(out, resolved)
	}
	return out, nil
}

func looksLikeOstreeTarget(t model.Target) bool {
	if t.Custom == nil {
		return false
	}
	_, ok := t.Custom["ostree"]
	return ok
}

func (o *Orchestrator) isOstreePrimary() bool {
	return o.deps.Primary != nil && o.deps.Primary.Name() == "ostree"
}

// reportEvent builds and enqueues a ReportEvent.
func (o *Orchestrator) reportEvent(ctx context.Context, typ model.ReportEventType, correlationID string, ecu model.EcuSerial, success *bool) {
	if o.deps.Reports == nil {
		return
	}
	evt := model.ReportEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Version:    2,
		DeviceTime: o.deps.clock().Now(),
		Custom: model.ReportEventCustom{
			CorrelationID: correlationID,
			Ecu:           ecu,
			Success:       success,
		},
	}
	_ = o.deps.Reports.Enqueue(ctx, evt)
}
