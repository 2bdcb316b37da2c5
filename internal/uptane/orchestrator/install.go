package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/netutil"
	"github.com/R3E-Network/uptane-agent/internal/uptane/secondary"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

// DownloadDir is where DefaultFetchOne/targetPath stage downloaded images
// before they're streamed to the Primary installer or a Secondary.
var DownloadDir = "/var/sota/downloads"

func targetPath(t model.Target) string {
	return filepath.Join(DownloadDir, t.Filename)
}

// ecuResult pairs one ECU's installation outcome with its identity, the
// shape device-result aggregation and per-ECU persistence both need.
type ecuResult struct {
	ecu    model.EcuSerial
	hwid   model.HardwareIdentifier
	result model.InstallationResult
}

// UptaneInstall runs one install transaction: local verification,
// Secondary reachability gating, per-Secondary metadata/firmware/install
// jobs in parallel, Primary install, and device-result aggregation.
func (o *Orchestrator) UptaneInstall(ctx context.Context, correlationID string, token *flowcontrol.Token) (model.InstallationResult, error) {
	o.txnMu.Lock()
	defer o.txnMu.Unlock()
	if err := o.lock.Acquire(); err != nil {
		return model.NewResult(model.CodeInternalError, err.Error()), nil
	}
	defer o.lock.Release()

	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := o.deps.logger().With("correlation_id", correlationID)

	targets := o.pending
	if len(targets) == 0 {
		return model.NewResult(model.CodeGeneralError, "no pending targets"), nil
	}
	log.Infow("install transaction started", "targets", len(targets))

	if err := o.verifyTargetsLocally(ctx, targets); err != nil {
		return model.NewResult(model.CodeVerificationFailed, err.Error()), nil
	}

	addressed := o.addressedSecondaries(targets)
	if err := o.awaitSecondaryReachability(ctx, addressed, token); err != nil {
		return model.NewResult(model.CodeInternalError, "Unreachable Secondary"), nil
	}

	bundle, err := o.buildMetaBundle(ctx, o.deps.Cfg.TufOnly)
	if err != nil {
		return model.NewResult(model.CodeInternalError, err.Error()), nil
	}

	// Metadata delivery is a distinct, transaction-aborting phase: if any
	// addressed Secondary fails root catch-up or putMetadata, the whole
	// transaction fails with VerificationFailed before any firmware is
	// sent or install is attempted.
	metaResults := o.pushSecondaryMetadata(ctx, addressed, bundle, token)
	if failures := failedMetadataPushes(metaResults); len(failures) > 0 {
		log.Warnw("metadata delivery failed", "failures", failures)
		for _, r := range metaResults {
			o.persistEcuResult(ctx, r, correlationID)
		}
		return model.NewResult(model.CodeVerificationFailed, strings.Join(failures, "|")), nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ecuResult
	)
	for ecu, handle := range addressed {
		ecu, handle := ecu, handle
		target := targetForEcu(targets, ecu)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := o.runSecondaryFirmwareInstall(ctx, handle, target, token)
			mu.Lock()
			results = append(results, ecuResult{ecu: ecu, hwid: handle.HardwareID, result: r})
			mu.Unlock()
		}()
	}
	wg.Wait()

	if primaryTarget, ok := findTarget(targets, o.deps.PrimaryEcu); ok {
		r := o.runPrimaryInstall(ctx, primaryTarget)
		results = append(results, ecuResult{ecu: o.deps.PrimaryEcu, result: r})
	}

	for _, r := range results {
		o.persistEcuResult(ctx, r, correlationID)
	}

	device := aggregateDeviceResult(results)
	o.pending = nil

	// Re-assemble the device manifest now that installed versions moved,
	// so the next fetchMeta push carries the new image data.
	o.refreshManifest(ctx, token)

	log.Infow("install transaction finished", "code", device.Code.String(), "description", device.Description)
	return device, nil
}

// verifyTargetsLocally runs PackageManager.VerifyTarget against every
// target the Primary downloaded.
func (o *Orchestrator) verifyTargetsLocally(ctx context.Context, targets []model.Target) error {
	if o.deps.Primary == nil {
		return nil
	}
	for _, t := range targets {
		if !o.needsPrimaryDownload(t) {
			continue
		}
		code, err := o.deps.Primary.VerifyTarget(ctx, t)
		if err != nil {
			return fmt.Errorf("verify %s: %w", t.Filename, err)
		}
		if code != 0 { // pkgmanager.VerifyGood == 0
			return fmt.Errorf("verify %s: %s", t.Filename, code)
		}
	}
	return nil
}

func (o *Orchestrator) addressedSecondaries(targets []model.Target) map[model.EcuSerial]*SecondaryHandle {
	out := make(map[model.EcuSerial]*SecondaryHandle)
	for _, t := range targets {
		for ecu := range t.Ecus {
			if handle, ok := o.deps.Secondaries[ecu]; ok {
				out[ecu] = handle
			}
		}
	}
	return out
}

// reachabilityPollConfig retries GetInfo every 500ms (uncapped retry count,
// bounded instead by the MaxElapsedTime deadline) so awaitSecondaryReachability
// shares netutil's resilience primitive rather than hand-rolling a poll loop.
func reachabilityPollConfig(deadline time.Duration) netutil.RetryConfig {
	return netutil.RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  deadline,
	}
}

// awaitSecondaryReachability polls GetInfo on every addressed Secondary
// until it answers or secondary_preinstall_wait_sec elapses.
func (o *Orchestrator) awaitSecondaryReachability(ctx context.Context, addressed map[model.EcuSerial]*SecondaryHandle, token *flowcontrol.Token) error {
	if len(addressed) == 0 {
		return nil
	}
	deadline := o.deps.Cfg.SecondaryPreinstallWait
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if token != nil {
		var tokenCancel context.CancelFunc
		timeoutCtx, tokenCancel = token.Context(timeoutCtx)
		defer tokenCancel()
	}

	// One shared limiter paces GetInfo probes across all addressed
	// Secondaries so a large ECU set doesn't stampede the vehicle bus.
	probeLimiter := rate.NewLimiter(rate.Every(500*time.Millisecond), len(addressed))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []model.EcuSerial
	)
	for ecu, handle := range addressed {
		ecu, handle := ecu, handle
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := netutil.Retry(timeoutCtx, reachabilityPollConfig(deadline), func() error {
				if err := probeLimiter.Wait(timeoutCtx); err != nil {
					return err
				}
				_, err := handle.Link.GetInfo(timeoutCtx, token)
				return err
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, ecu)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		return uerrors.New(uerrors.KindInternalError, "", "unreachable secondary")
	}
	return nil
}

// buildMetaBundle assembles the current metadata bundle for a Secondary:
// Director root+targets (skipped in tufOnly mode) plus Image
// root+timestamp+snapshot+targets.
func (o *Orchestrator) buildMetaBundle(ctx context.Context, tufOnly bool) (model.MetaBundle, error) {
	bundle := model.MetaBundle{}
	add := func(repo model.Repo, role model.RoleKind) error {
		if role == model.RoleRoot {
			rec, err := o.deps.Store.LatestRoot(ctx, repo)
			if err != nil {
				return err
			}
			if rec != nil {
				bundle[model.BundleKey{Repo: repo, Role: role}] = rec.Raw
			}
			return nil
		}
		rec, err := o.deps.Store.LatestRole(ctx, repo, role)
		if err != nil {
			return err
		}
		if rec != nil {
			bundle[model.BundleKey{Repo: repo, Role: role}] = rec.Raw
		}
		return nil
	}

	if !tufOnly {
		if err := add(model.RepoDirector, model.RoleRoot); err != nil {
			return nil, err
		}
		if err := add(model.RepoDirector, model.RoleTargets); err != nil {
			return nil, err
		}
	}
	for _, role := range []model.RoleKind{model.RoleRoot, model.RoleTimestamp, model.RoleSnapshot, model.RoleTargets} {
		if err := add(model.RepoImage, role); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// pushSecondaryMetadata runs root-rotation catch-up plus putMetadata against
// every addressed Secondary in parallel and returns one ecuResult per ECU.
// Metadata delivery is transaction-aborting: a failure here must not be downgraded into the same
// bucket as a firmware/install failure.
func (o *Orchestrator) pushSecondaryMetadata(ctx context.Context, addressed map[model.EcuSerial]*SecondaryHandle, bundle model.MetaBundle, token *flowcontrol.Token) []ecuResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ecuResult
	)
	for ecu, handle := range addressed {
		ecu, handle := ecu, handle
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := o.pushOneSecondaryMetadata(ctx, handle, bundle, token)
			mu.Lock()
			results = append(results, ecuResult{ecu: ecu, hwid: handle.HardwareID, result: r})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// failedMetadataPushes returns the "hwid:CODE" entries for every
// non-CodeOk metadata push, the compound-code format a
// whole-transaction VerificationFailed abort carries.
func failedMetadataPushes(results []ecuResult) []string {
	var failures []string
	for _, r := range results {
		if r.result.Code != model.CodeOk {
			failures = append(failures, fmt.Sprintf("%s:%s", r.ecu, r.result.Code))
		}
	}
	return failures
}

func (o *Orchestrator) pushOneSecondaryMetadata(ctx context.Context, handle *SecondaryHandle, bundle model.MetaBundle, token *flowcontrol.Token) model.InstallationResult {
	if handle == nil || handle.Link == nil {
		return model.NewResult(model.CodeVerificationFailed, "no link for secondary")
	}

	fetchRoot := func(repo model.Repo) func(int64) ([]byte, error) {
		return func(version int64) ([]byte, error) {
			rec, err := o.deps.Store.LatestRoot(ctx, repo)
			if err != nil || rec == nil {
				return nil, fmt.Errorf("no stored root for catch-up")
			}
			return rec.Raw, nil
		}
	}
	if latest, err := o.deps.Store.LatestRoot(ctx, model.RepoDirector); err == nil && latest != nil && !o.deps.Cfg.TufOnly {
		if err := secondary.RotateRootsCatchUp(ctx, handle.Link, model.RepoDirector, fetchRoot(model.RepoDirector), latest.Version, token); err != nil {
			return model.NewResult(model.CodeVerificationFailed, err.Error())
		}
	}
	if latest, err := o.deps.Store.LatestRoot(ctx, model.RepoImage); err == nil && latest != nil {
		if err := secondary.RotateRootsCatchUp(ctx, handle.Link, model.RepoImage, fetchRoot(model.RepoImage), latest.Version, token); err != nil {
			return model.NewResult(model.CodeVerificationFailed, err.Error())
		}
	}

	if _, err := handle.Link.PutMetadata(ctx, bundle, o.deps.Cfg.TufOnly, token); err != nil {
		return model.NewResult(model.CodeVerificationFailed, err.Error())
	}
	return model.NewResult(model.CodeOk, "")
}

// runSecondaryFirmwareInstall streams firmware to and installs on one
// Secondary, run as an independent cooperatively-cancellable job per
// Secondary, after metadata delivery has already succeeded
// for every addressed Secondary.
func (o *Orchestrator) runSecondaryFirmwareInstall(ctx context.Context, handle *SecondaryHandle, target model.Target, token *flowcontrol.Token) model.InstallationResult {
	if handle == nil || handle.Link == nil {
		return model.NewResult(model.CodeInternalError, "no link for secondary")
	}

	if target.Filename != "" {
		f, err := os.Open(targetPath(target))
		if err != nil {
			return model.NewResult(model.CodeDownloadFailed, err.Error())
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return model.NewResult(model.CodeDownloadFailed, err.Error())
		}
		if code, err := handle.Link.SendFirmware(ctx, f, info.Size(), 0, token); err != nil {
			return resultFromLinkError(err, model.CodeDownloadFailed)
		} else if code != 0 {
			return model.NewResult(model.CodeDownloadFailed, "secondary rejected firmware stream")
		}
	}

	code, err := handle.Link.Install(ctx, token)
	if err != nil {
		return resultFromLinkError(err, model.CodeInstallFailed)
	}
	return model.NewResult(model.InstallationCode(code), "")
}

// resultFromLinkError preserves a cooperative abort as OperationCancelled
// instead of folding it into the phase's failure code, so the device-level
// result reflects that the operator cancelled rather than that the
// Secondary failed.
func resultFromLinkError(err error, fallback model.InstallationCode) model.InstallationResult {
	var uerr *uerrors.Error
	if errors.As(err, &uerr) && uerr.Kind == uerrors.KindOperationCancelled {
		return model.NewResult(model.CodeOperationCancelled, err.Error())
	}
	return model.NewResult(fallback, err.Error())
}

func (o *Orchestrator) runPrimaryInstall(ctx context.Context, target model.Target) model.InstallationResult {
	if o.deps.Primary == nil {
		return model.NewResult(model.CodeInternalError, "no primary package manager configured")
	}
	result, err := o.deps.Primary.Install(ctx, target)
	if err != nil {
		return model.NewResult(model.CodeInstallFailed, err.Error())
	}
	return result
}

func targetForEcu(targets []model.Target, ecu model.EcuSerial) model.Target {
	t, _ := findTarget(targets, ecu)
	return t
}

func findTarget(targets []model.Target, ecu model.EcuSerial) (model.Target, bool) {
	for _, t := range targets {
		if _, ok := t.Ecus[ecu]; ok {
			return t, true
		}
	}
	return model.Target{}, false
}

// persistEcuResult records the installed-version mode transition (Pending
// on NeedCompletion, Current on Ok, None on failure) and
// enqueues the corresponding lifecycle events.
func (o *Orchestrator) persistEcuResult(ctx context.Context, r ecuResult, correlationID string) {
	target, _ := findTarget(o.pending, r.ecu)

	mode := model.ModeNone
	switch {
	case r.result.Code == model.CodeOk:
		mode = model.ModeCurrent
	case r.result.Code == model.CodeNeedCompletion:
		mode = model.ModePending
	}
	_ = o.deps.Store.SetInstalledVersion(ctx, store.InstalledVersionRecord{
		EcuSerial:     r.ecu,
		Filename:      target.Filename,
		Hashes:        target.Hashes,
		Length:        target.Length,
		Mode:          mode,
		CorrelationID: correlationID,
	})
	_ = o.deps.Store.PutEcuInstallationResult(ctx, correlationID, r.ecu, r.result)

	success := r.result.Success()
	if r.result.Code == model.CodeNeedCompletion {
		_ = o.deps.Store.SetPendingInstall(ctx, true)
		o.reportEvent(ctx, model.EventEcuInstallationApplied, correlationID, r.ecu, &success)
		return
	}
	o.reportEvent(ctx, model.EventEcuInstallationCompleted, correlationID, r.ecu, &success)
}

// aggregateDeviceResult combines per-ECU outcomes into one device-level
// InstallationResult: all Ok -> Ok, any NeedCompletion (none failed) ->
// NeedCompletion, any failure -> a compound "hw1:CODE1|hw2:CODE2"
// description.
func aggregateDeviceResult(results []ecuResult) model.InstallationResult {
	if len(results) == 0 {
		return model.NewResult(model.CodeGeneralError, "no ecus addressed")
	}

	var (
		failures        []string
		failureCode     model.InstallationCode
		mixedFailures   bool
		needsCompletion bool
	)
	for _, r := range results {
		switch {
		case r.result.Code == model.CodeOk:
		case r.result.Code == model.CodeNeedCompletion:
			needsCompletion = true
		default:
			if len(failures) == 0 {
				failureCode = r.result.Code
			} else if r.result.Code != failureCode {
				mixedFailures = true
			}
			failures = append(failures, fmt.Sprintf("%s:%s", r.ecu, r.result.Code))
		}
	}
	if len(failures) > 0 {
		// A uniform failure keeps its specific code (one Secondary's
		// DownloadFailed or a cancelled transaction surfaces as such);
		// heterogeneous failures collapse to InstallFailed.
		code := failureCode
		if mixedFailures {
			code = model.CodeInstallFailed
		}
		return model.NewResult(code, strings.Join(failures, "|"))
	}
	if needsCompletion {
		return model.NewResult(model.CodeNeedCompletion, "")
	}
	return model.NewResult(model.CodeOk, "")
}
