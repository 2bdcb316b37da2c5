package orchestrator

import (
	"context"
	"fmt"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/netutil"
	"github.com/R3E-Network/uptane-agent/internal/uptane/pkgmanager"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

// downloadBreaker trips the image-repo download path after repeated
// failures, shared across every DownloadImages call.
var downloadBreaker = netutil.NewBreaker("image-download")

// DownloadResult is one target's download outcome.
type DownloadResult struct {
	Target model.Target
	Ok     bool
	Err    error
}

// DownloadImages fetches every Primary-bound target (and any Secondary
// target whose package manager is not OSTree, since OSTree Secondaries
// pull their own deltas) into local storage, retrying each up to three
// times with the fixed backoff schedule, reporting EcuDownloadStarted and
// EcuDownloadCompleted for every attempted target.
func (o *Orchestrator) DownloadImages(ctx context.Context, correlationID string, fetchOne func(context.Context, model.Target, pkgmanager.ProgressFunc, *flowcontrol.Token) error, token *flowcontrol.Token) ([]DownloadResult, error) {
	o.txnMu.Lock()
	defer o.txnMu.Unlock()
	if err := o.lock.Acquire(); err != nil {
		return nil, uerrors.Wrap(uerrors.KindInternalError, "", "acquire update lock", err)
	}
	defer o.lock.Release()

	if _, err := o.deps.Director.CheckMetaOffline(ctx); err != nil {
		return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "", "checkUpdatesOffline: director", err)
	}
	if !o.deps.Cfg.TufOnly {
		if _, err := o.deps.Image.CheckMetaOffline(ctx); err != nil {
			return nil, uerrors.Wrap(uerrors.KindInvalidMetadata, "", "checkUpdatesOffline: image", err)
		}
	}

	results := make([]DownloadResult, 0, len(o.pending))
	for _, t := range o.pending {
		if !o.needsPrimaryDownload(t) {
			results = append(results, DownloadResult{Target: t, Ok: true})
			continue
		}

		o.reportEvent(ctx, model.EventEcuDownloadStarted, correlationID, o.deps.PrimaryEcu, nil)

		lastErr := downloadOneWithRetry(ctx, t, fetchOne, token)
		success := lastErr == nil
		if !success {
			o.deps.logger().Warnw("target download failed",
				"correlation_id", correlationID, "filename", t.Filename, "error", lastErr)
		}

		ok := boolPtr(success)
		o.reportEvent(ctx, model.EventEcuDownloadCompleted, correlationID, o.deps.PrimaryEcu, ok)
		results = append(results, DownloadResult{Target: t, Ok: success, Err: lastErr})
	}
	return results, nil
}

// needsPrimaryDownload reports whether target must be streamed through the
// Primary's own package manager: every target except ones assigned solely
// to an OSTree-backed Secondary, which fetches its own delta out of band.
func (o *Orchestrator) needsPrimaryDownload(t model.Target) bool {
	if _, isPrimary := t.Ecus[o.deps.PrimaryEcu]; isPrimary {
		return true
	}
	for ecu := range t.Ecus {
		handle, ok := o.deps.Secondaries[ecu]
		if !ok {
			continue
		}
		if !looksLikeOstreeTarget(t) || handle == nil {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

// downloadOneWithRetry runs fetchOne through netutil's exponential-backoff
// retry and per-upstream circuit breaker (one attempt plus up to three
// retries, waiting 500ms, 1s and 2s between them), cancelling retries the
// moment token is aborted.
func downloadOneWithRetry(ctx context.Context, t model.Target, fetchOne func(context.Context, model.Target, pkgmanager.ProgressFunc, *flowcontrol.Token) error, token *flowcontrol.Token) error {
	runCtx := ctx
	if token != nil {
		var cancel context.CancelFunc
		runCtx, cancel = token.Context(ctx)
		defer cancel()
	}
	return netutil.Retry(runCtx, netutil.DefaultRetryConfig(), func() error {
		if token != nil {
			if err := token.CheckContext(ctx); err != nil {
				return err
			}
		}
		_, err := downloadBreaker.Do(func() (interface{}, error) {
			return nil, fetchOne(ctx, t, nil, token)
		})
		return err
	})
}

// DefaultFetchOne adapts the Primary package manager's FetchTarget into the
// fetchOne shape DownloadImages expects, pulling bytes through the image
// repo fetcher and verifying against the target's declared hashes.
func (o *Orchestrator) DefaultFetchOne(ctx context.Context, t model.Target, progress pkgmanager.ProgressFunc, token *flowcontrol.Token) error {
	if o.deps.Primary == nil {
		return fmt.Errorf("orchestrator: no primary package manager configured")
	}
	ok, err := o.deps.Primary.FetchTarget(ctx, t, o.deps.Image.Deps.Fetcher, nil, progress, token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("orchestrator: verification failed for %s", t.Filename)
	}
	return nil
}
