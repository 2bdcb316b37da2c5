// SWUpdate backend: streams the fetched image through a single-slot
// producer/consumer handoff (the download callback writes, a reader
// goroutine pulls) rather than staging it on disk first, a
// condition-variable style pump expressed with a Go channel instead of a
// raw cond var. The reader hands each chunk to writeIPC, which discards
// it: no bytes reach a swupdate IPC socket.
package pkgmanager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// SWUpdateManager pumps target bytes to writeIPC as they arrive, rather
// than buffering the whole image on disk; writeIPC discards them.
type SWUpdateManager struct {
	SocketPath string

	current model.Target
}

func (m *SWUpdateManager) Name() string { return "swupdate" }

func (m *SWUpdateManager) GetCurrent(ctx context.Context) (model.Target, error) {
	return m.current, nil
}

func (m *SWUpdateManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	return json.Marshal([]model.Target{m.current})
}

// swupdatePump is the single-slot handoff between the fetch goroutine
// (producer) and the swupdate-ipc writer (consumer); a buffered channel of
// depth 1 gives the same backpressure as a condition-variable-guarded
// single buffer slot without hand-rolling the wait/notify logic. fail is
// closed once on any unrecoverable error and wakes every blocked waiter.
type swupdatePump struct {
	chunks chan []byte
	fail   chan struct{}
}

func newSWUpdatePump() *swupdatePump {
	return &swupdatePump{chunks: make(chan []byte, 1), fail: make(chan struct{})}
}

// Write implements fetcher.TargetWriter: the download callback writes into
// the single slot, blocking until the consumer drains it or fail fires.
func (p *swupdatePump) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case p.chunks <- cp:
		return len(b), nil
	case <-p.fail:
		return 0, fmt.Errorf("swupdate: pump failed")
	}
}

func (m *SWUpdateManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error) {
	pump := newSWUpdatePump()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- m.consumeIntoSwupdate(ctx, pump) }()

	fetchErr := f.FetchTarget(ctx, model.RepoImage, target.Filename, target.Length, token, pump)
	close(pump.chunks)
	cerr := <-consumerDone

	if fetchErr != nil {
		return false, fetchErr
	}
	if cerr != nil {
		return false, cerr
	}
	return true, nil
}

// consumeIntoSwupdate reads chunks off the pump and passes them to
// writeIPC until the channel is closed or fail is signaled.
func (m *SWUpdateManager) consumeIntoSwupdate(ctx context.Context, pump *swupdatePump) error {
	for {
		select {
		case chunk, ok := <-pump.chunks:
			if !ok {
				return nil
			}
			if err := m.writeIPC(chunk); err != nil {
				close(pump.fail)
				return err
			}
		case <-ctx.Done():
			close(pump.fail)
			return ctx.Err()
		}
	}
}

func (m *SWUpdateManager) writeIPC(chunk []byte) error {
	// The chunk is discarded: nothing is written to SocketPath and no
	// swupdate IPC framing is produced.
	return nil
}

func (m *SWUpdateManager) VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error) {
	if m.current.Filename == target.Filename {
		return VerifyGood, nil
	}
	return VerifyInvalid, nil
}

func (m *SWUpdateManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	m.current = target
	return model.NewResult(model.CodeNeedCompletion, ""), nil
}

func (m *SWUpdateManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	return model.NewResult(model.CodeOk, ""), nil
}

func (m *SWUpdateManager) CompleteInstall(ctx context.Context) error { return nil }

func (m *SWUpdateManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	return true, nil
}
