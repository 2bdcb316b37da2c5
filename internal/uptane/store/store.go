// Package store implements the MetaStore, the single mutable
// process-wide resource every other component writes through (spec's
// shared-resource policy). The interface is kept narrow and table-shaped
// so a sqlite or in-memory backend (internal/uptane/uptest) can satisfy it
// for tests without a live database.
package store

import (
	"context"
	"time"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// RootRecord is one persisted Root metadata version for a repo.
type RootRecord struct {
	Repo      model.Repo
	Version   int64
	Canonical []byte // canonical "signed" bytes, for signature re-derivation
	Raw       []byte // full envelope as received, for audit/replay
}

// RoleRecord is the latest persisted non-Root metadata for a (repo, role).
type RoleRecord struct {
	Repo      model.Repo
	Role      model.RoleKind
	Version   int64
	Canonical []byte
	Raw       []byte
	UpdatedAt time.Time
}

// InstalledVersionRecord is one entry in an ECU's installed-version log.
type InstalledVersionRecord struct {
	EcuSerial  model.EcuSerial
	Filename   string
	Hashes     []model.Hash
	Length     int64
	Mode       model.InstalledVersionMode
	CorrelationID string
	RecordedAt time.Time
}

// EcuInfo is what the store knows about one ECU (Primary or Secondary).
type EcuInfo struct {
	EcuSerial    model.EcuSerial
	HardwareID   model.HardwareIdentifier
	IsPrimary    bool
}

// ReportEventRecord is one queued-for-delivery report event.
type ReportEventRecord struct {
	ID        int64
	Payload   []byte // canonical JSON of model.ReportEvent
	EnqueuedAt time.Time
}

// DataHashKind names one of the "only report if changed" data categories.
type DataHashKind string

const (
	DataHashHardwareInfo       DataHashKind = "hardware_info"
	DataHashNetworkInfo        DataHashKind = "network_info"
	DataHashInstalledPackages  DataHashKind = "installed_packages"
	DataHashConfiguration      DataHashKind = "configuration"
)

// MetaStore is the full persistence surface the rest of the agent depends
// on. Every method takes a context and is expected to be safe for
// concurrent use; a SQL backend satisfies this via transactions scoped to
// each call.
type MetaStore interface {
	// Root chain. A successful rotation persists the new Root and wipes
	// stored non-Root metadata for that repo.
	LatestRoot(ctx context.Context, repo model.Repo) (*RootRecord, error)
	PutRoot(ctx context.Context, rec RootRecord) error
	WipeNonRootMeta(ctx context.Context, repo model.Repo) error

	// Latest non-Root metadata, one row per (repo, role).
	LatestRole(ctx context.Context, repo model.Repo, role model.RoleKind) (*RoleRecord, error)
	PutRole(ctx context.Context, rec RoleRecord) error

	// Pending-install flag: set while an install transaction that requires
	// a reboot is outstanding; fetchMeta() gates on this being clear.
	PendingInstall(ctx context.Context) (bool, error)
	SetPendingInstall(ctx context.Context, pending bool) error

	// Installed-version log. At most one Pending and one Current entry
	// may exist per ECU at a time; callers enforce this by calling
	// SetInstalledVersion, never inserting directly.
	SetInstalledVersion(ctx context.Context, rec InstalledVersionRecord) error
	CurrentInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*InstalledVersionRecord, error)
	PendingInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*InstalledVersionRecord, error)

	// Device/ECU registry.
	ListEcus(ctx context.Context) ([]EcuInfo, error)
	PutEcu(ctx context.Context, info EcuInfo) error
	DeleteEcu(ctx context.Context, serial model.EcuSerial) error

	// Report queue: durable FIFO, oldest first.
	EnqueueReport(ctx context.Context, payload []byte) (int64, error)
	PeekReports(ctx context.Context, limit int) ([]ReportEventRecord, error)
	DeleteReports(ctx context.Context, ids []int64) error
	CountReports(ctx context.Context) (int, error)

	// Secondary manifest cache, read by the Director-facing manifest
	// upload step.
	PutManifest(ctx context.Context, ecu model.EcuSerial, manifest []byte) error
	LatestManifest(ctx context.Context, ecu model.EcuSerial) ([]byte, error)

	// ECU-installation-results indexed by correlation-id, joined into a
	// single device manifest report by the orchestrator.
	PutEcuInstallationResult(ctx context.Context, correlationID string, ecu model.EcuSerial, result model.InstallationResult) error
	EcuInstallationResults(ctx context.Context, correlationID string) (map[model.EcuSerial]model.InstallationResult, error)

	// Data-hash registry backing the "only report if changed" rule.
	DataHash(ctx context.Context, kind DataHashKind) (string, error)
	SetDataHash(ctx context.Context, kind DataHashKind, sha256Hex string) error

	// Close releases underlying resources (DB connections).
	Close() error
}
