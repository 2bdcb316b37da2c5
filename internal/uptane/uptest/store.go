// Package uptest collects in-memory test doubles for every interface the
// agent depends on (MetaStore, MetadataFetcher, PackageManager, Poster),
// each a
// mutex-protected struct recording every call, with Set* configuration
// hooks and Assert* helpers for tests that want to check call shape rather
// than just return values.
package uptest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
)

// Store is an in-memory store.MetaStore, safe for concurrent use.
type Store struct {
	mu sync.Mutex

	roots    map[model.Repo]store.RootRecord
	roles    map[roleKey]store.RoleRecord
	pending  bool
	current  map[model.EcuSerial]store.InstalledVersionRecord
	pendingV map[model.EcuSerial]store.InstalledVersionRecord
	ecus     map[model.EcuSerial]store.EcuInfo
	reports  []store.ReportEventRecord
	nextID   int64
	manifest map[model.EcuSerial][]byte
	results  map[string]map[model.EcuSerial]model.InstallationResult
	hashes   map[store.DataHashKind]string

	ClosedCalls int
}

type roleKey struct {
	repo model.Repo
	role model.RoleKind
}

var _ store.MetaStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		roots:    make(map[model.Repo]store.RootRecord),
		roles:    make(map[roleKey]store.RoleRecord),
		current:  make(map[model.EcuSerial]store.InstalledVersionRecord),
		pendingV: make(map[model.EcuSerial]store.InstalledVersionRecord),
		ecus:     make(map[model.EcuSerial]store.EcuInfo),
		manifest: make(map[model.EcuSerial][]byte),
		results:  make(map[string]map[model.EcuSerial]model.InstallationResult),
		hashes:   make(map[store.DataHashKind]string),
	}
}

func (s *Store) LatestRoot(ctx context.Context, repo model.Repo) (*store.RootRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roots[repo]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) PutRoot(ctx context.Context, rec store.RootRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[rec.Repo] = rec
	return nil
}

func (s *Store) WipeNonRootMeta(ctx context.Context, repo model.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.roles {
		if k.repo == repo {
			delete(s.roles, k)
		}
	}
	return nil
}

func (s *Store) LatestRole(ctx context.Context, repo model.Repo, role model.RoleKind) (*store.RoleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleKey{repo, role}]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) PutRole(ctx context.Context, rec store.RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[roleKey{rec.Repo, rec.Role}] = rec
	return nil
}

func (s *Store) PendingInstall(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *Store) SetPendingInstall(ctx context.Context, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pending
	return nil
}

func (s *Store) SetInstalledVersion(ctx context.Context, rec store.InstalledVersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec.Mode {
	case model.ModeCurrent:
		s.current[rec.EcuSerial] = rec
		delete(s.pendingV, rec.EcuSerial)
	case model.ModePending:
		s.pendingV[rec.EcuSerial] = rec
	case model.ModeNone:
		delete(s.pendingV, rec.EcuSerial)
	}
	return nil
}

func (s *Store) CurrentInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*store.InstalledVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.current[ecu]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) PendingInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*store.InstalledVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pendingV[ecu]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *Store) ListEcus(ctx context.Context) ([]store.EcuInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.EcuInfo, 0, len(s.ecus))
	for _, e := range s.ecus {
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) PutEcu(ctx context.Context, info store.EcuInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ecus[info.EcuSerial] = info
	return nil
}

func (s *Store) DeleteEcu(ctx context.Context, serial model.EcuSerial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ecus, serial)
	return nil
}

func (s *Store) EnqueueReport(ctx context.Context, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.reports = append(s.reports, store.ReportEventRecord{ID: s.nextID, Payload: payload})
	return s.nextID, nil
}

func (s *Store) PeekReports(ctx context.Context, limit int) ([]store.ReportEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.reports) {
		limit = len(s.reports)
	}
	out := make([]store.ReportEventRecord, limit)
	copy(out, s.reports[:limit])
	return out, nil
}

func (s *Store) DeleteReports(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	kept := s.reports[:0]
	for _, r := range s.reports {
		if !want[r.ID] {
			kept = append(kept, r)
		}
	}
	s.reports = kept
	return nil
}

func (s *Store) CountReports(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports), nil
}

func (s *Store) PutManifest(ctx context.Context, ecu model.EcuSerial, manifest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest[ecu] = append([]byte(nil), manifest...)
	return nil
}

func (s *Store) LatestManifest(ctx context.Context, ecu model.EcuSerial) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest[ecu], nil
}

func (s *Store) PutEcuInstallationResult(ctx context.Context, correlationID string, ecu model.EcuSerial, result model.InstallationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[correlationID] == nil {
		s.results[correlationID] = make(map[model.EcuSerial]model.InstallationResult)
	}
	s.results[correlationID][ecu] = result
	return nil
}

func (s *Store) EcuInstallationResults(ctx context.Context, correlationID string) (map[model.EcuSerial]model.InstallationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.EcuSerial]model.InstallationResult, len(s.results[correlationID]))
	for k, v := range s.results[correlationID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) DataHash(ctx context.Context, kind store.DataHashKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[kind], nil
}

func (s *Store) SetDataHash(ctx context.Context, kind store.DataHashKind, sha256Hex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[kind] = sha256Hex
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClosedCalls++
	return nil
}

// AssertEcuRegistered fails t if serial is not present in the ECU registry.
func (s *Store) AssertEcuRegistered(t *testing.T, serial model.EcuSerial) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ecus[serial]; !ok {
		t.Errorf("expected ECU %q to be registered, but it was not", serial)
	}
}

// AssertReportQueueDepth fails t if the report queue's length != n.
func (s *Store) AssertReportQueueDepth(t *testing.T, n int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) != n {
		t.Errorf("expected %d queued reports, got %d", n, len(s.reports))
	}
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("uptest.Store{ecus=%d reports=%d pending=%v}", len(s.ecus), len(s.reports), s.pending)
}
