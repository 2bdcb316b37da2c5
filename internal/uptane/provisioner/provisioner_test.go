package provisioner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uptest"
)

func writeDummyCreds(t *testing.T, dir string) (cert, key, ca string) {
	t.Helper()
	cert = filepath.Join(dir, "client.pem")
	key = filepath.Join(dir, "pkey.pem")
	ca = filepath.Join(dir, "root.pem")
	for _, p := range []string{cert, key, ca} {
		require.NoError(t, os.WriteFile(p, []byte("dummy"), 0o600))
	}
	return cert, key, ca
}

func newTestProvisioner(t *testing.T, directorURL string) (*Provisioner, *uptest.Store) {
	t.Helper()
	dir := t.TempDir()
	cert, key, ca := writeDummyCreds(t, dir)
	st := uptest.NewStore()
	p := New(Deps{Store: st}, Config{
		Mode:              "device-cred",
		ArchivePath:       filepath.Join(dir, "archive.json"),
		PrimaryECUSerial:  "primary-1",
		PrimaryHardwareID: "hw-primary",
		DirectorURL:       directorURL,
		CertPath:          cert,
		KeyPath:           key,
		CAPath:            ca,
	})
	return p, st
}

func TestProvisionerAttemptRegistersNewEcuSet(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/ecus", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, st := newTestProvisioner(t, srv.URL)
	secondaries := []Secondary{{EcuSerial: "sec-1", HardwareID: "hw-sec"}}

	state, err := p.Attempt(context.Background(), secondaries)
	require.NoError(t, err)
	require.Equal(t, Ok, state)
	require.Equal(t, 1, calls)

	ecus, err := st.ListEcus(context.Background())
	require.NoError(t, err)
	require.Len(t, ecus, 2)
}

func TestProvisionerAttemptNoopWhenEcuSetUnchanged(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, st := newTestProvisioner(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, st.PutEcu(ctx, store.EcuInfo{EcuSerial: "primary-1", HardwareID: "hw-primary", IsPrimary: true}))
	require.NoError(t, st.PutEcu(ctx, store.EcuInfo{EcuSerial: "sec-1", HardwareID: "hw-sec"}))

	state, err := p.Attempt(ctx, []Secondary{{EcuSerial: "sec-1", HardwareID: "hw-sec"}})
	require.NoError(t, err)
	require.Equal(t, Ok, state)
	require.Equal(t, 0, calls, "unchanged ecu set must not trigger re-registration")
}

func TestProvisionerAttemptRetriesOnConflictWithRegeneratedID(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := newTestProvisioner(t, srv.URL)
	state, err := p.Attempt(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, Ok, state)
	require.Equal(t, 2, calls)
}

func TestProvisionerAttemptDeviceCredMissingFilesErrors(t *testing.T) {
	dir := t.TempDir()
	st := uptest.NewStore()
	p := New(Deps{Store: st}, Config{
		Mode:              "device-cred",
		ArchivePath:       filepath.Join(dir, "archive.json"),
		PrimaryECUSerial:  "primary-1",
		PrimaryHardwareID: "hw-primary",
		CertPath:          filepath.Join(dir, "missing-cert.pem"),
		KeyPath:           filepath.Join(dir, "missing-key.pem"),
		CAPath:            filepath.Join(dir, "missing-ca.pem"),
	})

	_, err := p.Attempt(context.Background(), nil)
	require.Error(t, err)
}
