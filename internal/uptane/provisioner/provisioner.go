// Package provisioner implements lazy, idempotent establishment of
// device-id, TLS credentials, the ECU serial table, and ECU registration
// with the backend. The ECU-registration POST runs through a netutil
// circuit breaker without retry, and software.sslmate.com/src/go-pkcs12
// splits the shared-cred provisioning response into ca/cert/key material.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/netutil"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
)

// registrationBreaker guards the ECU-registration POST against a backend
// that's down or rejecting every attempt.
var registrationBreaker = netutil.NewBreaker("ecu-registration")

// State is Provisioner.Attempt's idempotent outcome. There is no
// permanent-failure state: a failed attempt is always retryable.
type State int

const (
	Unknown State = iota
	Ok
	TemporaryError
)

func (s State) String() string {
	switch s {
	case Ok:
		return "ok"
	case TemporaryError:
		return "temporary_error"
	default:
		return "unknown"
	}
}

// Secondary is one Secondary ECU's static identity, supplied by whatever
// enumerates attached Secondaries; registration sends every Secondary's
// {hardware_identifier, ecu_serial, clientKey}.
type Secondary struct {
	EcuSerial  model.EcuSerial
	HardwareID model.HardwareIdentifier
	PublicKey  model.PublicKey
}

// Config carries the subset of config.ProvisioningConfig/config.UptaneConfig
// the Provisioner reads.
type Config struct {
	Mode              string // "shared-cred" | "device-cred"
	ArchivePath       string
	PrimaryECUSerial  string
	PrimaryHardwareID string
	DirectorURL       string
	TLSServerURL      string
	CertPath          string
	KeyPath           string
	CAPath            string
}

// Deps bundles the Provisioner's collaborators.
type Deps struct {
	Store      store.MetaStore
	HTTPClient *http.Client
	Hostname   func() (string, error)
}

// Provisioner runs the Attempt() state machine.
type Provisioner struct {
	deps Deps
	cfg  Config
}

// New builds a Provisioner.
func New(deps Deps, cfg Config) *Provisioner {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Hostname == nil {
		deps.Hostname = os.Hostname
	}
	return &Provisioner{deps: deps, cfg: cfg}
}

// Attempt runs one provisioning pass: primary identity derivation, TLS
// credential establishment, and ECU registration, in order. It is safe to
// call repeatedly — re-running after success is a no-op that returns Ok.
func (p *Provisioner) Attempt(ctx context.Context, secondaries []Secondary) (State, error) {
	primaryEcu, primaryKey, err := p.derivePrimaryEcuSerial(ctx)
	if err != nil {
		return TemporaryError, fmt.Errorf("provisioner: derive primary ecu serial: %w", err)
	}
	primaryHwID, err := p.derivePrimaryHardwareID(ctx)
	if err != nil {
		return TemporaryError, fmt.Errorf("provisioner: derive primary hardware id: %w", err)
	}

	if err := p.establishTLSCredentials(ctx); err != nil {
		return TemporaryError, fmt.Errorf("provisioner: establish tls credentials: %w", err)
	}

	changed, err := p.ecuSetChanged(ctx, primaryEcu, primaryHwID, secondaries)
	if err != nil {
		return TemporaryError, fmt.Errorf("provisioner: diff ecu set: %w", err)
	}
	if !changed {
		return Ok, nil
	}

	if err := p.registerEcus(ctx, primaryEcu, primaryHwID, primaryKey, secondaries); err != nil {
		return TemporaryError, fmt.Errorf("provisioner: register ecus: %w", err)
	}

	if err := p.deps.Store.PutEcu(ctx, store.EcuInfo{EcuSerial: primaryEcu, HardwareID: primaryHwID, IsPrimary: true}); err != nil {
		return TemporaryError, err
	}
	for _, s := range secondaries {
		if err := p.deps.Store.PutEcu(ctx, store.EcuInfo{EcuSerial: s.EcuSerial, HardwareID: s.HardwareID}); err != nil {
			return TemporaryError, err
		}
	}

	return Ok, nil
}

// derivePrimaryEcuSerial returns the configured serial, or (if empty) the
// key-id of a lazily-generated Uptane signing keypair.
func (p *Provisioner) derivePrimaryEcuSerial(ctx context.Context) (model.EcuSerial, *keyring.KeyPair, error) {
	kp, err := p.loadOrGeneratePrimaryKey(ctx)
	if err != nil {
		return "", nil, err
	}
	if p.cfg.PrimaryECUSerial != "" {
		return model.EcuSerial(p.cfg.PrimaryECUSerial), kp, nil
	}
	keyID, err := kp.Public.KeyID()
	if err != nil {
		return "", nil, fmt.Errorf("derive key id: %w", err)
	}
	return model.EcuSerial(keyID), kp, nil
}

// derivePrimaryHardwareID returns the configured hardware-id, or the
// machine's hostname if unset.
func (p *Provisioner) derivePrimaryHardwareID(ctx context.Context) (model.HardwareIdentifier, error) {
	if p.cfg.PrimaryHardwareID != "" {
		return model.HardwareIdentifier(p.cfg.PrimaryHardwareID), nil
	}
	host, err := p.deps.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return model.HardwareIdentifier(host), nil
}

// ecuSetChanged diffs the desired ECU set against what's stored; only a
// changed set triggers re-registration.
func (p *Provisioner) ecuSetChanged(ctx context.Context, primaryEcu model.EcuSerial, primaryHwID model.HardwareIdentifier, secondaries []Secondary) (bool, error) {
	stored, err := p.deps.Store.ListEcus(ctx)
	if err != nil {
		return false, err
	}
	want := map[model.EcuSerial]model.HardwareIdentifier{primaryEcu: primaryHwID}
	for _, s := range secondaries {
		want[s.EcuSerial] = s.HardwareID
	}
	have := make(map[model.EcuSerial]model.HardwareIdentifier, len(stored))
	for _, e := range stored {
		have[e.EcuSerial] = e.HardwareID
	}
	if len(want) != len(have) {
		return true, nil
	}
	for ecu, hwid := range want {
		if have[ecu] != hwid {
			return true, nil
		}
	}
	return false, nil
}

type ecuRegistration struct {
	HardwareIdentifier string          `json:"hardware_identifier"`
	EcuSerial          string          `json:"ecu_serial"`
	ClientKey          model.PublicKey `json:"clientKey"`
}

// registerEcus POSTs the full ECU set to <director>/ecus. If the backend
// reports the device already exists with the same id, the id is
// regenerated and the attempt retried once.
func (p *Provisioner) registerEcus(ctx context.Context, primaryEcu model.EcuSerial, primaryHwID model.HardwareIdentifier, primaryKey *keyring.KeyPair, secondaries []Secondary) error {
	payload := func(ecu model.EcuSerial) []ecuRegistration {
		regs := []ecuRegistration{{
			HardwareIdentifier: string(primaryHwID),
			EcuSerial:          string(ecu),
			ClientKey:          primaryKey.Public,
		}}
		for _, s := range secondaries {
			regs = append(regs, ecuRegistration{
				HardwareIdentifier: string(s.HardwareID),
				EcuSerial:          string(s.EcuSerial),
				ClientKey:          s.PublicKey,
			})
		}
		return regs
	}

	conflict, err := p.postEcus(ctx, payload(primaryEcu))
	if err != nil {
		return err
	}
	if !conflict {
		return nil
	}

	// Device already exists with this id: regenerate and retry once.
	regenerated, kerr := keyring.GenerateEd25519()
	if kerr != nil {
		return kerr
	}
	keyID, kerr := regenerated.Public.KeyID()
	if kerr != nil {
		return kerr
	}
	_, err = p.postEcus(ctx, payload(model.EcuSerial(keyID)))
	return err
}

func (p *Provisioner) postEcus(ctx context.Context, regs []ecuRegistration) (conflict bool, err error) {
	body, err := json.Marshal(regs)
	if err != nil {
		return false, err
	}
	url := p.cfg.DirectorURL + "/ecus"

	_, err = registrationBreaker.Do(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.deps.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		conflict = resp.StatusCode == http.StatusConflict
		return nil, nil
	})
	return conflict, err
}
