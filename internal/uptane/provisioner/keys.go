package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// primaryKeyPath is where the lazily-generated Primary Uptane signing key
// is persisted across restarts: the directory of Config.ArchivePath, or
// /var/sota when that path has no directory part.
func (p *Provisioner) primaryKeyPath() string {
	dir := filepath.Dir(p.cfg.ArchivePath)
	if dir == "" || dir == "." {
		dir = "/var/sota"
	}
	return filepath.Join(dir, "primary-ecu.key.json")
}

// storedKey is the on-disk persisted form of a keyring.KeyPair: the
// signing backend keeps the private half out of model.PublicKey's JSON
// shape already, so it's captured separately here.
type storedKey struct {
	Public  model.PublicKey `json:"public"`
	Private string          `json:"private"`
}

// PrimaryKey returns the Primary's Uptane signing keypair — the same key
// Attempt derives the ECU serial from — generating and persisting it on
// first use. The orchestrator signs assembled device manifests with it.
func (p *Provisioner) PrimaryKey(ctx context.Context) (*keyring.KeyPair, error) {
	return p.loadOrGeneratePrimaryKey(ctx)
}

// loadOrGeneratePrimaryKey loads the Primary's Uptane signing keypair from
// disk, generating and persisting a new Ed25519 keypair on first run.
func (p *Provisioner) loadOrGeneratePrimaryKey(ctx context.Context) (*keyring.KeyPair, error) {
	path := p.primaryKeyPath()
	raw, err := os.ReadFile(path)
	if err == nil {
		var sk storedKey
		if jerr := json.Unmarshal(raw, &sk); jerr == nil {
			kp, lerr := keyring.LoadEd25519(sk.Public, sk.Private)
			if lerr == nil {
				return kp, nil
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read primary key: %w", err)
	}

	kp, err := keyring.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	if err := p.persistPrimaryKey(kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (p *Provisioner) persistPrimaryKey(kp *keyring.KeyPair) error {
	priv, err := kp.ExportPrivate()
	if err != nil {
		return fmt.Errorf("export private key: %w", err)
	}
	sk := storedKey{Public: kp.Public, Private: priv}
	raw, err := json.Marshal(sk)
	if err != nil {
		return err
	}
	path := p.primaryKeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
