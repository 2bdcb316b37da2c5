package provisioner

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"software.sslmate.com/src/go-pkcs12"
)

type devicesRequest struct {
	DeviceID string `json:"deviceId"`
	TTL      int    `json:"ttl"`
}

// establishTLSCredentials runs the credential step: shared-cred
// mode POSTs to <tls>/devices and splits the returned PKCS#12 body into
// ca/cert/key files, then removes the shared secret from the provisioning
// archive; device-cred mode expects the three files already present.
func (p *Provisioner) establishTLSCredentials(ctx context.Context) error {
	if credentialsPresent(p.cfg.CertPath, p.cfg.KeyPath, p.cfg.CAPath) {
		return nil
	}
	if p.cfg.Mode != "shared-cred" {
		return fmt.Errorf("device-cred mode but no credentials found at %s/%s/%s", p.cfg.CertPath, p.cfg.KeyPath, p.cfg.CAPath)
	}

	deviceID, err := deviceIDFromArchive(p.cfg.ArchivePath)
	if err != nil {
		return err
	}

	p12, err := p.postDevices(ctx, deviceID)
	if err != nil {
		return err
	}

	if err := splitPKCS12(p12, p.cfg.CAPath, p.cfg.CertPath, p.cfg.KeyPath); err != nil {
		return err
	}

	return removeSharedSecret(p.cfg.ArchivePath)
}

func credentialsPresent(certPath, keyPath, caPath string) bool {
	for _, path := range []string{certPath, keyPath, caPath} {
		if path == "" {
			return false
		}
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func deviceIDFromArchive(archivePath string) (string, error) {
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("read provisioning archive: %w", err)
	}
	var doc struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse provisioning archive: %w", err)
	}
	if doc.DeviceID == "" {
		return "", fmt.Errorf("provisioning archive missing device_id")
	}
	return doc.DeviceID, nil
}

func (p *Provisioner) postDevices(ctx context.Context, deviceID string) ([]byte, error) {
	body, err := json.Marshal(devicesRequest{DeviceID: deviceID, TTL: 0})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TLSServerURL+"/devices", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devices endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// splitPKCS12 decodes a PKCS#12 archive (no password, the shared-cred
// provisioning convention) and writes its ca/cert/key material
// to separate PEM files.
func splitPKCS12(p12 []byte, caPath, certPath, keyPath string) error {
	priv, cert, caCerts, err := pkcs12.DecodeChain(p12, "")
	if err != nil {
		return fmt.Errorf("decode pkcs12: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	var caPEM bytes.Buffer
	for _, ca := range caCerts {
		caPEM.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw}))
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{certPath, certPEM, 0o644},
		{caPath, caPEM.Bytes(), 0o644},
		{keyPath, keyPEM, 0o600},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

// removeSharedSecret rewrites the provisioning archive without its shared
// secret field, so a compromised device can't re-mint credentials.
func removeSharedSecret(archivePath string) error {
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	delete(doc, "shared_secret")
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(archivePath, out, 0o600)
}
