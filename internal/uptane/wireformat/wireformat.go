// Package wireformat defines the on-the-wire JSON shape of Uptane metadata
// files ("<role>.<version>.json") and converts between that shape and the
// in-memory representation-agnostic types in internal/uptane/model. Keeping
// this conversion in its own package lets model stay a pure data model.
package wireformat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/uptane-agent/internal/uptane/canonicaljson"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// Envelope is the outer "{signed, signatures}" shape every Uptane metadata
// file shares.
type Envelope struct {
	Signed     json.RawMessage   `json:"signed"`
	Signatures []model.Signature `json:"signatures"`
}

// CanonicalSignedBytes returns the canonical encoding of the "signed"
// sub-object, the bytes signatures are computed over.
func (e Envelope) CanonicalSignedBytes() ([]byte, error) {
	return canonicaljson.MarshalRaw(e.Signed)
}

// ParseEnvelope unmarshals the outer envelope without interpreting "signed".
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("wireformat: parse envelope: %w", err)
	}
	return env, nil
}

// BuildEnvelope re-serializes a {"signed": ..., "signatures": [...]} envelope
// from already-canonical "signed" bytes, so a role verified once can be
// persisted and re-parsed identically on the next load.
func BuildEnvelope(signedCanonical []byte, sigs []model.Signature) ([]byte, error) {
	env := Envelope{Signed: json.RawMessage(signedCanonical), Signatures: sigs}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wireformat: build envelope: %w", err)
	}
	return out, nil
}

type wireKey struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme,omitempty"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

type wirePolicy struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

type wireRootSigned struct {
	Type    string                `json:"_type"`
	Version int64                 `json:"version"`
	Expires time.Time             `json:"expires"`
	Keys    map[string]wireKey    `json:"keys"`
	Roles   map[string]wirePolicy `json:"roles"`
}

// DecodeRoot parses a Root metadata envelope into model.RootMeta, leaving
// Signatures/Raw populated for later threshold verification.
func DecodeRoot(raw []byte) (*model.RootMeta, Envelope, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, Envelope{}, err
	}
	var signed wireRootSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, Envelope{}, fmt.Errorf("wireformat: decode root signed: %w", err)
	}
	canon, err := env.CanonicalSignedBytes()
	if err != nil {
		return nil, Envelope{}, err
	}

	keys := make(map[string]model.PublicKey, len(signed.Keys))
	for kid, k := range signed.Keys {
		keys[kid] = model.PublicKey{Type: model.KeyType(k.KeyType), Value: k.KeyVal.Public}
	}
	roles := make(map[model.RoleKind]model.SigningPolicy, len(signed.Roles))
	for name, p := range signed.Roles {
		roles[model.RoleKind(name)] = model.SigningPolicy{KeyIDs: p.KeyIDs, Threshold: p.Threshold}
	}

	root := &model.RootMeta{
		Version: signed.Version,
		Expires: signed.Expires,
		Keys:    keys,
		Roles:   roles,
		Raw:     canon,
	}
	env.Signed = nil // caller uses env.Signatures + the returned Raw for verification
	return root, env, nil
}

type wireSnapshotRoleInfo struct {
	Version int64        `json:"version"`
	Hashes  []model.Hash `json:"hashes,omitempty"`
	Length  int64        `json:"length,omitempty"`
}

type wireTimestampSigned struct {
	Type            string               `json:"_type"`
	Version         int64                `json:"version"`
	Expires         time.Time            `json:"expires"`
	SnapshotVersion int64                `json:"snapshot_version"`
	SnapshotHashes  []model.Hash         `json:"snapshot_hashes,omitempty"`
	SnapshotLength  int64                `json:"snapshot_length,omitempty"`
}

// DecodeTimestamp parses a Timestamp metadata envelope.
func DecodeTimestamp(raw []byte) (*model.TimestampMeta, Envelope, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, Envelope{}, err
	}
	var signed wireTimestampSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, Envelope{}, fmt.Errorf("wireformat: decode timestamp signed: %w", err)
	}
	canon, err := env.CanonicalSignedBytes()
	if err != nil {
		return nil, Envelope{}, err
	}
	ts := &model.TimestampMeta{
		Version:         signed.Version,
		Expires:         signed.Expires,
		SnapshotVersion: signed.SnapshotVersion,
		SnapshotHashes:  signed.SnapshotHashes,
		SnapshotLength:  signed.SnapshotLength,
		Raw:             canon,
	}
	env.Signed = nil
	return ts, env, nil
}

type wireSnapshotSigned struct {
	Type    string                          `json:"_type"`
	Version int64                           `json:"version"`
	Expires time.Time                       `json:"expires"`
	Meta    map[string]wireSnapshotRoleInfo `json:"meta"`
}

// DecodeSnapshot parses a Snapshot metadata envelope.
func DecodeSnapshot(raw []byte) (*model.SnapshotMeta, Envelope, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, Envelope{}, err
	}
	var signed wireSnapshotSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, Envelope{}, fmt.Errorf("wireformat: decode snapshot signed: %w", err)
	}
	canon, err := env.CanonicalSignedBytes()
	if err != nil {
		return nil, Envelope{}, err
	}
	roles := make(map[string]model.SnapshotRoleInfo, len(signed.Meta))
	for name, info := range signed.Meta {
		roles[name] = model.SnapshotRoleInfo{Version: info.Version, Hashes: info.Hashes, Length: info.Length}
	}
	snap := &model.SnapshotMeta{Version: signed.Version, Expires: signed.Expires, Roles: roles, Raw: canon}
	env.Signed = nil
	return snap, env, nil
}

type wireTargetEcu struct {
	Hashes []model.Hash           `json:"hashes"`
	Length int64                  `json:"length"`
	Custom map[string]interface{} `json:"custom,omitempty"`
}

type wireDelegationRole struct {
	Name        string   `json:"name"`
	Paths       []string `json:"paths"`
	Terminating bool     `json:"terminating"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
}

type wireDelegations struct {
	Roles []wireDelegationRole `json:"roles"`
	Keys  map[string]wireKey   `json:"keys"`
}

type wireTargetsSigned struct {
	Type        string                   `json:"_type"`
	Version     int64                    `json:"version"`
	Expires     time.Time                `json:"expires"`
	Targets     map[string]wireTargetEcu `json:"targets"`
	Delegations *wireDelegations         `json:"delegations,omitempty"`
}

// DecodeTargets parses a Targets (or delegated Targets, or OfflineUpdates)
// metadata envelope. ECU assignment is recovered from each target's custom
// "ecu_identifiers" map ({ecu_serial: hardware_id}), the shape the Director
// repo places target-to-ECU bindings in.
func DecodeTargets(raw []byte) (*model.TargetsMeta, Envelope, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, Envelope{}, err
	}
	var signed wireTargetsSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, Envelope{}, fmt.Errorf("wireformat: decode targets signed: %w", err)
	}
	canon, err := env.CanonicalSignedBytes()
	if err != nil {
		return nil, Envelope{}, err
	}

	targets := make([]model.Target, 0, len(signed.Targets))
	for filename, wt := range signed.Targets {
		ecus := decodeEcuIdentifiers(wt.Custom)
		targets = append(targets, model.Target{
			Filename: filename,
			Ecus:     ecus,
			Hashes:   wt.Hashes,
			Length:   wt.Length,
			Custom:   wt.Custom,
		})
	}

	var delegations []model.DelegationPointer
	if signed.Delegations != nil {
		for _, r := range signed.Delegations.Roles {
			delegations = append(delegations, model.DelegationPointer{Name: r.Name, Paths: r.Paths, Terminating: r.Terminating})
		}
	}

	tm := &model.TargetsMeta{
		Version:     signed.Version,
		Expires:     signed.Expires,
		Targets:     targets,
		Delegations: delegations,
		Raw:         canon,
	}
	env.Signed = nil
	return tm, env, nil
}

func decodeEcuIdentifiers(custom map[string]interface{}) map[model.EcuSerial]model.HardwareIdentifier {
	out := map[model.EcuSerial]model.HardwareIdentifier{}
	raw, ok := custom["ecu_identifiers"]
	if !ok {
		return out
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return out
	}
	for serial, v := range m {
		switch val := v.(type) {
		case string:
			out[model.EcuSerial(serial)] = model.HardwareIdentifier(val)
		case map[string]interface{}:
			if hw, ok := val["hardware_id"].(string); ok {
				out[model.EcuSerial(serial)] = model.HardwareIdentifier(hw)
			}
		}
	}
	return out
}

// DelegationKeyRing extracts the keyring a Targets role's delegations block
// provides for verifying its children. raw is the role's canonical
// "signed" bytes (TargetsMeta.Raw).
func DelegationKeyRing(raw []byte) (map[string]model.PublicKey, error) {
	var signed wireTargetsSigned
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, fmt.Errorf("wireformat: decode targets signed: %w", err)
	}
	keys := map[string]model.PublicKey{}
	if signed.Delegations != nil {
		for kid, k := range signed.Delegations.Keys {
			keys[kid] = model.PublicKey{Type: model.KeyType(k.KeyType), Value: k.KeyVal.Public}
		}
	}
	return keys, nil
}

// DelegationPolicy recovers the signing policy (keyids + threshold) a
// Targets role's delegations block declares for one named delegated role.
func DelegationPolicy(raw []byte, name string) (model.SigningPolicy, bool) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return model.SigningPolicy{}, false
	}
	var signed wireTargetsSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return model.SigningPolicy{}, false
	}
	if signed.Delegations == nil {
		return model.SigningPolicy{}, false
	}
	for _, r := range signed.Delegations.Roles {
		if r.Name == name {
			return model.SigningPolicy{KeyIDs: r.KeyIDs, Threshold: r.Threshold}, true
		}
	}
	return model.SigningPolicy{}, false
}
