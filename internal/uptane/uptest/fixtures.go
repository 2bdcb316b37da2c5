package uptest

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/R3E-Network/uptane-agent/internal/uptane/canonicaljson"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// wireKey/wirePolicy mirror the unexported shapes wireformat decodes, kept
// here so fixtures can hand-assemble valid metadata envelopes without
// reaching into that package's internals.
type wireKey struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme,omitempty"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

func toWireKey(pub model.PublicKey) wireKey {
	scheme := "ed25519"
	if pub.Type != model.KeyTypeEd25519 {
		scheme = "rsassa-pss-sha256"
	}
	wk := wireKey{KeyType: string(pub.Type), Scheme: scheme}
	wk.KeyVal.Public = pub.Value
	return wk
}

// signCanonical signs canonical (already-canonicalized "signed" bytes) with
// every key in signers and returns the resulting Signature list.
func signCanonical(canonical []byte, signers ...*keyring.KeyPair) ([]model.Signature, error) {
	sigs := make([]model.Signature, 0, len(signers))
	for _, kp := range signers {
		keyID, err := kp.Public.KeyID()
		if err != nil {
			return nil, err
		}
		hexSig, err := kp.Sign(canonical)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, model.Signature{KeyID: keyID, Value: hexSig})
	}
	return sigs, nil
}

// RootBuilder assembles a signed Root metadata envelope. The offline-update
// role keys are optional; when set the root additionally carries
// offline-snapshot / offline-updates signing policies.
type RootBuilder struct {
	Version   int64
	Expires   time.Time
	RootKey   *keyring.KeyPair
	Targets   *keyring.KeyPair
	Timestamp *keyring.KeyPair
	Snapshot  *keyring.KeyPair
	OfflineSnapshot *keyring.KeyPair
	OfflineUpdates  *keyring.KeyPair
	Signers   []*keyring.KeyPair // defaults to []{RootKey}
}

// Build returns the root's canonical "signed" bytes and the full envelope.
func (b RootBuilder) Build() (canonical []byte, envelope []byte, err error) {
	keys := map[string]wireKey{}
	roles := map[string]struct {
		KeyIDs    []string `json:"keyids"`
		Threshold int      `json:"threshold"`
	}{}

	add := func(role string, kp *keyring.KeyPair) error {
		kid, err := kp.Public.KeyID()
		if err != nil {
			return err
		}
		keys[kid] = toWireKey(kp.Public)
		roles[role] = struct {
			KeyIDs    []string `json:"keyids"`
			Threshold int      `json:"threshold"`
		}{KeyIDs: []string{kid}, Threshold: 1}
		return nil
	}
	if err := add("root", b.RootKey); err != nil {
		return nil, nil, err
	}
	if err := add("targets", b.Targets); err != nil {
		return nil, nil, err
	}
	if err := add("timestamp", b.Timestamp); err != nil {
		return nil, nil, err
	}
	if err := add("snapshot", b.Snapshot); err != nil {
		return nil, nil, err
	}
	if b.OfflineSnapshot != nil {
		if err := add("offline-snapshot", b.OfflineSnapshot); err != nil {
			return nil, nil, err
		}
	}
	if b.OfflineUpdates != nil {
		if err := add("offline-updates", b.OfflineUpdates); err != nil {
			return nil, nil, err
		}
	}

	signed := map[string]interface{}{
		"_type":   "root",
		"version": b.Version,
		"expires": b.Expires,
		"keys":    keys,
		"roles":   roles,
	}
	canonical, err = canonicaljson.Marshal(signed)
	if err != nil {
		return nil, nil, err
	}

	signers := b.Signers
	if len(signers) == 0 {
		signers = []*keyring.KeyPair{b.RootKey}
	}
	sigs, err := signCanonical(canonical, signers...)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = wireformat.BuildEnvelope(canonical, sigs)
	if err != nil {
		return nil, nil, err
	}
	return canonical, envelope, nil
}

// TargetsDelegation declares one delegated role in a TargetsBuilder, signed
// by Key at threshold 1.
type TargetsDelegation struct {
	Name        string
	Paths       []string
	Terminating bool
	Key         *keyring.KeyPair
}

// TargetsBuilder assembles a signed Director or Image Targets envelope.
type TargetsBuilder struct {
	Version     int64
	Expires     time.Time
	Key         *keyring.KeyPair
	Targets     []model.Target
	Delegations []TargetsDelegation
}

func (b TargetsBuilder) Build() (canonical []byte, envelope []byte, err error) {
	targets := map[string]interface{}{}
	for _, t := range b.Targets {
		entry := map[string]interface{}{
			"hashes": t.Hashes,
			"length": t.Length,
		}
		custom := map[string]interface{}{}
		for k, v := range t.Custom {
			custom[k] = v
		}
		if len(t.Ecus) > 0 {
			ecuIDs := map[string]interface{}{}
			for serial, hw := range t.Ecus {
				ecuIDs[string(serial)] = string(hw)
			}
			custom["ecu_identifiers"] = ecuIDs
		}
		if len(custom) > 0 {
			entry["custom"] = custom
		}
		targets[t.Filename] = entry
	}

	signed := map[string]interface{}{
		"_type":   "targets",
		"version": b.Version,
		"expires": b.Expires,
		"targets": targets,
	}
	if len(b.Delegations) > 0 {
		keys := map[string]interface{}{}
		roles := make([]interface{}, 0, len(b.Delegations))
		for _, d := range b.Delegations {
			kid, err := d.Key.Public.KeyID()
			if err != nil {
				return nil, nil, err
			}
			keys[kid] = toWireKey(d.Key.Public)
			roles = append(roles, map[string]interface{}{
				"name":        d.Name,
				"paths":       d.Paths,
				"terminating": d.Terminating,
				"keyids":      []string{kid},
				"threshold":   1,
			})
		}
		signed["delegations"] = map[string]interface{}{"keys": keys, "roles": roles}
	}
	canonical, err = canonicaljson.Marshal(signed)
	if err != nil {
		return nil, nil, err
	}
	sigs, err := signCanonical(canonical, b.Key)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = wireformat.BuildEnvelope(canonical, sigs)
	return canonical, envelope, err
}

// TimestampBuilder assembles a signed Timestamp envelope naming snapshot.
type TimestampBuilder struct {
	Version         int64
	Expires         time.Time
	Key             *keyring.KeyPair
	SnapshotVersion int64
	SnapshotRaw     []byte // canonical "signed" bytes of the snapshot being named
}

func (b TimestampBuilder) Build() (canonical []byte, envelope []byte, err error) {
	sum := sha256Hex(b.SnapshotRaw)
	signed := map[string]interface{}{
		"_type":            "timestamp",
		"version":          b.Version,
		"expires":          b.Expires,
		"snapshot_version": b.SnapshotVersion,
		"snapshot_hashes": []model.Hash{
			model.NewHash(model.SHA256, sum),
		},
		"snapshot_length": int64(len(b.SnapshotRaw)),
	}
	canonical, err = canonicaljson.Marshal(signed)
	if err != nil {
		return nil, nil, err
	}
	sigs, err := signCanonical(canonical, b.Key)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = wireformat.BuildEnvelope(canonical, sigs)
	return canonical, envelope, err
}

// SnapshotBuilder assembles a signed Snapshot envelope naming the Targets
// version, or, when Roles is set, an arbitrary role listing (used for
// OfflineSnapshot fixtures).
type SnapshotBuilder struct {
	Version       int64
	Expires       time.Time
	Key           *keyring.KeyPair
	TargetsVersion int64
	Roles          map[string]int64 // role name -> version; overrides TargetsVersion
}

func (b SnapshotBuilder) Build() (canonical []byte, envelope []byte, err error) {
	meta := map[string]interface{}{
		"targets": map[string]interface{}{"version": b.TargetsVersion},
	}
	if b.Roles != nil {
		meta = map[string]interface{}{}
		for name, version := range b.Roles {
			meta[name] = map[string]interface{}{"version": version}
		}
	}
	signed := map[string]interface{}{
		"_type":   "snapshot",
		"version": b.Version,
		"expires": b.Expires,
		"meta":    meta,
	}
	canonical, err = canonicaljson.Marshal(signed)
	if err != nil {
		return nil, nil, err
	}
	sigs, err := signCanonical(canonical, b.Key)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = wireformat.BuildEnvelope(canonical, sigs)
	return canonical, envelope, err
}

func sha256Hex(data []byte) string {
	h, err := model.NewHasher(model.SHA256)
	if err != nil {
		panic(fmt.Sprintf("uptest: sha256 hasher: %v", err))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
