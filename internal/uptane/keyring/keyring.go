package keyring

import (
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

// KeyRing is keyid -> PublicKey, the shape RootMeta.Keys carries.
type KeyRing map[string]model.PublicKey

// VerifyThreshold checks that signed (canonical "signed" bytes) carries
// signatures from at least policy.Threshold distinct keys named in
// policy.KeyIDs, each resolvable in ring, each cryptographically valid.
// A second signature by the same allowed keyid is rejected outright with
// KindNonUniqueSignatures, so one key can never be counted twice.
func VerifyThreshold(ring KeyRing, policy model.SigningPolicy, signed []byte, sigs []model.Signature) error {
	if policy.Threshold < 1 {
		return uerrors.New(uerrors.KindIllegalThreshold, "", "threshold must be >= 1")
	}

	allowed := make(map[string]bool, len(policy.KeyIDs))
	for _, kid := range policy.KeyIDs {
		allowed[kid] = true
	}

	seen := make(map[string]bool, len(sigs))
	valid := 0
	for _, sig := range sigs {
		if !allowed[sig.KeyID] {
			continue
		}
		if seen[sig.KeyID] {
			return uerrors.New(uerrors.KindNonUniqueSignatures, "", "duplicate signature for keyid "+sig.KeyID)
		}
		seen[sig.KeyID] = true

		pub, ok := ring[sig.KeyID]
		if !ok {
			return uerrors.New(uerrors.KindBadKeyID, "", "unknown keyid "+sig.KeyID)
		}
		if err := Verify(pub, signed, sig.Value); err != nil {
			continue // an invalid signature simply doesn't count toward the threshold
		}
		valid++
	}

	if valid < policy.Threshold {
		return uerrors.New(uerrors.KindUnmetThreshold, "", "insufficient valid signatures")
	}
	return nil
}
