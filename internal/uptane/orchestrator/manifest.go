package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/uptane-agent/internal/uptane/canonicaljson"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/wireformat"
)

// AssembleManifest builds the signed device manifest: the Primary's own
// version manifest (current installed image, its length and hashes) plus
// every reachable Secondary's freshly signed manifest collected over its
// link. Each Secondary manifest is cached per ECU, and the assembled
// device manifest is stored under the Primary's serial, where FetchMeta
// picks it up for the next push to the Director.
func (o *Orchestrator) AssembleManifest(ctx context.Context, token *flowcontrol.Token) ([]byte, error) {
	if o.deps.PrimaryKey == nil {
		return nil, fmt.Errorf("orchestrator: no primary signing key for manifest assembly")
	}

	versions := map[string]json.RawMessage{}

	primary, err := o.buildPrimaryVersionManifest(ctx)
	if err != nil {
		return nil, err
	}
	versions[string(o.deps.PrimaryEcu)] = primary

	for ecu, handle := range o.deps.Secondaries {
		if handle == nil || handle.Link == nil {
			continue
		}
		resp, err := handle.Link.Manifest(ctx, token)
		if err != nil {
			// An unreachable Secondary is reported with whatever manifest
			// it last delivered rather than failing the whole assembly.
			o.deps.logger().Warnw("collect secondary manifest", "ecu", ecu, "error", err)
			if cached, cerr := o.deps.Store.LatestManifest(ctx, ecu); cerr == nil && cached != nil {
				versions[string(ecu)] = json.RawMessage(cached)
			}
			continue
		}
		versions[string(ecu)] = json.RawMessage(resp.JSON)
		_ = o.deps.Store.PutManifest(ctx, ecu, resp.JSON)
	}

	envelope, err := o.signManifest(map[string]interface{}{
		"primary_ecu_serial":    string(o.deps.PrimaryEcu),
		"ecu_version_manifests": versions,
	})
	if err != nil {
		return nil, err
	}
	if err := o.deps.Store.PutManifest(ctx, o.deps.PrimaryEcu, envelope); err != nil {
		return nil, fmt.Errorf("orchestrator: cache device manifest: %w", err)
	}
	return envelope, nil
}

// buildPrimaryVersionManifest renders the Primary's installed image as a
// signed per-ECU version manifest.
func (o *Orchestrator) buildPrimaryVersionManifest(ctx context.Context) (json.RawMessage, error) {
	signed := map[string]interface{}{
		"ecu_serial": string(o.deps.PrimaryEcu),
	}
	if o.deps.Primary != nil {
		current, err := o.deps.Primary.GetCurrent(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: query current installed image: %w", err)
		}
		if current.Filename != "" {
			hashes := map[string]string{}
			for _, h := range current.Hashes {
				hashes[string(h.Algorithm)] = h.Digest
			}
			signed["installed_image"] = map[string]interface{}{
				"filepath": current.Filename,
				"fileinfo": map[string]interface{}{
					"length": current.Length,
					"hashes": hashes,
				},
			}
		}
	}
	return o.signManifest(signed)
}

// signManifest canonicalizes signed and wraps it in a one-signature
// envelope under the Primary's Uptane key.
func (o *Orchestrator) signManifest(signed map[string]interface{}) ([]byte, error) {
	canonical, err := canonicaljson.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: canonicalize manifest: %w", err)
	}
	keyID, err := o.deps.PrimaryKey.Public.KeyID()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: derive manifest key id: %w", err)
	}
	sig, err := o.deps.PrimaryKey.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: sign manifest: %w", err)
	}
	return wireformat.BuildEnvelope(canonical, []model.Signature{{KeyID: keyID, Value: sig}})
}

// refreshManifest re-assembles the device manifest and pushes it to the
// Director when a pusher is wired, logging rather than failing the caller:
// manifest staleness is recoverable on the next cycle, install/finalize
// outcomes are not.
func (o *Orchestrator) refreshManifest(ctx context.Context, token *flowcontrol.Token) {
	raw, err := o.AssembleManifest(ctx, token)
	if err != nil {
		o.deps.logger().Warnw("assemble device manifest", "error", err)
		return
	}
	if o.deps.Manifests != nil {
		if err := o.deps.Manifests.PushManifest(ctx, raw); err != nil {
			o.deps.logger().Warnw("push device manifest", "error", err)
		}
	}
}
