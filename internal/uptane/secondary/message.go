// Package secondary implements the Primary-side SecondaryLink, a
// framed request/reply client to each Secondary over a length-prefixed
// ASN.1 stream. Message encoding uses the stdlib encoding/asn1 (DER, not
// PER): no maintained Go library encodes ASN.1 PER, and both halves of the
// link are ours, so DER's self-describing TLV framing carries the same
// message set without a bespoke codec.
package secondary

import (
	"encoding/asn1"
	"fmt"
)

// MsgType tags which variant of the AKIpUptaneMes CHOICE a frame carries.
type MsgType int

const (
	MsgGetInfoReq MsgType = iota
	MsgGetInfoResp
	MsgVersionReq
	MsgVersionResp
	MsgManifestReq
	MsgManifestResp
	MsgRootVerReq
	MsgRootVerResp
	MsgPutRootReq
	MsgPutRootResp
	MsgPutMetaReq2
	MsgPutMetaResp2
	MsgSendFirmwareReq
	MsgSendFirmwareResp
	MsgInstallReq
	MsgInstallResp2
)

// CurrentProtocolVersion is the protocol version handshake value.
const CurrentProtocolVersion = 2

// Frame is the length-prefixed envelope carried on the wire: a MsgType tag
// plus the ASN.1 DER encoding of the type-specific body.
type Frame struct {
	Type MsgType
	Body []byte
}

// asn1Frame is the wire shape of Frame itself.
type asn1Frame struct {
	Type int
	Body []byte
}

// EncodeFrame serializes a Frame to DER bytes, NOT yet length-prefixed
// (WriteFrame/ReadFrame below add/remove the 4-byte big-endian length
// prefix).
func EncodeFrame(f Frame) ([]byte, error) {
	out, err := asn1.Marshal(asn1Frame{Type: int(f.Type), Body: f.Body})
	if err != nil {
		return nil, fmt.Errorf("secondary: encode frame: %w", err)
	}
	return out, nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	var wire asn1Frame
	if _, err := asn1.Unmarshal(raw, &wire); err != nil {
		return Frame{}, fmt.Errorf("secondary: decode frame: %w", err)
	}
	return Frame{Type: MsgType(wire.Type), Body: wire.Body}, nil
}

// GetInfoResp is the Secondary's static identity.
type GetInfoResp struct {
	EcuSerial string
	HwID      string
	KeyType   string
	KeyValue  string
}

// VersionReq/VersionResp negotiate the protocol version handshake.
type VersionReq struct{ Version int }
type VersionResp struct{ Version int }

// ManifestResp carries the Secondary's freshly signed manifest.
type ManifestResp struct{ JSON []byte }

// RootVerReq/RootVerResp query the Secondary's highest stored Root version
// for one repo; -1 = error, 0 = none.
type RootVerReq struct{ RepoType string }
type RootVerResp struct{ Version int64 }

// PutRootReq applies one root-rotation step.
type PutRootReq struct {
	RepoType string
	JSON     []byte
}
type PutRootResp struct{ Result int }

// BundleEntry is one (role filename, canonical JSON bytes) pair of a
// MetaBundle. ASN.1 has no map type, so PutMetaReq2 carries two ordered
// slices of entries instead of the in-memory model.MetaBundle's map shape.
type BundleEntry struct {
	Role string
	JSON []byte
}

// PutMetaReq2 carries a full metadata bundle (6 entries full Uptane, 4
// entries TUF-only).
type PutMetaReq2 struct {
	DirectorCollection []BundleEntry
	ImageCollection    []BundleEntry
}
type PutMetaResp2 struct{ Result int }

// InstallResp2 is the Secondary's install outcome; may signal NeedCompletion.
type InstallResp2 struct{ Result int }

// SendFirmwareResp acknowledges a completed firmware stream.
type SendFirmwareResp struct{ Result int }
