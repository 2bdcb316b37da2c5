package secondary

import (
	"bytes"
	"context"
	"encoding/asn1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

func TestFrameRoundTrip(t *testing.T) {
	in := Frame{Type: MsgManifestReq, Body: []byte{0x01, 0x02, 0x03}}
	raw, err := EncodeFrame(in)
	require.NoError(t, err)
	out, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.Body, out.Body)
}

func TestWriteReadFrameOverBuffer(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: MsgInstallReq, Body: []byte("payload")}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.Body, out.Body)
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	// 4-byte big-endian length far above maxFrameSize, no body.
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds cap")
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("definitely not DER"))
	require.Error(t, err)
}

// respondOnce reads one frame off conn, checks its type, and replies with
// the given body marshaled under respType.
func respondOnce(t *testing.T, conn net.Conn, wantType, respType MsgType, respBody interface{}) {
	t.Helper()
	frame, err := ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wantType, frame.Type)

	body, err := asn1.Marshal(respBody)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, Frame{Type: respType, Body: body}))
}

func newPipeLink(t *testing.T) (*Link, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return New(client, 5*time.Second), server
}

func TestGetInfoRoundTrip(t *testing.T) {
	link, server := newPipeLink(t)
	go respondOnce(t, server, MsgGetInfoReq, MsgGetInfoResp, GetInfoResp{
		EcuSerial: "sec-1", HwID: "hw-1", KeyType: "ed25519", KeyValue: "abcd",
	})

	info, err := link.GetInfo(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "sec-1", info.EcuSerial)
	require.Equal(t, "hw-1", info.HwID)
}

func TestVersionHandshakeWarnings(t *testing.T) {
	cases := []struct {
		name         string
		secondary    int
		wantWarnings int
	}{
		{"equal", CurrentProtocolVersion, 0},
		{"secondary older", CurrentProtocolVersion - 1, 1},
		{"secondary newer", CurrentProtocolVersion + 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			link, server := newPipeLink(t)
			go respondOnce(t, server, MsgVersionReq, MsgVersionResp, VersionResp{Version: tc.secondary})

			resp, warnings, err := link.Version(context.Background(), nil)
			require.NoError(t, err)
			require.Equal(t, tc.secondary, resp.Version)
			require.Len(t, warnings, tc.wantWarnings)
		})
	}
}

func TestRoundTripRejectsMismatchedReplyType(t *testing.T) {
	link, server := newPipeLink(t)
	go respondOnce(t, server, MsgManifestReq, MsgInstallResp2, InstallResp2{Result: 0})

	_, err := link.Manifest(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected reply type")
}

func TestAbortedTokenShortCircuitsWithoutIO(t *testing.T) {
	link, server := newPipeLink(t)
	_ = server // no responder: an aborted token must never reach the wire

	token := flowcontrol.New()
	token.Abort()

	_, err := link.GetInfo(context.Background(), token)
	require.Error(t, err)
	var uerr *uerrors.Error
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, uerrors.KindOperationCancelled, uerr.Kind)
}

func TestPutMetadataSplitsBundleByRepo(t *testing.T) {
	bundle := model.MetaBundle{
		{Repo: model.RepoDirector, Role: model.RoleRoot}:      []byte(`{"d":"root"}`),
		{Repo: model.RepoDirector, Role: model.RoleTargets}:   []byte(`{"d":"targets"}`),
		{Repo: model.RepoImage, Role: model.RoleRoot}:         []byte(`{"i":"root"}`),
		{Repo: model.RepoImage, Role: model.RoleTimestamp}:    []byte(`{"i":"ts"}`),
		{Repo: model.RepoImage, Role: model.RoleSnapshot}:     []byte(`{"i":"snap"}`),
		{Repo: model.RepoImage, Role: model.RoleTargets}:      []byte(`{"i":"targets"}`),
	}

	link, server := newPipeLink(t)
	got := make(chan PutMetaReq2, 1)
	go func() {
		frame, err := ReadFrame(server)
		if err != nil {
			return
		}
		var req PutMetaReq2
		if _, err := asn1.Unmarshal(frame.Body, &req); err != nil {
			return
		}
		got <- req
		body, _ := asn1.Marshal(PutMetaResp2{Result: 0})
		_ = WriteFrame(server, Frame{Type: MsgPutMetaResp2, Body: body})
	}()

	result, err := link.PutMetadata(context.Background(), bundle, false, nil)
	require.NoError(t, err)
	require.Equal(t, 0, result)

	req := <-got
	require.Len(t, req.DirectorCollection, 2)
	require.Len(t, req.ImageCollection, 4)
}

func TestPutMetadataTufOnlySkipsDirector(t *testing.T) {
	bundle := model.MetaBundle{
		{Repo: model.RepoDirector, Role: model.RoleRoot}:   []byte(`{}`),
		{Repo: model.RepoImage, Role: model.RoleRoot}:      []byte(`{}`),
		{Repo: model.RepoImage, Role: model.RoleTimestamp}: []byte(`{}`),
		{Repo: model.RepoImage, Role: model.RoleSnapshot}:  []byte(`{}`),
		{Repo: model.RepoImage, Role: model.RoleTargets}:   []byte(`{}`),
	}

	link, server := newPipeLink(t)
	got := make(chan PutMetaReq2, 1)
	go func() {
		frame, err := ReadFrame(server)
		if err != nil {
			return
		}
		var req PutMetaReq2
		if _, err := asn1.Unmarshal(frame.Body, &req); err != nil {
			return
		}
		got <- req
		body, _ := asn1.Marshal(PutMetaResp2{Result: 0})
		_ = WriteFrame(server, Frame{Type: MsgPutMetaResp2, Body: body})
	}()

	_, err := link.PutMetadata(context.Background(), bundle, true, nil)
	require.NoError(t, err)

	req := <-got
	require.Empty(t, req.DirectorCollection)
	require.Len(t, req.ImageCollection, 4)
}

func TestSendFirmwareStreamsChunks(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 150)
	link, server := newPipeLink(t)

	go func() {
		var received []byte
		for len(received) < len(payload) {
			frame, err := ReadFrame(server)
			if err != nil {
				return
			}
			received = append(received, frame.Body...)
		}
		body, _ := asn1.Marshal(SendFirmwareResp{Result: 0})
		_ = WriteFrame(server, Frame{Type: MsgSendFirmwareResp, Body: body})
	}()

	code, err := link.SendFirmware(context.Background(), bytes.NewReader(payload), int64(len(payload)), 64, nil)
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

type rotateStep struct {
	version int64
	result  int
}

// scriptRotation answers RootVersion with stored, then serves PutRoot
// replies from steps in order, recording the versions actually pushed.
func scriptRotation(t *testing.T, server net.Conn, stored int64, steps []rotateStep) <-chan []int64 {
	t.Helper()
	out := make(chan []int64, 1)
	go func() {
		defer close(out)
		frame, err := ReadFrame(server)
		if err != nil || frame.Type != MsgRootVerReq {
			return
		}
		body, _ := asn1.Marshal(RootVerResp{Version: stored})
		if err := WriteFrame(server, Frame{Type: MsgRootVerResp, Body: body}); err != nil {
			return
		}

		var pushed []int64
		for _, step := range steps {
			frame, err := ReadFrame(server)
			if err != nil || frame.Type != MsgPutRootReq {
				return
			}
			pushed = append(pushed, step.version)
			body, _ := asn1.Marshal(PutRootResp{Result: step.result})
			if err := WriteFrame(server, Frame{Type: MsgPutRootResp, Body: body}); err != nil {
				return
			}
		}
		out <- pushed
	}()
	return out
}

func TestRotateRootsCatchUpSendsIntermediateVersions(t *testing.T) {
	link, server := newPipeLink(t)
	pushed := scriptRotation(t, server, 1, []rotateStep{{2, 0}, {3, 0}})

	fetch := func(version int64) ([]byte, error) { return []byte(`{}`), nil }
	// Secondary holds v1, Primary holds v4: catch-up sends v2 and v3.
	require.NoError(t, RotateRootsCatchUp(context.Background(), link, model.RepoDirector, fetch, 4, nil))
	require.Equal(t, []int64{2, 3}, <-pushed)
}

func TestRotateRootsCatchUpLegacyV1RejectionIsSuccess(t *testing.T) {
	link, server := newPipeLink(t)
	pushed := scriptRotation(t, server, 0, []rotateStep{{1, 3}, {2, 0}})

	fetch := func(version int64) ([]byte, error) { return []byte(`{}`), nil }
	// v1 is rejected (legacy fallback) but the chain continues with v2.
	require.NoError(t, RotateRootsCatchUp(context.Background(), link, model.RepoImage, fetch, 3, nil))
	require.Equal(t, []int64{1, 2}, <-pushed)
}

func TestRotateRootsCatchUpStopsOnRejection(t *testing.T) {
	link, server := newPipeLink(t)
	_ = scriptRotation(t, server, 1, []rotateStep{{2, 5}})

	fetch := func(version int64) ([]byte, error) { return []byte(`{}`), nil }
	err := RotateRootsCatchUp(context.Background(), link, model.RepoDirector, fetch, 4, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rejected")
}
