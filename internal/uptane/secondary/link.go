package secondary

import (
	"context"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/uerrors"
)

// wireLog is the wire-protocol layer's structured logger, kept separate
// from the agent's primary logrus logger since it runs on the hot path of
// every framed message and benefits from zerolog's allocation-free encoding.
var wireLog = zerolog.New(os.Stderr).With().Timestamp().Str("component", "secondary_link").Logger()

// maxFrameSize bounds one length-prefixed frame, guarding against a
// malicious or corrupt length prefix causing an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// Conn is the framed transport one SecondaryLink session speaks over;
// satisfied by net.Conn.
type Conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
}

// Link is a connected session to one Secondary. Links are not shared
// between concurrent jobs: each Link is used by exactly one goroutine at a
// time.
type Link struct {
	conn    Conn
	timeout time.Duration
	addr    string
}

// Dial opens a TCP connection to a Secondary's address.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Link, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("secondary: dial %s: %w", addr, err)
	}
	l := New(conn, timeout)
	l.addr = addr
	return l, nil
}

// New wraps an already-connected transport (used directly by tests with an
// in-memory net.Pipe or similar Conn).
func New(conn Conn, timeout time.Duration) *Link {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Link{conn: conn, timeout: timeout}
}

// WriteFrame writes a length-prefixed (4-byte big-endian) DER frame.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("secondary: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("secondary: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed DER frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("secondary: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return Frame{}, fmt.Errorf("secondary: frame of %d bytes exceeds cap", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("secondary: read frame body: %w", err)
	}
	return DecodeFrame(body)
}

// roundTrip sends a request frame and waits for the reply, observing token
// cancellation: every request checks the shared token, and on abort
// returns OperationCancelled.
func (l *Link) roundTrip(ctx context.Context, token *flowcontrol.Token, msgType MsgType, reqBody interface{}, respType MsgType, respOut interface{}) error {
	if token != nil {
		if err := token.CheckContext(ctx); err != nil {
			return uerrors.New(uerrors.KindOperationCancelled, "", "aborted before send")
		}
	}

	body, err := asn1.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("secondary: marshal request: %w", err)
	}
	_ = l.conn.SetDeadline(time.Now().Add(l.timeout))
	if err := WriteFrame(l.conn, Frame{Type: msgType, Body: body}); err != nil {
		return err
	}

	if token != nil {
		if err := token.CheckContext(ctx); err != nil {
			return uerrors.New(uerrors.KindOperationCancelled, "", "aborted awaiting reply")
		}
	}

	frame, err := ReadFrame(l.conn)
	if err != nil {
		return err
	}
	if frame.Type != respType {
		return fmt.Errorf("secondary: unexpected reply type %d (want %d)", frame.Type, respType)
	}
	if _, err := asn1.Unmarshal(frame.Body, respOut); err != nil {
		return fmt.Errorf("secondary: unmarshal reply: %w", err)
	}
	return nil
}

// GetInfo retrieves the Secondary's static identity.
func (l *Link) GetInfo(ctx context.Context, token *flowcontrol.Token) (GetInfoResp, error) {
	var resp GetInfoResp
	err := l.roundTrip(ctx, token, MsgGetInfoReq, struct{}{}, MsgGetInfoResp, &resp)
	return resp, err
}

// Version runs the protocol version handshake. Mismatches are logged, not
// fatal: warn if the Primary is ahead, warn loudly if the Primary is
// behind since that's more likely to break.
func (l *Link) Version(ctx context.Context, token *flowcontrol.Token) (VersionResp, []string, error) {
	var resp VersionResp
	if err := l.roundTrip(ctx, token, MsgVersionReq, VersionReq{Version: CurrentProtocolVersion}, MsgVersionResp, &resp); err != nil {
		return VersionResp{}, nil, err
	}
	var warnings []string
	switch {
	case CurrentProtocolVersion > resp.Version:
		warnings = append(warnings, fmt.Sprintf("secondary protocol version %d is older than primary's %d", resp.Version, CurrentProtocolVersion))
	case CurrentProtocolVersion < resp.Version:
		warnings = append(warnings, fmt.Sprintf("secondary protocol version %d is newer than primary's %d: updates may break", resp.Version, CurrentProtocolVersion))
	}
	return resp, warnings, nil
}

// Manifest retrieves a freshly signed manifest of the Secondary's installed image.
func (l *Link) Manifest(ctx context.Context, token *flowcontrol.Token) (ManifestResp, error) {
	var resp ManifestResp
	err := l.roundTrip(ctx, token, MsgManifestReq, struct{}{}, MsgManifestResp, &resp)
	return resp, err
}

// RootVersion queries the Secondary's highest stored Root version for repo.
func (l *Link) RootVersion(ctx context.Context, repo model.Repo, token *flowcontrol.Token) (int64, error) {
	var resp RootVerResp
	err := l.roundTrip(ctx, token, MsgRootVerReq, RootVerReq{RepoType: string(repo)}, MsgRootVerResp, &resp)
	if err != nil {
		return -1, err
	}
	return resp.Version, nil
}

// PutRoot applies one root-rotation step.
func (l *Link) PutRoot(ctx context.Context, repo model.Repo, rootJSON []byte, token *flowcontrol.Token) (int, error) {
	var resp PutRootResp
	err := l.roundTrip(ctx, token, MsgPutRootReq, PutRootReq{RepoType: string(repo), JSON: rootJSON}, MsgPutRootResp, &resp)
	return resp.Result, err
}

// RotateRootsCatchUp sends every intermediate Root version the Secondary is
// missing so it can chain up to latest-1 before receiving the current
// metadata bundle.
// Version 1 is treated as a legacy fallback where a rejection still counts
// as success.
func RotateRootsCatchUp(ctx context.Context, l *Link, repo model.Repo, fetchRootJSON func(version int64) ([]byte, error), latest int64, token *flowcontrol.Token) error {
	stored, err := l.RootVersion(ctx, repo, token)
	if err != nil {
		return fmt.Errorf("secondary: query stored root version: %w", err)
	}
	if stored < 0 {
		stored = 0
	}

	for v := stored + 1; v < latest; v++ {
		raw, err := fetchRootJSON(v)
		if err != nil {
			return fmt.Errorf("secondary: load root v%d for catch-up: %w", v, err)
		}
		result, err := l.PutRoot(ctx, repo, raw, token)
		if err != nil {
			return err
		}
		if result != 0 && v != 1 {
			return fmt.Errorf("secondary: put root v%d rejected with code %d", v, result)
		}
		// v==1 rejection is a legacy fallback treated as success.
	}
	return nil
}

// PutMetadata delivers a full metadata bundle. directorCollection is empty
// in TUF (non-Uptane) mode.
func (l *Link) PutMetadata(ctx context.Context, bundle model.MetaBundle, tufOnly bool, token *flowcontrol.Token) (int, error) {
	req := PutMetaReq2{}
	var directorEntries, imageEntries int
	for key, raw := range bundle {
		entry := BundleEntry{Role: string(key.Role), JSON: raw}
		if key.Repo == model.RepoDirector {
			if tufOnly {
				continue
			}
			req.DirectorCollection = append(req.DirectorCollection, entry)
			directorEntries++
		} else {
			req.ImageCollection = append(req.ImageCollection, entry)
			imageEntries++
		}
	}

	total := directorEntries + imageEntries
	want := model.FullUptaneBundleSize
	if tufOnly {
		want = model.TufOnlyBundleSize
	}
	if total != want {
		// Not fatal; the Secondary still receives whatever entries are
		// present.
		wireLog.Warn().
			Str("addr", l.addr).
			Int("entries", total).
			Int("want", want).
			Bool("tuf_only", tufOnly).
			Msg("put_metadata: bundle entry count mismatch")
	}

	var resp PutMetaResp2
	err := l.roundTrip(ctx, token, MsgPutMetaReq2, req, MsgPutMetaResp2, &resp)
	return resp.Result, err
}

// SendFirmware streams image bytes to the Secondary in fixed-size chunks,
// observing token cancellation between chunks so an abort mid-stream
// leaves the transfer incomplete rather than blocking to completion.
func (l *Link) SendFirmware(ctx context.Context, r io.Reader, size int64, chunkSize int, token *flowcontrol.Token) (int, error) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	if token != nil {
		if err := token.CheckContext(ctx); err != nil {
			return 0, uerrors.New(uerrors.KindOperationCancelled, "", "aborted before firmware stream")
		}
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for sent < size {
		if token != nil {
			if err := token.CheckContext(ctx); err != nil {
				return 0, uerrors.New(uerrors.KindOperationCancelled, "", "aborted mid firmware stream")
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			_ = l.conn.SetDeadline(time.Now().Add(l.timeout))
			if werr := WriteFrame(l.conn, Frame{Type: MsgSendFirmwareReq, Body: buf[:n]}); werr != nil {
				return 0, werr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("secondary: read firmware chunk: %w", err)
		}
	}

	frame, err := ReadFrame(l.conn)
	if err != nil {
		return 0, err
	}
	var resp SendFirmwareResp
	if _, err := asn1.Unmarshal(frame.Body, &resp); err != nil {
		return 0, fmt.Errorf("secondary: unmarshal send-firmware reply: %w", err)
	}
	return resp.Result, nil
}

// Install asks the Secondary to apply the pending image; may return
// NeedCompletion.
func (l *Link) Install(ctx context.Context, token *flowcontrol.Token) (int, error) {
	var resp InstallResp2
	err := l.roundTrip(ctx, token, MsgInstallReq, struct{}{}, MsgInstallResp2, &resp)
	return resp.Result, err
}

// Close closes the underlying transport.
func (l *Link) Close() error {
	if closer, ok := l.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
