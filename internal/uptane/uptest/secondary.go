package uptest

import (
	"net"
	"time"

	"github.com/R3E-Network/uptane-agent/internal/uptane/secondary"
)

// LinkPipe returns a secondary.Link wrapping one end of an in-memory
// net.Pipe, and the raw net.Conn for the other end so a test can drive a
// scripted Secondary responder with secondary.ReadFrame/WriteFrame
// directly, without a real TCP listener.
func LinkPipe(timeout time.Duration) (*secondary.Link, net.Conn) {
	client, server := net.Pipe()
	return secondary.New(client, timeout), server
}
