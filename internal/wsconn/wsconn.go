// Package wsconn is a thin client-side WebSocket transport wrapper
// around gobwas/ws, the teacher's own framing library. The teacher uses
// wsutil.WriteServerMessage/ReadClientData because it accepts inbound
// connections; a connection runner dials out, so this package uses the
// client-side counterparts (ws.Dialer, wsutil.WriteClientMessage,
// wsutil.ReadServerData) instead.
package wsconn

import (
	"context"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one dialed outbound WebSocket connection.
type Conn struct {
	nc     net.Conn
	closed bool
}

// Dial opens a client WebSocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	nc, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Conn{nc: nc}, nil
}

// SetReadDeadline forwards to the underlying connection. The runner does
// not call it; idle connections are detected by its heartbeat ticker.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// WriteText sends one text frame.
func (c *Conn) WriteText(b []byte) error {
	return wsutil.WriteClientMessage(c.nc, ws.OpText, b)
}

// WritePing sends a protocol-level ping frame.
func (c *Conn) WritePing() error {
	return wsutil.WriteClientMessage(c.nc, ws.OpPing, nil)
}

// WriteClose sends a close frame, best-effort.
func (c *Conn) WriteClose() error {
	return wsutil.WriteClientMessage(c.nc, ws.OpClose, nil)
}

// ReadFrame reads one message, returning its payload and opcode. Pings
// and pongs are only returned when the venue sends application-level
// equivalents as text; protocol-level control frames are consumed
// internally by wsutil and never surfaced here except OpClose.
func (c *Conn) ReadFrame() ([]byte, ws.OpCode, error) {
	return wsutil.ReadServerData(c.nc)
}

// Close tears down the underlying connection. Safe to call multiple
// times.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}
