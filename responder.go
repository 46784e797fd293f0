package pktwire

import (
	"context"
	"net"
)

// PacketWriter sends packets to a peer.
type PacketWriter interface {
	WritePacket(ctx context.Context, p Packet) error
}

// Peer is the transport context a packet was received from.
type Peer interface {
	PacketWriter
	// Name of the peer, as resolved by the transport. It may be empty.
	Name() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Responder replies to the packet being dispatched, on the connection
// it came from.
type Responder interface {
	Respond(ctx context.Context, p Packet) error
}

type ResponderFunc func(ctx context.Context, p Packet) error

func (f ResponderFunc) Respond(ctx context.Context, p Packet) error {
	return f(ctx, p)
}

// NewResponder returns a [Responder] which tags replies with sessionID
// before writing them to w. Replies that are not [Correlated] are sent
// as is.
func NewResponder(sessionID int64, w PacketWriter) Responder {
	return ResponderFunc(func(ctx context.Context, p Packet) error {
		if c, ok := p.(Correlated); ok && sessionID != 0 {
			c.SetSessionID(sessionID)
		}
		return w.WritePacket(ctx, p)
	})
}
