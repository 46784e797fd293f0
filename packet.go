package pktwire

import (
	"github.com/raskyld/pktwire/pkg/buffer"
)

// Packet is a message able to write its payload to a [buffer.Buffer]
// and to read it back.
//
// Packet types are registered in a [Registry] and MUST be pointer
// types, decoding populates the value the registry constructed.
type Packet interface {
	Encode(*buffer.Buffer) error
	Decode(*buffer.Buffer) error
}

// Correlated packets carry a session id linking a request to its
// response. Zero means the packet is not part of an exchange.
type Correlated interface {
	SessionID() int64
	SetSessionID(int64)
}

// Session can be embedded in a packet to implement [Correlated].
//
// The id travels inside the payload, the packet decides where by
// calling [Session.WriteSession] and [Session.ReadSession] from its own
// Encode and Decode.
type Session struct {
	ID int64
}

func (s *Session) SessionID() int64 { return s.ID }

func (s *Session) SetSessionID(id int64) { s.ID = id }

func (s *Session) WriteSession(b *buffer.Buffer) {
	b.WriteInt64(s.ID)
}

func (s *Session) ReadSession(b *buffer.Buffer) (err error) {
	s.ID, err = b.ReadInt64()
	return err
}

// SessionIDOf returns the session id of p, zero when p is not
// [Correlated].
func SessionIDOf(p Packet) int64 {
	if c, ok := p.(Correlated); ok {
		return c.SessionID()
	}
	return 0
}
