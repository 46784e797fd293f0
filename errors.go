package pktwire

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/pktwire/pkg/flow"
)

var (
	ErrInvalidCfg    = errors.New("pktwire: invalid options")
	ErrInvalidConfig = errors.New("pktwire: invalid configuration file")

	ErrRegistration  = errors.New("registry: invalid registration")
	ErrInstantiation = errors.New("registry: could not instantiate packet")

	ErrUnknownPacketID  = errors.New("codec: unknown packet id")
	ErrUnregisteredType = errors.New("codec: packet type is not registered")
	ErrTrailingBytes    = errors.New("codec: frame has unread trailing bytes")

	ErrSubscriberShape  = errors.New("dispatcher: invalid subscriber signature")
	ErrSubscriberFailed = errors.New("dispatcher: subscriber failed")

	ErrNotCorrelated        = errors.New("correlator: packet does not carry a session id")
	ErrDuplicateSessionID   = errors.New("correlator: session id already in flight")
	ErrResponseTypeMismatch = errors.New("correlator: response has an unexpected type")
	ErrRequestExpired       = errors.New("correlator: request expired")
	ErrRequestCancelled     = errors.New("correlator: request cancelled")
	ErrPeerGone             = errors.New("correlator: peer went away")
	ErrCallbackPanic        = errors.New("correlator: completion callback panicked")
	ErrCorrelatorClosed     = errors.New("correlator: closed")

	ErrConnClosed      = errors.New("conn: closed")
	ErrPeerNameResolve = errors.New("transport: could not name peer from certificate")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrShutdown        = errors.New("transport: shutting down")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrPeerName = QuicApplicationError{
		Code:   0x2,
		Prefix: "peer name",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol violation",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// IsProtocolError reports whether err means the peer does not speak
// our protocol, in which case the connection cannot be trusted anymore.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownPacketID) ||
		errors.Is(err, ErrUnregisteredType) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, flow.ErrFrameTooLarge)
}
