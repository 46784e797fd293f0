package pktwire

import (
	"crypto/x509"
)

// PeerName is how a QUIC peer is known once its certificates are
// verified. It becomes [Conn.Name] and labels the logs and metrics of
// the connection.
type PeerName string

// PeerNameResolver names a peer from the certificates it presented, leaf
// first. It runs on the accept and dial paths and must not block.
//
// Returning an error rejects the peer. A [RejectReason] in the error
// chain is shown to the peer, other errors are reported with a generic
// message.
type PeerNameResolver func(certs []*x509.Certificate) (PeerName, error)

// RejectReason is an error meant for the rejected peer.
type RejectReason string

func (r RejectReason) Error() string { return string(r) }

// CommonNameResolver names peers after the subject common name of their
// leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (PeerName, error) {
	if len(certs) == 0 {
		return "", RejectReason("no certificate was presented")
	}
	cn := certs[0].Subject.CommonName
	if cn == "" {
		return "", RejectReason("certificate has no common name")
	}
	return PeerName(cn), nil
}
