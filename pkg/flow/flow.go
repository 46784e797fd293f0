// Package flow moves opaque frames over a duplex byte stream.
//
// A [Raw] flow is blocking and not thread-safe, [Sender] and [Receiver]
// wrap its two halves with goroutines and queues so any number of
// callers can use them.
package flow

import "errors"

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrFrameTooLarge = errors.New("flow: frame exceeds the maximum size")
)

// Raw is a bidirectional raw flow.
//
// Most users should not use it directly but wrap it
// in a [Sender] and [Receiver] for a better DX.
type Raw struct {
	RawReceiver
	RawSender
}

func (r Raw) Close() error {
	return errors.Join(r.RawReceiver.Close(), r.RawSender.Close())
}
