package flow

import (
	"bufio"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

// StreamErrCancelRead is the code sent to the peer when we stop
// reading a QUIC stream.
const StreamErrCancelRead = quic.StreamErrorCode(0xC)

// StreamErrCancelWrite is the code sent to the peer when we give up
// writing a QUIC stream.
const StreamErrCancelWrite = quic.StreamErrorCode(0xD)

// NewStream frames a generic byte stream such as a [net.Conn].
//
// Closing the sender half-closes the stream when it supports
// CloseWrite, closing the receiver closes the whole stream.
func NewStream(rw io.ReadWriteCloser, codec FrameCodec) Raw {
	s := &stream{rw: rw, br: bufio.NewReader(rw), codec: codec}
	return Raw{
		RawReceiver: streamReceiver{s},
		RawSender:   streamSender{s},
	}
}

type stream struct {
	rw    io.ReadWriteCloser
	br    *bufio.Reader
	codec FrameCodec

	once     sync.Once
	closeErr error
}

func (s *stream) close() error {
	s.once.Do(func() {
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}

type streamSender struct{ *stream }

func (s streamSender) Send(frame []byte) error {
	return s.codec.Encode(s.rw, frame)
}

func (s streamSender) Close() error {
	if cw, ok := s.rw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Abort closes the whole stream, which interrupts a blocked Send.
func (s streamSender) Abort() error {
	return s.close()
}

type streamReceiver struct{ *stream }

func (r streamReceiver) Recv() ([]byte, error) {
	return r.codec.Decode(r.br)
}

func (r streamReceiver) Close() error {
	return r.close()
}

// NewQUICStream frames a bidirectional QUIC stream.
func NewQUICStream(s quic.Stream, codec FrameCodec) Raw {
	return Raw{
		RawReceiver: RemoteReceiver{
			ReceiveStream: s,
			br:            bufio.NewReader(s),
			codec:         codec,
		},
		RawSender: RemoteSender{
			SendStream: s,
			codec:      codec,
		},
	}
}

type RemoteSender struct {
	quic.SendStream
	codec FrameCodec
}

var _ RawSender = RemoteSender{}

func (s RemoteSender) Send(frame []byte) error {
	return s.codec.Encode(s.SendStream, frame)
}

// Abort resets the stream, which interrupts a blocked Send.
func (s RemoteSender) Abort() error {
	s.CancelWrite(StreamErrCancelWrite)
	return nil
}

type RemoteReceiver struct {
	quic.ReceiveStream
	br    *bufio.Reader
	codec FrameCodec
}

var _ RawReceiver = RemoteReceiver{}

func (r RemoteReceiver) Recv() ([]byte, error) {
	return r.codec.Decode(r.br)
}

func (r RemoteReceiver) Close() error {
	r.CancelRead(StreamErrCancelRead)
	return nil
}
