package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize is used when a [FrameCodec] has no limit set.
const DefaultMaxFrameSize = 8 << 20

// FrameCodec is a simple framing codec using varint length-prefixed
// frames to exchange []byte over a stream.
type FrameCodec struct {
	MaxFrameSize int
}

func NewFrameCodec(maxFrameSize int) FrameCodec {
	return FrameCodec{MaxFrameSize: maxFrameSize}
}

func (c FrameCodec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Check returns [ErrFrameTooLarge] if frame cannot be sent.
func (c FrameCodec) Check(frame []byte) error {
	if len(frame) > c.limit() {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), c.limit())
	}
	return nil
}

// Encode writes the length prefix and the frame with a single Write.
func (c FrameCodec) Encode(w io.Writer, frame []byte) error {
	if err := c.Check(frame); err != nil {
		return err
	}
	prefixed := make([]byte, 0, binary.MaxVarintLen64+len(frame))
	prefixed = protowire.AppendVarint(prefixed, uint64(len(frame)))
	prefixed = append(prefixed, frame...)
	_, err := w.Write(prefixed)
	return err
}

// FrameReader is what [FrameCodec.Decode] reads from, typically a
// [bufio.Reader].
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// Decode reads one frame. It returns [io.EOF] only when the stream ends
// cleanly between two frames, a stream ending inside a frame is
// [io.ErrUnexpectedEOF].
func (c FrameCodec) Decode(r FrameReader) ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix[n] = b
		n++
		if b < 0x80 || n == len(prefix) {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, fmt.Errorf("flow: invalid frame length: %w", protowire.ParseError(m))
	}
	if size > uint64(c.limit()) {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
