// Package buffer implements the cursor buffer packets use to read and
// write their payload.
//
// All multi-byte values are big-endian unless the method name ends
// with LE. Writes grow the underlying storage, reads consume bytes from
// the read cursor and fail with [ErrOutOfRange] when not enough bytes
// are readable. A failed read never moves the cursor.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	uuid "github.com/satori/go.uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

var (
	ErrOutOfRange = errors.New("buffer: read out of range")
	ErrTooLong    = errors.New("buffer: value does not fit an int32 length prefix")
)

// Encoder is implemented by values able to write themselves to a
// [Buffer].
type Encoder interface {
	Encode(*Buffer) error
}

// Decoder is implemented by values able to populate themselves from a
// [Buffer].
type Decoder interface {
	Decode(*Buffer) error
}

// Buffer is a growable byte region with a read cursor.
//
// The write position is always the end of the data, the read cursor
// starts at zero and never passes the write position.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
}

// New returns an empty Buffer with room for capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Wrap returns a Buffer reading data, the slice is not copied.
func Wrap(data []byte) *Buffer {
	return &Buffer{buf: data}
}

// Bytes returns every byte written so far, including the ones already
// read.
func (b *Buffer) Bytes() []byte { return b.buf }

// Unread returns the readable bytes without consuming them.
func (b *Buffer) Unread() []byte { return b.buf[b.off:] }

// Len is the number of readable bytes.
func (b *Buffer) Len() int { return len(b.buf) - b.off }

func (b *Buffer) ReaderIndex() int { return b.off }

func (b *Buffer) WriterIndex() int { return len(b.buf) }

// Reset empties the buffer but keeps its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// Skip discards the next n readable bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.next(n)
	return err
}

func (b *Buffer) next(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: need %d bytes, %d readable", ErrOutOfRange, n, b.Len())
	}
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p, nil
}

// Write implements [io.Writer], it never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Read implements [io.Reader].
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.off:])
	b.off += n
	return n, nil
}

// WriteByte implements [io.ByteWriter], it never fails.
func (b *Buffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// ReadByte implements [io.ByteReader].
func (b *Buffer) ReadByte() (byte, error) {
	p, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
}

// ReadBool reads one byte, any non-zero value is true.
func (b *Buffer) ReadBool() (bool, error) {
	c, err := b.ReadByte()
	return c != 0, err
}

func (b *Buffer) WriteInt8(v int8) { b.buf = append(b.buf, byte(v)) }

func (b *Buffer) ReadInt8() (int8, error) {
	c, err := b.ReadByte()
	return int8(c), err
}

func (b *Buffer) WriteUint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }
func (b *Buffer) WriteUint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }
func (b *Buffer) WriteUint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }
func (b *Buffer) WriteInt16(v int16)   { b.WriteUint16(uint16(v)) }
func (b *Buffer) WriteInt32(v int32)   { b.WriteUint32(uint32(v)) }
func (b *Buffer) WriteInt64(v int64)   { b.WriteUint64(uint64(v)) }

func (b *Buffer) WriteUint16LE(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }
func (b *Buffer) WriteUint32LE(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *Buffer) WriteUint64LE(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }
func (b *Buffer) WriteInt16LE(v int16)   { b.WriteUint16LE(uint16(v)) }
func (b *Buffer) WriteInt32LE(v int32)   { b.WriteUint32LE(uint32(v)) }
func (b *Buffer) WriteInt64LE(v int64)   { b.WriteUint64LE(uint64(v)) }

func (b *Buffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }
func (b *Buffer) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }

func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) ReadUint16LE() (uint16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint32LE() (uint32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint64LE() (uint64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (b *Buffer) ReadInt16() (int16, error) {
	v, err := b.ReadUint16()
	return int16(v), err
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

func (b *Buffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

func (b *Buffer) ReadInt16LE() (int16, error) {
	v, err := b.ReadUint16LE()
	return int16(v), err
}

func (b *Buffer) ReadInt32LE() (int32, error) {
	v, err := b.ReadUint32LE()
	return int32(v), err
}

func (b *Buffer) ReadInt64LE() (int64, error) {
	v, err := b.ReadUint64LE()
	return int64(v), err
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// WriteVarInt writes v as a protobuf base 128 varint.
func (b *Buffer) WriteVarInt(v uint64) { b.buf = protowire.AppendVarint(b.buf, v) }

// WriteSignedVarInt writes v zigzag encoded so small negative numbers
// stay short.
func (b *Buffer) WriteSignedVarInt(v int64) { b.WriteVarInt(protowire.EncodeZigZag(v)) }

func (b *Buffer) ReadVarInt() (uint64, error) {
	v, n := protowire.ConsumeVarint(b.buf[b.off:])
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrOutOfRange, protowire.ParseError(n))
	}
	b.off += n
	return v, nil
}

func (b *Buffer) ReadSignedVarInt() (int64, error) {
	v, err := b.ReadVarInt()
	return protowire.DecodeZigZag(v), err
}

// WriteUUID writes id as two big-endian int64, the most significant
// half first. That is the canonical byte order of a UUID.
func (b *Buffer) WriteUUID(id uuid.UUID) {
	b.WriteInt64(int64(binary.BigEndian.Uint64(id[:8])))
	b.WriteInt64(int64(binary.BigEndian.Uint64(id[8:])))
}

func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	p, err := b.next(uuid.Size)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(p)
}

// WriteString writes an int32 byte length followed by the bytes of s.
// The empty string is how an absent string travels.
func (b *Buffer) WriteString(s string) error {
	if len(s) > math.MaxInt32 {
		return ErrTooLong
	}
	b.WriteInt32(int32(len(s)))
	b.buf = append(b.buf, s...)
	return nil
}

// ReadString reads a string written by [Buffer.WriteString]. A negative
// length or a length past the readable bytes is [ErrOutOfRange].
func (b *Buffer) ReadString() (string, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// WriteByteArray writes an int32 length followed by p.
func (b *Buffer) WriteByteArray(p []byte) error {
	if len(p) > math.MaxInt32 {
		return ErrTooLong
	}
	b.WriteInt32(int32(len(p)))
	b.buf = append(b.buf, p...)
	return nil
}

// ReadByteArray reads a block written by [Buffer.WriteByteArray], the
// returned slice is a copy.
func (b *Buffer) ReadByteArray() ([]byte, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (b *Buffer) readPrefixed() ([]byte, error) {
	start := b.off
	n, err := b.ReadInt32()
	if err != nil {
		return nil, err
	}
	p, err := b.next(int(n))
	if err != nil {
		b.off = start
		return nil, err
	}
	return p, nil
}

// WriteMessage embeds a protobuf message as a length-prefixed block.
func (b *Buffer) WriteMessage(m proto.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return fmt.Errorf("buffer: encode message: %w", err)
	}
	return b.WriteByteArray(data)
}

func (b *Buffer) ReadMessage(m proto.Message) error {
	start := b.off
	p, err := b.readPrefixed()
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(p, m); err != nil {
		b.off = start
		return fmt.Errorf("buffer: decode message: %w", err)
	}
	return nil
}

// WriteCollection writes an int32 count followed by the encoding of
// every item, in order.
func WriteCollection[T Encoder](b *Buffer, items []T) error {
	if len(items) > math.MaxInt32 {
		return ErrTooLong
	}
	b.WriteInt32(int32(len(items)))
	for i, item := range items {
		if err := item.Encode(b); err != nil {
			return fmt.Errorf("buffer: collection entry %d: %w", i, err)
		}
	}
	return nil
}

// ReadCollection reads a collection written by [WriteCollection],
// building every entry with factory before decoding it.
func ReadCollection[T Decoder](b *Buffer, factory func() T) ([]T, error) {
	start := b.off
	n, err := b.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		b.off = start
		return nil, fmt.Errorf("%w: negative collection size %d", ErrOutOfRange, n)
	}

	// n comes from the wire, do not let it size the allocation alone.
	items := make([]T, 0, min(int(n), b.Len()))
	for i := 0; i < int(n); i++ {
		item := factory()
		if err := item.Decode(b); err != nil {
			b.off = start
			return nil, fmt.Errorf("buffer: collection entry %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}
