package buffer

import (
	"io"
	"math"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type entry struct {
	name  string
	score int32
}

func (e *entry) Encode(b *Buffer) error {
	if err := b.WriteString(e.name); err != nil {
		return err
	}
	b.WriteInt32(e.score)
	return nil
}

func (e *entry) Decode(b *Buffer) (err error) {
	if e.name, err = b.ReadString(); err != nil {
		return err
	}
	e.score, err = b.ReadInt32()
	return err
}

func TestBuffer_Endianness(t *testing.T) {
	b := New(0)
	b.WriteInt32(1)
	b.WriteInt32LE(1)
	b.WriteUint16(0xCAFE)
	b.WriteUint16LE(0xCAFE)
	require.Equal(t, []byte{0, 0, 0, 1, 1, 0, 0, 0, 0xCA, 0xFE, 0xFE, 0xCA}, b.Bytes())

	v, err := b.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(1), v)
	v, err = b.ReadInt32LE()
	require.NoError(t, err)
	require.Equal(t, int32(1), v)
	u, err := b.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xCAFE), u)
	u, err = b.ReadUint16LE()
	require.NoError(t, err)
	require.Equal(t, uint16(0xCAFE), u)
	require.Zero(t, b.Len())
}

func TestBuffer_Scalars(t *testing.T) {
	b := New(64)
	b.WriteBool(true)
	b.WriteInt8(-3)
	b.WriteInt16(-300)
	b.WriteInt64(math.MinInt64)
	b.WriteUint64LE(math.MaxUint64)
	b.WriteFloat32(1.5)
	b.WriteFloat64(-2.25)
	b.WriteVarInt(300)
	b.WriteSignedVarInt(-2)

	ok, err := b.ReadBool()
	require.NoError(t, err)
	require.True(t, ok)
	i8, err := b.ReadInt8()
	require.NoError(t, err)
	require.Equal(t, int8(-3), i8)
	i16, err := b.ReadInt16()
	require.NoError(t, err)
	require.Equal(t, int16(-300), i16)
	i64, err := b.ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(math.MinInt64), i64)
	u64, err := b.ReadUint64LE()
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), u64)
	f32, err := b.ReadFloat32()
	require.NoError(t, err)
	require.Equal(t, float32(1.5), f32)
	f64, err := b.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, -2.25, f64)
	vi, err := b.ReadVarInt()
	require.NoError(t, err)
	require.Equal(t, uint64(300), vi)
	svi, err := b.ReadSignedVarInt()
	require.NoError(t, err)
	require.Equal(t, int64(-2), svi)
}

func TestBuffer_ReadPastEnd(t *testing.T) {
	b := Wrap([]byte{1, 2, 3})
	_, err := b.ReadInt32()
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 0, b.ReaderIndex(), "failed read must not move the cursor")

	_, err = b.ReadVarInt()
	require.NoError(t, err)
	_, err = Wrap([]byte{0x80}).ReadVarInt()
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestBuffer_UUID(t *testing.T) {
	id := uuid.Must(uuid.FromString("00112233-4455-6677-8899-aabbccddeeff"))
	b := New(16)
	b.WriteUUID(id)
	require.Equal(t, id.Bytes(), b.Bytes())

	hi, err := Wrap(b.Bytes()).ReadInt64()
	require.NoError(t, err)
	require.Equal(t, int64(0x0011223344556677), hi)

	got, err := b.ReadUUID()
	require.NoError(t, err)
	require.Equal(t, id, got)

	short := Wrap(make([]byte, 15))
	_, err = short.ReadUUID()
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 15, short.Len())
}

func TestBuffer_String(t *testing.T) {
	b := New(0)
	require.NoError(t, b.WriteString("héllo"))
	require.NoError(t, b.WriteString(""))
	require.Equal(t, int32(6), int32(b.Bytes()[3]))

	s, err := b.ReadString()
	require.NoError(t, err)
	require.Equal(t, "héllo", s)
	s, err = b.ReadString()
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestBuffer_StringInvalidLength(t *testing.T) {
	negative := New(0)
	negative.WriteInt32(-1)
	_, err := negative.ReadString()
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 0, negative.ReaderIndex())

	tooLong := New(0)
	tooLong.WriteInt32(10)
	tooLong.WriteInt32(0)
	_, err = tooLong.ReadString()
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 8, tooLong.Len())
}

func TestBuffer_ByteArrayIsCopied(t *testing.T) {
	b := New(0)
	require.NoError(t, b.WriteByteArray([]byte{9, 8, 7}))
	p, err := b.ReadByteArray()
	require.NoError(t, err)
	require.Equal(t, []byte{9, 8, 7}, p)
	p[0] = 0
	require.Equal(t, byte(9), b.Bytes()[4])
}

func TestBuffer_Collection(t *testing.T) {
	in := []*entry{{name: "a", score: 1}, {name: "bb", score: -2}, {name: "", score: 3}}
	b := New(0)
	require.NoError(t, WriteCollection(b, in))

	out, err := ReadCollection(b, func() *entry { return &entry{} })
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Zero(t, b.Len())

	empty := New(0)
	require.NoError(t, WriteCollection[*entry](empty, nil))
	out, err = ReadCollection(empty, func() *entry { return &entry{} })
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestBuffer_CollectionInvalid(t *testing.T) {
	negative := New(0)
	negative.WriteInt32(-4)
	_, err := ReadCollection(negative, func() *entry { return &entry{} })
	require.ErrorIs(t, err, ErrOutOfRange)

	truncated := New(0)
	truncated.WriteInt32(2)
	require.NoError(t, (&entry{name: "x", score: 1}).Encode(truncated))
	_, err = ReadCollection(truncated, func() *entry { return &entry{} })
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 0, truncated.ReaderIndex())
}

func TestBuffer_Message(t *testing.T) {
	b := New(0)
	require.NoError(t, b.WriteMessage(wrapperspb.String("ping")))
	b.WriteInt8(1)

	got := &wrapperspb.StringValue{}
	require.NoError(t, b.ReadMessage(got))
	require.Equal(t, "ping", got.GetValue())
	require.Equal(t, 1, b.Len())
}

func TestBuffer_IO(t *testing.T) {
	b := New(0)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	data, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)

	b.Reset()
	require.Zero(t, b.WriterIndex())
	require.Zero(t, b.ReaderIndex())
}

func TestBuffer_SkipAndUnread(t *testing.T) {
	b := Wrap([]byte{1, 2, 3, 4, 5})

	require.NoError(t, b.Skip(2))
	require.Equal(t, 2, b.ReaderIndex())
	require.Equal(t, []byte{3, 4, 5}, b.Unread())
	require.Equal(t, 3, b.Len(), "Unread must not consume")

	require.ErrorIs(t, b.Skip(4), ErrOutOfRange)
	require.ErrorIs(t, b.Skip(-1), ErrOutOfRange)
	require.Equal(t, 2, b.ReaderIndex(), "a failed skip leaves the cursor alone")

	v, err := b.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(3), v)

	require.NoError(t, b.Skip(b.Len()))
	require.Empty(t, b.Unread())
	require.NoError(t, b.Skip(0))
}
