package flow

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameCodec_RoundTrip(t *testing.T) {
	codec := NewFrameCodec(0)
	var wire bytes.Buffer
	frames := [][]byte{{}, []byte("a"), bytes.Repeat([]byte{0xAB}, 300)}
	for _, f := range frames {
		require.NoError(t, codec.Encode(&wire, f))
	}

	// 300 needs a two byte varint.
	require.Equal(t, 1+0+1+1+2+300, wire.Len())

	r := bufio.NewReader(&wire)
	for _, f := range frames {
		got, err := codec.Decode(r)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
	_, err := codec.Decode(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameCodec_Truncated(t *testing.T) {
	codec := NewFrameCodec(0)
	var wire bytes.Buffer
	require.NoError(t, codec.Encode(&wire, []byte("hello")))

	_, err := codec.Decode(bufio.NewReader(bytes.NewReader(wire.Bytes()[:3])))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = codec.Decode(bufio.NewReader(bytes.NewReader(wire.Bytes()[:1])))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = codec.Decode(bufio.NewReader(bytes.NewReader([]byte{0x80})))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameCodec_TooLarge(t *testing.T) {
	small := NewFrameCodec(4)
	var wire bytes.Buffer
	require.ErrorIs(t, small.Encode(&wire, []byte("hello")), ErrFrameTooLarge)
	require.Zero(t, wire.Len())

	require.NoError(t, NewFrameCodec(0).Encode(&wire, []byte("hello")))
	_, err := small.Decode(bufio.NewReader(&wire))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLocalPair(t *testing.T) {
	a, b := NewLocalPair(4)
	frame := []byte("ping")
	require.NoError(t, a.Send(frame))
	frame[0] = 'x'

	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got, "frames must be copied")

	require.NoError(t, a.RawSender.Close())
	_, err = b.Recv()
	require.ErrorIs(t, err, ErrFlowClosed)
	require.ErrorIs(t, a.Send(frame), ErrFlowClosed)
}

func TestSenderReceiver_Ordering(t *testing.T) {
	a, b := NewLocalPair(0)
	sender := NewSender(a, 8)
	receiver := NewReceiver(b, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			if err := sender.Send(ctx, []byte(fmt.Sprint(i))); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), string(got))
	}

	require.NoError(t, sender.Close())
	require.NoError(t, receiver.Close())
}

func TestSender_FlushOnClose(t *testing.T) {
	c1, c2 := net.Pipe()
	sender := NewSender(NewStream(c1, NewFrameCodec(0)).RawSender, 16)
	receiver := NewReceiver(NewStream(c2, NewFrameCodec(0)), 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, sender.Send(ctx, []byte{byte(i)}))
	}
	require.NoError(t, sender.Close())
	require.ErrorIs(t, sender.Send(ctx, []byte{1}), ErrFlowClosed)
	require.NoError(t, c1.Close())

	for i := 0; i < 10; i++ {
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
	_, err := receiver.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestSender_FailsOnWriteError(t *testing.T) {
	c1, c2 := net.Pipe()
	require.NoError(t, c2.Close())
	sender := NewSender(NewStream(c1, NewFrameCodec(0)).RawSender, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sender.Send(ctx, []byte("lost")))
	select {
	case <-sender.Done():
	case <-ctx.Done():
		t.Fatal("sender did not notice the broken pipe")
	}
	require.ErrorIs(t, sender.Err(), io.ErrClosedPipe)
	require.ErrorIs(t, sender.Send(ctx, []byte("x")), io.ErrClosedPipe)
	require.NoError(t, sender.Close())
}

func TestReceiver_CloseUnblocksRecv(t *testing.T) {
	a, b := NewLocalPair(0)
	defer a.Close()
	receiver := NewReceiver(b, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = receiver.Recv(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, receiver.Close())
	wg.Wait()
	require.ErrorIs(t, err, ErrFlowClosed)
}

func TestReceiver_ContextCancel(t *testing.T) {
	_, b := NewLocalPair(0)
	receiver := NewReceiver(b, 0)
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := receiver.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSender_CloseContextAbortsStalledStream(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	sender := NewSender(NewStream(c1, NewFrameCodec(0)).RawSender, 16)

	// Nobody reads c2, the first write blocks forever.
	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(context.Background(), []byte{byte(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- sender.CloseContext(ctx) }()

	select {
	case err := <-closed:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("CloseContext hung on a peer which does not read")
	}

	require.ErrorIs(t, sender.Send(context.Background(), []byte{9}), ErrFlowClosed)
	_, err := c2.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF, "the stream is closed once aborted")
}

func TestSender_CloseContextUnblocksWriters(t *testing.T) {
	a, b := NewLocalPair(0)
	defer b.Close()
	sender := NewSender(a.RawSender, 1)

	require.NoError(t, sender.Send(context.Background(), []byte("in flight")))
	blocked := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { blocked <- sender.Send(context.Background(), []byte("queued")) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sender.CloseContext(ctx), context.DeadlineExceeded)

	// One of them may have made it to the queue before the close.
	for i := 0; i < 2; i++ {
		select {
		case err := <-blocked:
			if err != nil {
				require.ErrorIs(t, err, ErrFlowClosed)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("writer still blocked after close")
		}
	}
	require.NoError(t, sender.Close(), "closing twice is a no-op")
}
