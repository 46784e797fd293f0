package flow

import (
	"context"
	"errors"
	"sync"
)

// RawSender is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawSender interface {
	Send([]byte) error
	Close() error
}

// Aborter is implemented by raw senders able to interrupt a blocked
// Send. Raw senders without it are aborted with Close.
type Aborter interface {
	Abort() error
}

func abort(raw RawSender) error {
	if a, ok := raw.(Aborter); ok {
		return a.Abort()
	}
	return raw.Close()
}

// Sender is a thread-safe flow writer. Frames are queued and written by
// a single goroutine, in the order Send accepted them.
type Sender struct {
	raw RawSender

	writeCh chan []byte
	closeCh chan struct{}
	doneCh  chan struct{}

	// handle Close sync.
	writer  sync.WaitGroup
	closing bool
	err     error
	lk      sync.Mutex
}

func NewSender(raw RawSender, bufferSize uint) *Sender {
	w := &Sender{
		raw: raw,

		writeCh: make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go w.run()

	return w
}

// Send queues frame. The frame MUST NOT be modified afterwards.
func (w *Sender) Send(ctx context.Context, frame []byte) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	if w.closing {
		w.lk.Unlock()
		return ErrFlowClosed
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.Err()
	case w.writeCh <- frame:
	}

	return nil
}

// Close writes the queued frames then closes the raw flow.
//
// It waits as long as the peer needs to read them, see
// [Sender.CloseContext] to bound that wait.
func (w *Sender) Close() error {
	return w.CloseContext(context.Background())
}

// CloseContext writes the queued frames then closes the raw flow. If
// ctx ends first, the raw flow is aborted and the frames left in the
// queue are dropped.
func (w *Sender) CloseContext(ctx context.Context) error {
	w.lk.Lock()
	if w.closing {
		w.lk.Unlock()
		<-w.doneCh
		return nil
	}
	w.closing = true
	w.lk.Unlock()

	flushed := make(chan struct{})
	go func() {
		w.writer.Wait()
		close(w.writeCh)
		<-w.doneCh
		close(flushed)
	}()

	select {
	case <-flushed:
		return w.raw.Close()
	case <-ctx.Done():
	}

	// Unblock the writers stuck on a full queue, then the pending write.
	w.fail(ErrFlowClosed)
	err := abort(w.raw)
	<-flushed
	return errors.Join(ctx.Err(), err)
}

// Done is closed when the sender failed to write.
func (w *Sender) Done() <-chan struct{} {
	return w.closeCh
}

// Err returns the write error which stopped the sender, if any.
func (w *Sender) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

func (w *Sender) fail(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
}

func (w *Sender) run() {
	defer close(w.doneCh)
	for frame := range w.writeCh {
		if err := w.raw.Send(frame); err != nil {
			w.fail(err)
			return
		}
	}
}
