package flow

import (
	"context"
	"sync"
)

// RawReceiver is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawReceiver interface {
	Recv() ([]byte, error)
	Close() error
}

// Receiver is a thread-safe flow reader.
type Receiver struct {
	raw RawReceiver

	readCh     chan []byte
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver(raw RawReceiver, bufferSize uint) *Receiver {
	r := &Receiver{
		raw: raw,

		readCh:  make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
	}

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv returns the next frame. Frames read before the flow ended are
// all delivered before the error which ended it.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-r.readCh:
		if !ok {
			return nil, r.Err()
		}
		return frame, nil
	}
}

// Err returns the error which ended the flow, if any.
func (r *Receiver) Err() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.err
}

func (r *Receiver) Close() error {
	return r.closeWith(ErrFlowClosed, true)
}

func (r *Receiver) closeWith(cause error, mustWait bool) error {
	r.lk.Lock()
	if r.err != nil {
		r.lk.Unlock()
		return nil
	}
	r.err = cause
	close(r.closeCh)
	err := r.raw.Close()
	r.lk.Unlock()
	if mustWait {
		r.mainLoopWg.Wait()
	}
	close(r.readCh)
	return err
}

func (r *Receiver) run() {
	defer r.mainLoopWg.Done()
	for {
		frame, err := r.raw.Recv()
		if err != nil {
			_ = r.closeWith(err, false)
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- frame:
		}
	}
}
