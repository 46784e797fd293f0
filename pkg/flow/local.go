package flow

import "sync"

// LocalFlow is an in-process one-way frame pipe. It implements both
// [RawSender] and [RawReceiver].
type LocalFlow struct {
	data    chan []byte
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewLocalFlow(bufferSize uint) *LocalFlow {
	return &LocalFlow{
		data:    make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// NewLocalPair returns the two ends of an in-process duplex flow.
func NewLocalPair(bufferSize uint) (Raw, Raw) {
	ab := NewLocalFlow(bufferSize)
	ba := NewLocalFlow(bufferSize)
	return Raw{RawReceiver: ba, RawSender: ab}, Raw{RawReceiver: ab, RawSender: ba}
}

// Recv returns buffered frames first and [ErrFlowClosed] once the flow
// is closed and drained.
func (fl *LocalFlow) Recv() ([]byte, error) {
	frame, ok := <-fl.data
	if !ok {
		return nil, ErrFlowClosed
	}
	return frame, nil
}

// Send copies frame so the caller may reuse it.
func (fl *LocalFlow) Send(frame []byte) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrFlowClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	cloned := make([]byte, len(frame))
	copy(cloned, frame)

	select {
	case fl.data <- cloned:
		return nil
	case <-fl.closeCh:
		return ErrFlowClosed
	}
}

func (fl *LocalFlow) Close() error {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
	return nil
}
