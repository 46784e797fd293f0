package pktwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/pktwire/pkg/flow"
)

var errFrameRejected = errors.New("conn: rejected frame")

// ConnInfo describes the transport under a [Conn].
type ConnInfo struct {
	Name       string
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// Conn exchanges packets over one flow.
//
// Incoming packets first go through the correlator, then to the
// dispatcher. Subscribers run on the read loop of the connection: a
// subscriber waiting for a response from the same connection must do
// so from another goroutine.
//
// Any frame which cannot be decoded closes the connection, the stream
// cannot be trusted anymore.
//
// Every incoming [Correlated] packet is offered to the correlator, the
// peer's requests included. Requests should get their id from
// [Correlator.NextSessionID], or be sent with a zero id, rather than
// use fixed ids the peer may pick too.
type Conn struct {
	info     ConnInfo
	sender   *flow.Sender
	receiver *flow.Receiver

	codec      *Codec
	dispatcher *Dispatcher
	correlator *Correlator

	flushTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

var _ Peer = (*Conn)(nil)

func newConn(ep *Endpoint, raw flow.Raw, info ConnInfo) *Conn {
	if info.LocalAddr == nil {
		info.LocalAddr = pipeAddr("local")
	}
	if info.RemoteAddr == nil {
		info.RemoteAddr = pipeAddr("remote")
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	mLabels := withLabels(ep.metricLabels, LabelPeerAddr.M(info.RemoteAddr.String()))
	if info.Name != "" {
		mLabels = append(mLabels, LabelPeerName.M(info.Name))
	}

	return &Conn{
		info:         info,
		sender:       flow.NewSender(raw.RawSender, ep.cfg.sendBufferSize),
		receiver:     flow.NewReceiver(raw.RawReceiver, ep.cfg.recvBufferSize),
		codec:        ep.codec,
		dispatcher:   ep.dispatcher,
		correlator:   ep.correlator,
		flushTimeout: ep.cfg.flushTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		logger:       ep.logger.With(LabelPeerAddr.L(info.RemoteAddr.String()), LabelPeerName.L(info.Name)),
		msink:        ep.msink,
		metricLabels: mLabels,
	}
}

func (c *Conn) Name() string         { return c.info.Name }
func (c *Conn) LocalAddr() net.Addr  { return c.info.LocalAddr }
func (c *Conn) RemoteAddr() net.Addr { return c.info.RemoteAddr }

// WritePacket encodes p and queues its frame.
func (c *Conn) WritePacket(ctx context.Context, p Packet) error {
	frame, err := c.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, frame); err != nil {
		if errors.Is(err, flow.ErrFlowClosed) {
			return fmt.Errorf("%w: %w", ErrConnClosed, err)
		}
		return fmt.Errorf("conn: write: %w", err)
	}
	return nil
}

// Context is cancelled once the connection starts closing.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the connection is closed and returns what closed
// it, nil for a clean close by either side.
func (c *Conn) Wait() error {
	<-c.done
	return c.err
}

// Close flushes the queued packets and closes the connection. It does
// not wait for the read loop, see [Conn.Wait].
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) serve() {
	defer close(c.done)
	c.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.metricLabels)
	c.logger.Debug("connection established")

	err := c.readLoop()
	c.shutdown(err)
}

func (c *Conn) readLoop() error {
	for {
		frame, err := c.receiver.Recv(c.ctx)
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			// keep-alive, also sent by dialers to open QUIC streams.
			continue
		}

		p, err := c.codec.Decode(frame)
		if err != nil {
			return fmt.Errorf("%w: %w", errFrameRejected, err)
		}

		if err := c.correlator.OnIncoming(p); err != nil {
			c.logger.Warn("could not complete request",
				LabelSessionID.L(SessionIDOf(p)),
				LabelError.L(err),
			)
		}

		// Failures are logged and counted by the dispatcher.
		_ = c.dispatcher.Dispatch(c.ctx, p, c, NewResponder(SessionIDOf(p), c))
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if isCleanClose(cause) {
			cause = nil
		}
		c.err = cause
		c.cancel(ErrConnClosed)

		// A peer which stopped reading must not hold the close forever.
		flushCtx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
		if err := c.sender.CloseContext(flushCtx); err != nil {
			c.logger.Debug("error flushing connection", LabelError.L(err))
		}
		cancel()
		if err := c.receiver.Close(); err != nil {
			c.logger.Debug("error closing connection", LabelError.L(err))
		}

		if n := c.correlator.CancelBy(c); n > 0 {
			c.logger.Debug("cancelled pending requests", "count", n)
		}

		if cause != nil {
			reason := "io"
			switch {
			case IsProtocolError(cause):
				reason = "protocol"
			case errors.Is(cause, errFrameRejected):
				reason = "decode"
			}
			c.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				withLabels(c.metricLabels, LabelError.M(reason)),
			)
			c.logger.Warn("connection failed", LabelError.L(cause))
		} else {
			c.logger.Debug("connection closed")
		}
		c.msink.IncrCounterWithLabels(MetricConnClosedCount, 1.0, c.metricLabels)
	})
}

func isCleanClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return appErr.ErrorCode == 0 || uint64(appErr.ErrorCode) == QErrShutdown.Code
	}
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, flow.ErrFlowClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
