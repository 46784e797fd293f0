package pktwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/pktwire/pkg/flow"
)

// quicLinger is how long a dialer keeps its QUIC connection open after
// its [Conn] closed, so the last frames get a chance to be delivered.
const quicLinger = 2 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// QUICListener serves every stream its peers open as a [Conn] of its
// [Endpoint].
type QUICListener struct {
	ep     *Endpoint
	ln     *quic.Listener
	logger *slog.Logger

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	acceptCh chan *Conn
	cxs      map[quic.Connection]struct{}
	cxsLock  sync.Mutex
	wg       sync.WaitGroup
}

// ListenQUIC listens on addr, a TLS config MUST have been given to ep
// with [WithTlsConfig].
func ListenQUIC(ep *Endpoint, addr string) (*QUICListener, error) {
	if ep.cfg.tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	ln, err := quic.ListenAddr(addr, ep.cfg.tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	l := &QUICListener{
		ep:       ep,
		ln:       ln,
		logger:   ep.logger.With("listener", ln.Addr().String()),
		acceptCh: make(chan *Conn, DefaultQueueSize),
		cxs:      make(map[quic.Connection]struct{}),
	}

	l.wg.Add(1)
	go l.acceptCx()
	return l, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept returns the next inbound [Conn]. Conns are served whether or
// not they are accepted, Accept only hands them over.
func (l *QUICListener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-l.acceptCh:
		if !ok {
			return nil, ErrShutdown
		}
		return c, nil
	}
}

// Close stops accepting and closes every QUIC connection accepted.
func (l *QUICListener) Close() error {
	if !l.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	err := l.ln.Close()

	l.cxsLock.Lock()
	for cx := range l.cxs {
		_ = QErrShutdown.Close(cx, "we are shutting down! bye!")
	}
	l.cxsLock.Unlock()

	l.wg.Wait()
	close(l.acceptCh)
	return err
}

func (l *QUICListener) acceptCx() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			if !l.gracefulTerm.Load() {
				l.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *QUICListener) handleConn(conn quic.Connection) {
	defer l.wg.Done()

	name, err := resolvePeer(l.ep, conn)
	if err != nil {
		return
	}

	l.cxsLock.Lock()
	if l.gracefulTerm.Load() {
		l.cxsLock.Unlock()
		_ = QErrShutdown.Close(conn, "we are shutting down! bye!")
		return
	}
	l.cxs[conn] = struct{}{}
	l.cxsLock.Unlock()

	defer func() {
		l.cxsLock.Lock()
		delete(l.cxs, conn)
		l.cxsLock.Unlock()
	}()

	logger := l.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()), LabelPeerName.L(name))
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			if !l.gracefulTerm.Load() {
				logger.Debug("connection ended", LabelError.L(err))
			}
			return
		}

		c, err := l.ep.AttachRaw(flow.NewQUICStream(stream, l.ep.cfg.frameCodec()), ConnInfo{
			Name:       string(name),
			LocalAddr:  conn.LocalAddr(),
			RemoteAddr: conn.RemoteAddr(),
		})
		if err != nil {
			_ = QErrShutdown.Close(conn, "endpoint is shutting down")
			return
		}

		go func() {
			if err := c.Wait(); IsProtocolError(err) {
				_ = QErrProtocol.Close(conn, err.Error())
			}
		}()

		select {
		case l.acceptCh <- c:
		default:
			logger.Debug("nobody accepts connections, serving anyway")
		}
	}
}

// DialQUIC connects to a [QUICListener] and opens one stream served as
// a [Conn] of ep.
func DialQUIC(ctx context.Context, ep *Endpoint, addr string) (*Conn, error) {
	if ep.cfg.tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	dialCtx, cancel := context.WithTimeout(ctx, ep.cfg.dialTimeout)
	defer cancel()

	mLabels := withLabels(ep.metricLabels, LabelPeerAddr.M(addr))
	conn, err := quic.DialAddr(dialCtx, addr, ep.cfg.tlsConf, quicConfig())
	if err != nil {
		ep.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("dial")),
		)
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	name, err := resolvePeer(ep, conn)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		ep.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		_ = QErrInternal.Close(conn, "could not open stream")
		return nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	raw := flow.NewQUICStream(stream, ep.cfg.frameCodec())
	// The listener only sees the stream once something is written on it.
	if err := raw.Send(nil); err != nil {
		_ = QErrInternal.Close(conn, "could not open stream")
		return nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	c, err := ep.AttachRaw(raw, ConnInfo{
		Name:       string(name),
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
	})
	if err != nil {
		_ = QErrShutdown.Close(conn, "endpoint is shutting down")
		return nil, err
	}

	go func() {
		if err := c.Wait(); IsProtocolError(err) {
			_ = QErrProtocol.Close(conn, err.Error())
			return
		}
		select {
		case <-conn.Context().Done():
		case <-time.After(quicLinger):
		}
		_ = conn.CloseWithError(0, "bye")
	}()
	return c, nil
}

func resolvePeer(ep *Endpoint, conn quic.Connection) (PeerName, error) {
	peer := conn.RemoteAddr().String()
	logger := ep.logger.With(LabelPeerAddr.L(peer))
	mLabels := withLabels(ep.metricLabels, LabelPeerAddr.M(peer))

	name, err := ep.cfg.peerNameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to name peer", LabelError.L(err))
		ep.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("name_resolution")),
		)
		var reason RejectReason
		if errors.As(err, &reason) {
			_ = QErrPeerName.Close(conn, fmt.Sprintf("rejected: %s", reason))
		} else {
			_ = QErrPeerName.Close(conn, "unexpected error while naming peer")
		}
		return "", fmt.Errorf("%w: %w", ErrPeerNameResolve, err)
	}

	ep.msink.IncrCounterWithLabels(
		MetricQuicConnEstCount,
		1.0,
		append(mLabels, LabelPeerName.M(string(name))),
	)
	return name, nil
}
