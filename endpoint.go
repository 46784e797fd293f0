package pktwire

import (
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pktwire/pkg/flow"
)

// Endpoint owns what its connections share: the registry and codec,
// the dispatcher and the correlator.
type Endpoint struct {
	cfg        *config
	registry   *Registry
	codec      *Codec
	dispatcher *Dispatcher
	correlator *Correlator

	conns  map[*Conn]struct{}
	closed bool
	lk     sync.Mutex
	wg     sync.WaitGroup

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func NewEndpoint(registry *Registry, opts ...Option) (*Endpoint, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Endpoint{
		cfg:          cfg,
		registry:     registry,
		codec:        newCodec(registry, cfg),
		dispatcher:   newDispatcher(cfg),
		correlator:   newCorrelator(cfg),
		conns:        make(map[*Conn]struct{}),
		logger:       cfg.logger(),
		msink:        cfg.sink(),
		metricLabels: cfg.metricLabels,
	}, nil
}

func (ep *Endpoint) Registry() *Registry     { return ep.registry }
func (ep *Endpoint) Codec() *Codec           { return ep.codec }
func (ep *Endpoint) Dispatcher() *Dispatcher { return ep.dispatcher }
func (ep *Endpoint) Correlator() *Correlator { return ep.correlator }

func (ep *Endpoint) Subscribe(subs ...Subscription) error {
	return ep.dispatcher.Subscribe(subs...)
}

func (ep *Endpoint) Register(s Subscriber) error {
	return ep.dispatcher.Register(s)
}

// Attach serves packets over nc until either side closes it.
func (ep *Endpoint) Attach(nc net.Conn) (*Conn, error) {
	return ep.AttachRaw(flow.NewStream(nc, ep.cfg.frameCodec()), ConnInfo{
		Name:       nc.RemoteAddr().String(),
		LocalAddr:  nc.LocalAddr(),
		RemoteAddr: nc.RemoteAddr(),
	})
}

// AttachRaw serves packets over an already framed flow.
func (ep *Endpoint) AttachRaw(raw flow.Raw, info ConnInfo) (*Conn, error) {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		_ = raw.Close()
		return nil, ErrShutdown
	}
	c := newConn(ep, raw, info)
	ep.conns[c] = struct{}{}
	ep.wg.Add(1)
	ep.lk.Unlock()

	go func() {
		defer ep.wg.Done()
		c.serve()
		ep.lk.Lock()
		delete(ep.conns, c)
		ep.lk.Unlock()
	}()
	return c, nil
}

// Pipe connects ep and peer in memory.
func (ep *Endpoint) Pipe(peer *Endpoint) (*Conn, *Conn, error) {
	local, remote := flow.NewLocalPair(ep.cfg.sendBufferSize)
	c1, err := ep.AttachRaw(local, ConnInfo{
		LocalAddr:  pipeAddr("local"),
		RemoteAddr: pipeAddr("remote"),
	})
	if err != nil {
		_ = remote.Close()
		return nil, nil, err
	}
	c2, err := peer.AttachRaw(remote, ConnInfo{
		LocalAddr:  pipeAddr("remote"),
		RemoteAddr: pipeAddr("local"),
	})
	if err != nil {
		_ = c1.Close()
		return nil, nil, err
	}
	return c1, c2, nil
}

// Conns returns the connections currently served.
func (ep *Endpoint) Conns() []*Conn {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	conns := make([]*Conn, 0, len(ep.conns))
	for c := range ep.conns {
		conns = append(conns, c)
	}
	return conns
}

// Shutdown closes every connection, waits for them, then fails the
// requests still pending.
func (ep *Endpoint) Shutdown() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	conns := make([]*Conn, 0, len(ep.conns))
	for c := range ep.conns {
		conns = append(conns, c)
	}
	ep.lk.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	ep.wg.Wait()
	return ep.correlator.Close()
}
