package pktwire

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pktwire/pkg/flow"
)

const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultSweepInterval    = 1 * time.Second
	DefaultDialTimeout      = 30 * time.Second
	DefaultFlushTimeout     = 5 * time.Second
	DefaultCorrelatorShards = 16
	DefaultQueueSize        = 64
	ALPN                    = "pktwire"
)

type config struct {
	logHandler       slog.Handler
	metricSink       metrics.MetricSink
	metricLabels     []metrics.Label
	tlsConf          *tls.Config
	peerNameResolver PeerNameResolver
	dialTimeout      time.Duration
	flushTimeout     time.Duration
	maxFrameSize     int
	requestTimeout   time.Duration
	sweepInterval    time.Duration
	correlatorShards int
	sendBufferSize   uint
	recvBufferSize   uint
	parallelDispatch bool
	strictDecode     bool

	// now is only overridden by tests.
	now func() time.Time
}

// Option to pass to the constructors of this package.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		peerNameResolver: CommonNameResolver,
		dialTimeout:      DefaultDialTimeout,
		flushTimeout:     DefaultFlushTimeout,
		maxFrameSize:     flow.DefaultMaxFrameSize,
		requestTimeout:   DefaultRequestTimeout,
		sweepInterval:    DefaultSweepInterval,
		correlatorShards: DefaultCorrelatorShards,
		sendBufferSize:   DefaultQueueSize,
		recvBufferSize:   DefaultQueueSize,
		now:              time.Now,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) sink() metrics.MetricSink {
	if c.metricSink == nil {
		return metrics.Default()
	}
	return c.metricSink
}

func (c *config) frameCodec() flow.FrameCodec {
	return flow.NewFrameCodec(c.maxFrameSize)
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the codec, the dispatcher, the correlator and the connections.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the QUIC transport.
// Use mTLS: peers are named after their certificate.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		if len(c.tlsConf.NextProtos) == 0 {
			c.tlsConf.NextProtos = []string{ALPN}
		}
		return nil
	}
}

// WithPeerNameResolver controls how QUIC peers are named from their
// certificates.
func WithPeerNameResolver(resolver PeerNameResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			resolver = CommonNameResolver
		}
		c.peerNameResolver = resolver
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithFlushTimeout bounds how long a closing connection waits for its
// peer to read the packets still queued. Past it, they are dropped.
func WithFlushTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("flush timeout must be positive, got %s", timeout)
		}
		if timeout == 0 {
			timeout = DefaultFlushTimeout
		}
		c.flushTimeout = timeout
		return nil
	}
}

// WithMaxFrameSize bounds the size of a frame in both directions.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("max frame size must be positive, got %d", size)
		}
		if size == 0 {
			size = flow.DefaultMaxFrameSize
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithRequestTimeout is the timeout of requests sent without an
// explicit one.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("request timeout must be positive, got %s", timeout)
		}
		if timeout == 0 {
			timeout = DefaultRequestTimeout
		}
		c.requestTimeout = timeout
		return nil
	}
}

// WithSweepInterval controls how often expired requests are evicted.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("sweep interval must be positive, got %s", interval)
		}
		if interval == 0 {
			interval = DefaultSweepInterval
		}
		c.sweepInterval = interval
		return nil
	}
}

// WithCorrelatorShards sets how many independently locked partitions
// hold the pending requests.
func WithCorrelatorShards(shards int) Option {
	return func(c *config) error {
		if shards < 0 {
			return fmt.Errorf("correlator shards must be positive, got %d", shards)
		}
		if shards == 0 {
			shards = DefaultCorrelatorShards
		}
		c.correlatorShards = shards
		return nil
	}
}

// WithQueueSizes sets how many frames each connection buffers in each
// direction.
func WithQueueSizes(send, recv uint) Option {
	return func(c *config) error {
		c.sendBufferSize = send
		c.recvBufferSize = recv
		return nil
	}
}

// WithParallelDispatch runs the subscribers of a packet concurrently.
// Dispatch still returns only once they all returned.
func WithParallelDispatch(enabled bool) Option {
	return func(c *config) error {
		c.parallelDispatch = enabled
		return nil
	}
}

// WithStrictDecode makes the codec reject frames whose payload was not
// entirely consumed by the packet.
func WithStrictDecode(enabled bool) Option {
	return func(c *config) error {
		c.strictDecode = enabled
		return nil
	}
}

// WithConfig applies the settings of a [Config], usually read from a
// file with [LoadConfig].
func WithConfig(conf *Config) Option {
	return func(c *config) error {
		if conf == nil {
			return nil
		}
		for _, opt := range conf.Options() {
			if err := opt(c); err != nil {
				return err
			}
		}
		return nil
	}
}

func withClock(now func() time.Time) Option {
	return func(c *config) error {
		c.now = now
		return nil
	}
}
