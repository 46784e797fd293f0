package pktwire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pktwire/pkg/buffer"
	"github.com/raskyld/pktwire/pkg/flow"
)

// Codec turns frames into packets and packets into frames.
//
// A frame is a big-endian int32 packet id followed by the packet
// payload. Delimiting frames on the wire is the job of [flow].
type Codec struct {
	registry *Registry
	frames   flow.FrameCodec
	strict   bool

	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func NewCodec(registry *Registry, opts ...Option) (*Codec, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCodec(registry, cfg), nil
}

func newCodec(registry *Registry, cfg *config) *Codec {
	return &Codec{
		registry:     registry,
		frames:       cfg.frameCodec(),
		strict:       cfg.strictDecode,
		msink:        cfg.sink(),
		metricLabels: cfg.metricLabels,
	}
}

func (c *Codec) Registry() *Registry { return c.registry }

// Decode builds the packet held by a complete frame.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	p, id, err := c.decode(frame)
	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricDecodeErrorCount,
			1.0,
			withLabels(c.metricLabels, packetIDLabel(id), LabelError.M(errorReason(err))),
		)
		return nil, err
	}
	c.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0, withLabels(c.metricLabels, packetIDLabel(id)))
	c.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(frame)), c.metricLabels)
	return p, nil
}

func (c *Codec) decode(frame []byte) (Packet, int32, error) {
	buf := buffer.Wrap(frame)
	id, err := buf.ReadInt32()
	if err != nil {
		return nil, NotFound, fmt.Errorf("codec: frame too short for a packet id: %w", err)
	}
	if !c.registry.ContainsID(id) {
		return nil, id, fmt.Errorf("%w: %d", ErrUnknownPacketID, id)
	}

	p, err := c.registry.Construct(id)
	if err != nil {
		return nil, id, err
	}
	if err := p.Decode(buf); err != nil {
		return nil, id, fmt.Errorf("codec: decode packet %d: %w", id, err)
	}
	if c.strict && buf.Len() > 0 {
		return nil, id, fmt.Errorf("%w: packet %d left %d bytes", ErrTrailingBytes, id, buf.Len())
	}
	return p, id, nil
}

// Encode returns the frame of p.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	frame, id, err := c.encode(p)
	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricEncodeErrorCount,
			1.0,
			withLabels(c.metricLabels, packetIDLabel(id), LabelError.M(errorReason(err))),
		)
		return nil, err
	}
	c.msink.IncrCounterWithLabels(MetricFrameOutCount, 1.0, withLabels(c.metricLabels, packetIDLabel(id)))
	c.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(frame)), c.metricLabels)
	return frame, nil
}

func (c *Codec) encode(p Packet) ([]byte, int32, error) {
	id := c.registry.IDOf(p)
	if id == NotFound {
		return nil, id, fmt.Errorf("%w: %s", ErrUnregisteredType, reflect.TypeOf(p))
	}

	buf := buffer.New(64)
	buf.WriteInt32(id)
	if err := p.Encode(buf); err != nil {
		return nil, id, fmt.Errorf("codec: encode packet %d: %w", id, err)
	}
	if err := c.frames.Check(buf.Bytes()); err != nil {
		return nil, id, err
	}
	return buf.Bytes(), id, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrUnregisteredType):
		return "unregistered"
	case IsProtocolError(err):
		return "protocol"
	case errors.Is(err, ErrInstantiation):
		return "instantiation"
	case errors.Is(err, buffer.ErrOutOfRange):
		return "out_of_range"
	default:
		return "payload"
	}
}
