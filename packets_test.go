package pktwire

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pktwire/pkg/buffer"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
)

const (
	pingID int32 = 1
	pongID int32 = 2
	noteID int32 = 3
)

type Ping struct {
	Session
	Payload string
}

func (p *Ping) Encode(b *buffer.Buffer) error {
	p.WriteSession(b)
	return b.WriteString(p.Payload)
}

func (p *Ping) Decode(b *buffer.Buffer) (err error) {
	if err := p.ReadSession(b); err != nil {
		return err
	}
	p.Payload, err = b.ReadString()
	return err
}

type Pong struct {
	Session
	Payload string
	Echoed  uuid.UUID
}

func (p *Pong) Encode(b *buffer.Buffer) error {
	p.WriteSession(b)
	b.WriteUUID(p.Echoed)
	return b.WriteString(p.Payload)
}

func (p *Pong) Decode(b *buffer.Buffer) (err error) {
	if err := p.ReadSession(b); err != nil {
		return err
	}
	if p.Echoed, err = b.ReadUUID(); err != nil {
		return err
	}
	p.Payload, err = b.ReadString()
	return err
}

type tag struct {
	Key   string
	Value int64
}

func (t *tag) Encode(b *buffer.Buffer) error {
	if err := b.WriteString(t.Key); err != nil {
		return err
	}
	b.WriteInt64LE(t.Value)
	return nil
}

func (t *tag) Decode(b *buffer.Buffer) (err error) {
	if t.Key, err = b.ReadString(); err != nil {
		return err
	}
	t.Value, err = b.ReadInt64LE()
	return err
}

// Note is not correlated.
type Note struct {
	Tags []*tag
}

func (n *Note) Encode(b *buffer.Buffer) error {
	return buffer.WriteCollection(b, n.Tags)
}

func (n *Note) Decode(b *buffer.Buffer) (err error) {
	n.Tags, err = buffer.ReadCollection(b, func() *tag { return &tag{} })
	return err
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterType[Ping](reg, pingID))
	require.NoError(t, RegisterType[Pong](reg, pongID))
	require.NoError(t, RegisterType[Note](reg, noteID))
	return reg
}

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

// countingSink counts calls per metric key.
type countingSink struct {
	metrics.BlackholeSink
	lk       sync.Mutex
	counters map[string]float32
	gauges   map[string]float32
}

func newCountingSink() *countingSink {
	return &countingSink{
		counters: make(map[string]float32),
		gauges:   make(map[string]float32),
	}
}

func (s *countingSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.counters[strings.Join(key, ".")] += val
}

func (s *countingSink) SetGaugeWithLabels(key []string, val float32, _ []metrics.Label) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.gauges[strings.Join(key, ".")] = val
}

func (s *countingSink) counter(key []string) float32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.counters[strings.Join(key, ".")]
}

func (s *countingSink) gauge(key []string) float32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.gauges[strings.Join(key, ".")]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	lk  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}
