package pktwire

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hashicorp/go-metrics"
	"github.com/spaolacci/murmur3"
)

type pending struct {
	id         int64
	respType   reflect.Type
	onComplete func(Packet)
	onFail     func(error)
	writer     PacketWriter
	sentAt     time.Time
	expiry     time.Time
}

func (e *pending) expiredAt(now time.Time) bool {
	return !now.Before(e.expiry)
}

func (e *pending) fail(err error) {
	if e.onFail == nil {
		return
	}
	defer func() { _ = recover() }()
	e.onFail(err)
}

type shard struct {
	lk      sync.Mutex
	entries map[int64]*pending
}

// LatencyStats summarises the round-trip time of completed requests.
type LatencyStats struct {
	Count int64
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// Correlator matches responses to the requests waiting for them.
//
// Every request is either completed, expired or cancelled, exactly
// once: whoever removes the entry from its shard decides.
type Correlator struct {
	shards  []*shard
	nextID  atomic.Int64
	count   atomic.Int64
	timeout time.Duration
	now     func() time.Time

	latencyLk sync.Mutex
	latency   *hdrhistogram.Histogram

	sweepEvery time.Duration
	closed     atomic.Bool
	closeCh    chan struct{}
	wg         sync.WaitGroup

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func NewCorrelator(opts ...Option) (*Correlator, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCorrelator(cfg), nil
}

func newCorrelator(cfg *config) *Correlator {
	c := &Correlator{
		shards:       make([]*shard, cfg.correlatorShards),
		timeout:      cfg.requestTimeout,
		now:          cfg.now,
		latency:      hdrhistogram.New(1, int64(3600*time.Second), 3),
		sweepEvery:   cfg.sweepInterval,
		closeCh:      make(chan struct{}),
		logger:       cfg.logger(),
		msink:        cfg.sink(),
		metricLabels: cfg.metricLabels,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[int64]*pending)}
	}

	// Both ends of a connection allocate ids, start somewhere random so
	// their sequences are unlikely to meet.
	c.nextID.Store(rand.Int64N(1 << 62))

	c.wg.Add(1)
	go c.sweeper()
	return c
}

func (c *Correlator) shardFor(id int64) *shard {
	h := murmur3.New32()
	_, _ = h.Write(binary.BigEndian.AppendUint64(nil, uint64(id)))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// NextSessionID returns a fresh non-zero session id.
func (c *Correlator) NextSessionID() int64 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

type expectation struct {
	respType   reflect.Type
	timeout    time.Duration
	onComplete func(Packet)
	onFail     func(error)
}

// Send records req as pending then writes it to w.
//
// req MUST be [Correlated], a zero session id is replaced by a fresh
// one. onComplete is called once with the response if it arrives
// before timeout, zero meaning the configured default. A nil
// responseType accepts any response.
//
// Sending a session id which is still pending fails with
// [ErrDuplicateSessionID].
func (c *Correlator) Send(
	ctx context.Context,
	w PacketWriter,
	req Packet,
	responseType reflect.Type,
	timeout time.Duration,
	onComplete func(Packet),
) error {
	_, err := c.send(ctx, w, req, expectation{
		respType:   responseType,
		timeout:    timeout,
		onComplete: onComplete,
	})
	return err
}

func (c *Correlator) send(ctx context.Context, w PacketWriter, req Packet, exp expectation) (int64, error) {
	if c.closed.Load() {
		return 0, ErrCorrelatorClosed
	}
	corr, ok := req.(Correlated)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrNotCorrelated, req)
	}

	id := corr.SessionID()
	if id == 0 {
		id = c.NextSessionID()
		corr.SetSessionID(id)
	}
	if exp.timeout <= 0 {
		exp.timeout = c.timeout
	}

	now := c.now()
	entry := &pending{
		id:         id,
		respType:   exp.respType,
		onComplete: exp.onComplete,
		onFail:     exp.onFail,
		writer:     w,
		sentAt:     now,
		expiry:     now.Add(exp.timeout),
	}

	// The entry exists before the request leaves, a fast peer cannot
	// answer a request we do not know yet.
	sh := c.shardFor(id)
	sh.lk.Lock()
	prev, taken := sh.entries[id]
	if taken && !prev.expiredAt(now) {
		sh.lk.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrDuplicateSessionID, id)
	}
	sh.entries[id] = entry
	sh.lk.Unlock()

	if taken {
		c.expire(prev)
	} else {
		c.track(1)
	}

	// Close may have drained the shards before we inserted.
	if c.closed.Load() {
		if c.remove(sh, entry) {
			c.track(-1)
		}
		return 0, ErrCorrelatorClosed
	}

	if err := w.WritePacket(ctx, req); err != nil {
		if c.remove(sh, entry) {
			c.track(-1)
		}
		return 0, fmt.Errorf("correlator: send request %d: %w", id, err)
	}

	c.msink.IncrCounterWithLabels(
		MetricRequestSentCount, 1.0,
		withLabels(c.metricLabels, LabelPacketType.M(reflect.TypeOf(req).String())),
	)
	return id, nil
}

// Send is the typed form of [Correlator.Send].
func Send[R Packet](
	ctx context.Context,
	c *Correlator,
	w PacketWriter,
	req Packet,
	timeout time.Duration,
	onComplete func(R),
) error {
	return c.Send(ctx, w, req, reflect.TypeFor[R](), timeout, func(p Packet) {
		onComplete(p.(R))
	})
}

// Call sends req and waits for its response.
//
// It fails when the request expires, when the response is not an R,
// when the connection behind w goes away or when ctx is done, in which
// case the request is cancelled.
func Call[R Packet](
	ctx context.Context,
	c *Correlator,
	w PacketWriter,
	req Packet,
	timeout time.Duration,
) (R, error) {
	type result struct {
		p   Packet
		err error
	}

	var zero R
	done := make(chan result, 1)
	id, err := c.send(ctx, w, req, expectation{
		respType:   reflect.TypeFor[R](),
		timeout:    timeout,
		onComplete: func(p Packet) { done <- result{p: p} },
		onFail:     func(err error) { done <- result{err: err} },
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-done:
		if res.err != nil {
			return zero, res.err
		}
		return res.p.(R), nil
	case <-ctx.Done():
		c.Cancel(id)
		return zero, ctx.Err()
	}
}

// OnIncoming completes the request p answers, if any.
//
// Packets without a session id, or with one nobody waits for, are
// ignored. A response of the wrong type still consumes the request and
// returns [ErrResponseTypeMismatch].
func (c *Correlator) OnIncoming(p Packet) error {
	id := SessionIDOf(p)
	if id == 0 {
		return nil
	}

	now := c.now()
	sh := c.shardFor(id)
	sh.lk.Lock()
	entry, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.lk.Unlock()
	if !ok {
		return nil
	}
	c.track(-1)

	if entry.expiredAt(now) {
		c.logger.Debug("response arrived after expiry", LabelSessionID.L(id))
		c.expire(entry)
		return nil
	}

	if entry.respType != nil && reflect.TypeOf(p) != entry.respType {
		c.msink.IncrCounterWithLabels(MetricRequestMismatchCount, 1.0, c.metricLabels)
		err := fmt.Errorf("%w: session %d expected %s, got %T",
			ErrResponseTypeMismatch, id, entry.respType, p)
		entry.fail(err)
		return err
	}

	c.recordLatency(now.Sub(entry.sentAt))
	c.msink.IncrCounterWithLabels(MetricRequestCompletedCount, 1.0, c.metricLabels)
	err := complete(entry, p)

	c.sweepShard(sh, now)
	return err
}

func complete(entry *pending, p Packet) (err error) {
	if entry.onComplete == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: session %d: %v", ErrCallbackPanic, entry.id, rec)
		}
	}()
	entry.onComplete(p)
	return nil
}

// Sweep evicts the expired requests without completing them and
// returns how many it evicted.
func (c *Correlator) Sweep() int {
	now := c.now()
	n := 0
	for _, sh := range c.shards {
		n += c.sweepShard(sh, now)
	}
	return n
}

func (c *Correlator) sweepShard(sh *shard, now time.Time) int {
	var expired []*pending
	sh.lk.Lock()
	for id, entry := range sh.entries {
		if entry.expiredAt(now) {
			delete(sh.entries, id)
			expired = append(expired, entry)
		}
	}
	sh.lk.Unlock()

	for _, entry := range expired {
		c.track(-1)
		c.expire(entry)
	}
	return len(expired)
}

// remove deletes entry if it is still the one pending under its id.
func (c *Correlator) remove(sh *shard, entry *pending) bool {
	sh.lk.Lock()
	defer sh.lk.Unlock()
	if sh.entries[entry.id] != entry {
		return false
	}
	delete(sh.entries, entry.id)
	return true
}

func (c *Correlator) expire(entry *pending) {
	c.msink.IncrCounterWithLabels(MetricRequestExpiredCount, 1.0, c.metricLabels)
	entry.fail(fmt.Errorf("%w: session %d", ErrRequestExpired, entry.id))
}

// Cancel drops the pending request id, it reports whether there was
// one.
func (c *Correlator) Cancel(id int64) bool {
	sh := c.shardFor(id)
	sh.lk.Lock()
	entry, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.lk.Unlock()
	if !ok {
		return false
	}

	c.track(-1)
	c.cancelled(entry, ErrRequestCancelled)
	return true
}

// CancelBy drops every request sent through w. Connections call it
// when they close so nobody waits for an answer which cannot come.
func (c *Correlator) CancelBy(w PacketWriter) int {
	var dropped []*pending
	for _, sh := range c.shards {
		sh.lk.Lock()
		for id, entry := range sh.entries {
			if sameWriter(entry.writer, w) {
				delete(sh.entries, id)
				dropped = append(dropped, entry)
			}
		}
		sh.lk.Unlock()
	}

	for _, entry := range dropped {
		c.track(-1)
		c.cancelled(entry, ErrPeerGone)
	}
	return len(dropped)
}

func (c *Correlator) cancelled(entry *pending, cause error) {
	c.msink.IncrCounterWithLabels(MetricRequestCancelledCount, 1.0, c.metricLabels)
	entry.fail(fmt.Errorf("%w: session %d", cause, entry.id))
}

func sameWriter(a, b PacketWriter) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Pending returns how many requests wait for a response.
func (c *Correlator) Pending() int {
	return int(c.count.Load())
}

func (c *Correlator) track(delta int64) {
	n := c.count.Add(delta)
	c.msink.SetGaugeWithLabels(MetricRequestPending, float32(n), c.metricLabels)
}

func (c *Correlator) recordLatency(d time.Duration) {
	c.latencyLk.Lock()
	defer c.latencyLk.Unlock()
	v := max(int64(d), 1)
	v = min(v, c.latency.HighestTrackableValue())
	_ = c.latency.RecordValue(v)
}

func (c *Correlator) Latency() LatencyStats {
	c.latencyLk.Lock()
	defer c.latencyLk.Unlock()
	return LatencyStats{
		Count: c.latency.TotalCount(),
		P50:   time.Duration(c.latency.ValueAtQuantile(50.)),
		P90:   time.Duration(c.latency.ValueAtQuantile(90.)),
		P99:   time.Duration(c.latency.ValueAtQuantile(99.)),
		Max:   time.Duration(c.latency.Max()),
	}
}

// Close stops the sweeper and fails every pending request with
// [ErrCorrelatorClosed].
func (c *Correlator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)
	c.wg.Wait()

	var dropped []*pending
	for _, sh := range c.shards {
		sh.lk.Lock()
		for id, entry := range sh.entries {
			delete(sh.entries, id)
			dropped = append(dropped, entry)
		}
		sh.lk.Unlock()
	}
	for _, entry := range dropped {
		c.track(-1)
		entry.fail(fmt.Errorf("%w: session %d", ErrCorrelatorClosed, entry.id))
	}
	return nil
}

func (c *Correlator) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("evicted expired requests", "count", n)
			}
		case <-c.closeCh:
			return
		}
	}
}
