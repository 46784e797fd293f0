package pktwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
)

var errNoPeer = errors.New("dispatcher: packet has no peer to respond to")

// Role is what a subscriber parameter receives.
type Role uint8

const (
	RolePacket Role = iota + 1
	RolePeer
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RolePacket:
		return "packet"
	case RolePeer:
		return "peer"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

type invoker func(p Packet, peer Peer, r Responder) error

// Subscription binds a callback to one concrete packet type. Build it
// with [On].
type Subscription struct {
	typ   reflect.Type
	roles []Role
	owner string
	call  invoker
	err   error
}

// Named labels the subscription in logs and errors.
func (s Subscription) Named(owner string) Subscription {
	s.owner = owner
	return s
}

func (s Subscription) PacketType() reflect.Type { return s.typ }

// Roles returns what each parameter of the callback receives, in
// declaration order.
func (s Subscription) Roles() []Role { return slices.Clone(s.roles) }

// Err is non-nil when the callback cannot be bound. Registering such a
// subscription fails.
func (s Subscription) Err() error { return s.err }

func (s Subscription) String() string {
	if s.owner != "" {
		return s.owner
	}
	params := make([]string, len(s.roles))
	for i, role := range s.roles {
		if role == RolePacket {
			params[i] = s.typ.String()
		} else {
			params[i] = role.String()
		}
	}
	return "func(" + strings.Join(params, ", ") + ")"
}

// On binds fn to packets of type P.
//
// fn takes the packet and, optionally, the [Peer] it came from and a
// [Responder], in any order. It may return an error. Any other
// signature makes [Subscription.Err] non-nil.
func On[P Packet](fn any) Subscription {
	typ := reflect.TypeFor[P]()
	sub := Subscription{typ: typ}
	if typ.Kind() == reflect.Interface {
		sub.err = fmt.Errorf("%w: %s is not a concrete packet type", ErrSubscriberShape, typ)
		return sub
	}

	var call func(P, Peer, Responder) error
	switch f := fn.(type) {
	case func(P):
		sub.roles = []Role{RolePacket}
		call = func(p P, _ Peer, _ Responder) error { f(p); return nil }
	case func(P) error:
		sub.roles = []Role{RolePacket}
		call = func(p P, _ Peer, _ Responder) error { return f(p) }

	case func(P, Peer):
		sub.roles = []Role{RolePacket, RolePeer}
		call = func(p P, pe Peer, _ Responder) error { f(p, pe); return nil }
	case func(P, Peer) error:
		sub.roles = []Role{RolePacket, RolePeer}
		call = func(p P, pe Peer, _ Responder) error { return f(p, pe) }
	case func(Peer, P):
		sub.roles = []Role{RolePeer, RolePacket}
		call = func(p P, pe Peer, _ Responder) error { f(pe, p); return nil }
	case func(Peer, P) error:
		sub.roles = []Role{RolePeer, RolePacket}
		call = func(p P, pe Peer, _ Responder) error { return f(pe, p) }

	case func(P, Responder):
		sub.roles = []Role{RolePacket, RoleResponder}
		call = func(p P, _ Peer, r Responder) error { f(p, r); return nil }
	case func(P, Responder) error:
		sub.roles = []Role{RolePacket, RoleResponder}
		call = func(p P, _ Peer, r Responder) error { return f(p, r) }
	case func(Responder, P):
		sub.roles = []Role{RoleResponder, RolePacket}
		call = func(p P, _ Peer, r Responder) error { f(r, p); return nil }
	case func(Responder, P) error:
		sub.roles = []Role{RoleResponder, RolePacket}
		call = func(p P, _ Peer, r Responder) error { return f(r, p) }

	case func(P, Peer, Responder):
		sub.roles = []Role{RolePacket, RolePeer, RoleResponder}
		call = func(p P, pe Peer, r Responder) error { f(p, pe, r); return nil }
	case func(P, Peer, Responder) error:
		sub.roles = []Role{RolePacket, RolePeer, RoleResponder}
		call = func(p P, pe Peer, r Responder) error { return f(p, pe, r) }
	case func(P, Responder, Peer):
		sub.roles = []Role{RolePacket, RoleResponder, RolePeer}
		call = func(p P, pe Peer, r Responder) error { f(p, r, pe); return nil }
	case func(P, Responder, Peer) error:
		sub.roles = []Role{RolePacket, RoleResponder, RolePeer}
		call = func(p P, pe Peer, r Responder) error { return f(p, r, pe) }
	case func(Peer, P, Responder):
		sub.roles = []Role{RolePeer, RolePacket, RoleResponder}
		call = func(p P, pe Peer, r Responder) error { f(pe, p, r); return nil }
	case func(Peer, P, Responder) error:
		sub.roles = []Role{RolePeer, RolePacket, RoleResponder}
		call = func(p P, pe Peer, r Responder) error { return f(pe, p, r) }
	case func(Peer, Responder, P):
		sub.roles = []Role{RolePeer, RoleResponder, RolePacket}
		call = func(p P, pe Peer, r Responder) error { f(pe, r, p); return nil }
	case func(Peer, Responder, P) error:
		sub.roles = []Role{RolePeer, RoleResponder, RolePacket}
		call = func(p P, pe Peer, r Responder) error { return f(pe, r, p) }
	case func(Responder, P, Peer):
		sub.roles = []Role{RoleResponder, RolePacket, RolePeer}
		call = func(p P, pe Peer, r Responder) error { f(r, p, pe); return nil }
	case func(Responder, P, Peer) error:
		sub.roles = []Role{RoleResponder, RolePacket, RolePeer}
		call = func(p P, pe Peer, r Responder) error { return f(r, p, pe) }
	case func(Responder, Peer, P):
		sub.roles = []Role{RoleResponder, RolePeer, RolePacket}
		call = func(p P, pe Peer, r Responder) error { f(r, pe, p); return nil }
	case func(Responder, Peer, P) error:
		sub.roles = []Role{RoleResponder, RolePeer, RolePacket}
		call = func(p P, pe Peer, r Responder) error { return f(r, pe, p) }

	default:
		sub.err = fmt.Errorf("%w: %T cannot subscribe to %s", ErrSubscriberShape, fn, typ)
		return sub
	}

	sub.call = func(p Packet, peer Peer, r Responder) error {
		return call(p.(P), peer, r)
	}
	return sub
}

// Subscriber groups the subscriptions of one component.
type Subscriber interface {
	Subscriptions() []Subscription
}

// Dispatcher routes packets to the subscriptions bound to their exact
// type.
type Dispatcher struct {
	bindings map[reflect.Type][]Subscription
	lk       sync.RWMutex
	parallel bool

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func NewDispatcher(opts ...Option) (*Dispatcher, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newDispatcher(cfg), nil
}

func newDispatcher(cfg *config) *Dispatcher {
	return &Dispatcher{
		bindings:     make(map[reflect.Type][]Subscription),
		parallel:     cfg.parallelDispatch,
		logger:       cfg.logger(),
		msink:        cfg.sink(),
		metricLabels: cfg.metricLabels,
	}
}

// Subscribe adds subs. If any of them is invalid, none is added.
func (d *Dispatcher) Subscribe(subs ...Subscription) error {
	for i, sub := range subs {
		if sub.err != nil {
			return fmt.Errorf("subscription %d (%s): %w", i, sub, sub.err)
		}
		if sub.call == nil {
			return fmt.Errorf("subscription %d: %w: not built with On", i, ErrSubscriberShape)
		}
	}

	d.lk.Lock()
	defer d.lk.Unlock()
	for _, sub := range subs {
		d.bindings[sub.typ] = append(d.bindings[sub.typ], sub)
	}
	return nil
}

// Register subscribes everything s exposes, unnamed subscriptions are
// named after the type of s.
func (d *Dispatcher) Register(s Subscriber) error {
	subs := s.Subscriptions()
	owner := fmt.Sprintf("%T", s)
	for i := range subs {
		if subs[i].owner == "" {
			subs[i].owner = owner
		}
	}
	return d.Subscribe(subs...)
}

// Bindings returns how many subscriptions packets of type t reach.
func (d *Dispatcher) Bindings(t reflect.Type) int {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return len(d.bindings[t])
}

// Dispatch calls every subscription bound to the type of p and waits
// for them. A failing or panicking subscription does not prevent the
// others from running, their errors are joined in the returned error.
//
// When r is nil, replies go to peer.
func (d *Dispatcher) Dispatch(ctx context.Context, p Packet, peer Peer, r Responder) error {
	d.lk.RLock()
	subs := d.bindings[reflect.TypeOf(p)]
	d.lk.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	if r == nil {
		if peer != nil {
			r = NewResponder(SessionIDOf(p), peer)
		} else {
			r = ResponderFunc(func(context.Context, Packet) error { return errNoPeer })
		}
	}

	errs := make([]error, len(subs))
	if d.parallel && len(subs) > 1 {
		var wg sync.WaitGroup
		wg.Add(len(subs))
		for i, sub := range subs {
			go func() {
				defer wg.Done()
				errs[i] = d.invoke(ctx, sub, p, peer, r)
			}()
		}
		wg.Wait()
	} else {
		for i, sub := range subs {
			errs[i] = d.invoke(ctx, sub, p, peer, r)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscriberFailed, err)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, sub Subscription, p Packet, peer Peer, r Responder) error {
	labels := withLabels(d.metricLabels, LabelPacketType.M(sub.typ.String()))
	d.msink.IncrCounterWithLabels(MetricDispatchCount, 1.0, labels)

	err := safeCall(sub.call, p, peer, r)
	if err == nil {
		return nil
	}

	d.msink.IncrCounterWithLabels(MetricDispatchErrorCount, 1.0, labels)
	d.logger.WarnContext(ctx, "subscriber failed",
		LabelSubscriber.L(sub.String()),
		LabelPacketType.L(sub.typ.String()),
		LabelError.L(err),
	)
	return fmt.Errorf("%s: %w", sub, err)
}

func safeCall(call invoker, p Packet, peer Peer, r Responder) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return call(p, peer, r)
}
