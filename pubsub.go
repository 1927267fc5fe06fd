package gaio

import (
	"sync"
	"sync/atomic"
)

// Scope selects how far a Publish call's fan-out reaches (spec §4.9).
type Scope int

const (
	ScopeProcess Scope = iota
	ScopeCluster
	ScopeSiblings
	ScopeRoot
)

// PatternMatcher reports 0 for a match against channel, matching
// facil.io's own glob convention (DESIGN.md Open Question 3).
type PatternMatcher func(channel []byte) int

// Message is one delivered pub/sub or typed-IPC payload (spec §3).
type Message struct {
	Filter  int32 // 0 means pub/sub; non-zero is a typed IPC namespace
	Channel []byte
	Payload []byte
	IsJSON  bool

	meta map[int]any
}

// Meta returns the metadata blob a registered encoder attached under
// typeID at publish time, if any (spec §4.9).
func (m *Message) Meta(typeID int) (any, bool) {
	v, ok := m.meta[typeID]
	return v, ok
}

// SubscribeOptions configures one Subscribe call (spec §9's named-record
// idiom, mirroring facil.io's subscribe{} macro).
type SubscribeOptions struct {
	Filter        int32
	Channel       string
	Pattern       PatternMatcher
	OnMessage     func(*Message)
	OnUnsubscribe func()
	Udata1        any
	Udata2        any
}

// PublishOptions configures one Publish call.
type PublishOptions struct {
	Scope   Scope
	Filter  int32
	Channel string
	Payload []byte
	IsJSON  bool
}

// subState is the lifecycle described in spec §4.9: Active -> (delivery
// in flight <-> Active) -> Cancelled-pending -> freed once refcount
// reaches zero.
type subState int32

const (
	subActive subState = iota
	subCancelling
)

// deliveryQueueDepth bounds each subscription's private delivery channel
// (spec §5's "delivered in publish order" guarantee); a slow subscriber
// applies backpressure to its own publishers rather than dropping or
// reordering messages.
const deliveryQueueDepth = 64

// Subscription is a reference-counted handle. Cancel may be called while
// a delivery is in flight; the subscription is only actually removed once
// the in-flight callback returns. Deliveries run one at a time on a
// dedicated goroutine reading sub.deliveries in FIFO order, so two
// publishes to the same subscriber can never be observed out of order
// even though Publish itself may be called from several worker goroutines
// concurrently.
type Subscription struct {
	opts SubscribeOptions

	refcount int32
	state    int32 // subState, atomic

	ps      *PubSub
	channel channelKey

	deliveries chan *Message
	done       chan struct{}
	stopOnce   sync.Once
}

// stop closes done exactly once, unblocking the dispatch loop.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// dispatchLoop drains deliveries one at a time, in arrival order, until
// the subscription is cancelled and drained (spec §5, §4.9).
func (s *Subscription) dispatchLoop() {
	for {
		select {
		case msg := <-s.deliveries:
			if atomic.LoadInt32(&s.state) == int32(subActive) && s.opts.OnMessage != nil {
				s.opts.OnMessage(msg)
			}
			if atomic.AddInt32(&s.refcount, -1) == 0 && atomic.LoadInt32(&s.state) == int32(subCancelling) {
				s.ps.remove(s)
				s.stop()
				if s.opts.OnUnsubscribe != nil {
					s.opts.OnUnsubscribe()
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

type channelKey struct {
	filter  int32
	channel string
	pattern bool
}

// Cancel marks the subscription for removal. If no delivery is
// in-flight it is unlinked immediately; otherwise the last delivery to
// finish unlinks it.
func (s *Subscription) Cancel() {
	atomic.StoreInt32(&s.state, int32(subCancelling))
	if atomic.LoadInt32(&s.refcount) == 0 {
		s.ps.remove(s)
		s.stop()
		if s.opts.OnUnsubscribe != nil {
			s.opts.OnUnsubscribe()
		}
	}
}

// metaEncoder runs at publish time and may attach a typed blob to a
// message, recovered by subscribers via Message.Meta (spec §4.9).
type metaEncoder func(*Message) any

// PubSub implements C9's in-process channel map and cluster fan-out.
// publish/subscribe/unsubscribe are serialized by a read-mostly lock;
// publish itself only needs a ref-count bump once it has the channel's
// subscriber list (spec §5).
type PubSub struct {
	r *Reactor

	mu       sync.RWMutex
	channels map[channelKey]*subList
	patterns []*Subscription // all pattern subs, tested linearly per publish

	metaMu   sync.Mutex
	encoders map[int]metaEncoder

	cluster *ClusterLink // nil until JoinCluster is called
}

type subList struct {
	subs []*Subscription
}

// NewPubSub constructs the channel map bound to reactor r. r is stored but
// not used for delivery: per-subscriber delivery runs on each
// subscription's own dispatch loop rather than r's task queue, and
// cluster.go works through the PubSub itself.
func NewPubSub(r *Reactor) *PubSub {
	return &PubSub{
		r:        r,
		channels: make(map[channelKey]*subList),
		encoders: make(map[int]metaEncoder),
	}
}

// RegisterMetaEncoder installs fn to run at publish time, attaching its
// result under typeID to every published Message (spec §4.9, e.g.
// pre-encoding a WebSocket frame once for reuse across subscribers).
func (ps *PubSub) RegisterMetaEncoder(typeID int, fn func(*Message) any) {
	ps.metaMu.Lock()
	ps.encoders[typeID] = fn
	ps.metaMu.Unlock()
}

// Subscribe creates a subscription, lazily creating the channel entry on
// first subscription to it (spec §3).
func (ps *PubSub) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	key := channelKey{filter: opts.Filter, channel: opts.Channel, pattern: opts.Pattern != nil}
	sub := &Subscription{
		opts:       opts,
		ps:         ps,
		channel:    key,
		deliveries: make(chan *Message, deliveryQueueDepth),
		done:       make(chan struct{}),
	}
	go sub.dispatchLoop()

	ps.mu.Lock()
	list, ok := ps.channels[key]
	if !ok {
		list = &subList{}
		ps.channels[key] = list
	}
	list.subs = append(list.subs, sub)
	if key.pattern {
		ps.patterns = append(ps.patterns, sub)
	}
	ps.mu.Unlock()

	if ps.cluster != nil && opts.Filter == 0 {
		ps.cluster.announceSubscribe(opts.Channel, key.pattern)
	}
	return sub, nil
}

// remove drops sub from its channel's list and, if that was the last
// subscriber, the channel entry itself (spec §3).
func (ps *PubSub) remove(sub *Subscription) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	list, ok := ps.channels[sub.channel]
	if !ok {
		return
	}
	for i, s := range list.subs {
		if s == sub {
			list.subs = append(list.subs[:i], list.subs[i+1:]...)
			break
		}
	}
	if len(list.subs) == 0 {
		delete(ps.channels, sub.channel)
	}
	if sub.channel.pattern {
		for i, s := range ps.patterns {
			if s == sub {
				ps.patterns = append(ps.patterns[:i], ps.patterns[i+1:]...)
				break
			}
		}
	}
}

// Publish resolves matching subscriptions and hands one delivery per
// match to each subscriber's own dispatch loop (spec §4.9, §8 properties
// 5-6). Scope beyond ScopeProcess is handled by cluster.go.
func (ps *PubSub) Publish(opts PublishOptions) error {
	msg := &Message{
		Filter:  opts.Filter,
		Channel: []byte(opts.Channel),
		Payload: opts.Payload,
		IsJSON:  opts.IsJSON,
	}
	ps.attachMeta(msg)

	if opts.Scope == ScopeCluster || opts.Scope == ScopeSiblings || opts.Scope == ScopeRoot {
		if ps.cluster != nil {
			// Only a cluster-wide publish reaches the origin process here;
			// siblings skip the origin, and a root-scoped publish is
			// delivered by root alone (cluster.publish on root).
			if opts.Scope == ScopeCluster {
				ps.deliverLocal(msg)
			}
			return ps.cluster.publish(opts)
		}
	}
	ps.deliverLocal(msg)
	return nil
}

func (ps *PubSub) attachMeta(msg *Message) {
	ps.metaMu.Lock()
	defer ps.metaMu.Unlock()
	if len(ps.encoders) == 0 {
		return
	}
	msg.meta = make(map[int]any, len(ps.encoders))
	for typeID, enc := range ps.encoders {
		msg.meta[typeID] = enc(msg)
	}
}

// deliverLocal fans msg out to every in-process subscription matching its
// channel, literal first then pattern (spec §4.9, §8 properties 5-6).
func (ps *PubSub) deliverLocal(msg *Message) {
	key := channelKey{filter: msg.Filter, channel: string(msg.Channel)}

	ps.mu.RLock()
	var literal []*Subscription
	if list, ok := ps.channels[key]; ok {
		literal = append(literal, list.subs...)
	}
	var pattern []*Subscription
	if msg.Filter == 0 {
		for _, sub := range ps.patterns {
			if sub.opts.Pattern != nil && sub.opts.Pattern(msg.Channel) == 0 {
				pattern = append(pattern, sub)
			}
		}
	}
	ps.mu.RUnlock()

	for _, sub := range literal {
		ps.deliverOne(sub, msg)
	}
	for _, sub := range pattern {
		ps.deliverOne(sub, msg)
	}
}

// deliverOne hands msg to sub's own dispatch loop rather than the
// reactor's shared N-worker task queue: posting independently to a
// multi-worker queue gives no ordering guarantee between two deliveries
// to the same subscriber, which spec §5 requires (one buffered channel
// per subscriber, drained by a single goroutine, per the delivery shape
// grounded in DESIGN.md's pubsub.go entry).
func (ps *PubSub) deliverOne(sub *Subscription, msg *Message) {
	atomic.AddInt32(&sub.refcount, 1)
	select {
	case sub.deliveries <- msg:
	case <-sub.done:
		atomic.AddInt32(&sub.refcount, -1)
	}
}
