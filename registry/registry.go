package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/relaybus/metric"
	"github.com/c360/relaybus/pkg/hexid"
)

// stripeCount spreads topic locks; must be a power of two.
const stripeCount = 16

// Announcer broadcasts cross-node interest transitions for a topic.
// AnnounceSubscribe fires on the first local subscription to a topic;
// AnnounceRelease fires when the last one is removed.
type Announcer interface {
	AnnounceSubscribe(ctx context.Context, topic string) error
	AnnounceRelease(ctx context.Context, topic string) error
}

// subscription resolves a SubscriptionID to its socket and topic.
type subscription struct {
	id       string
	socketID string
	topic    string
}

type stripe struct {
	mu      sync.RWMutex
	byTopic map[string]map[string]*subscription // topic -> subscription id -> sub
}

// Registry is the relay's local subscription table.
type Registry struct {
	stripes [stripeCount]*stripe

	socketMu sync.RWMutex
	bySocket map[string]map[string]*subscription // socket id -> subscription id -> sub

	announcer Announcer
	logger    *slog.Logger
	metrics   *metric.Metrics
	count     atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithAnnouncer sets the cross-node interest announcer.
func WithAnnouncer(a Announcer) Option {
	return func(r *Registry) { r.announcer = a }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics enables subscription metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		if registry != nil {
			r.metrics = registry.Metrics
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		bySocket: make(map[string]map[string]*subscription),
		logger:   slog.Default(),
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{byTopic: make(map[string]map[string]*subscription)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) stripeFor(topic string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return r.stripes[h.Sum32()&(stripeCount-1)]
}

// Subscribe registers socketID's interest in topic. Idempotent per
// (socket, topic): an existing subscription id is returned with created
// false. On the first local subscription to a topic the announcer is
// notified so peers can flush pending messages here.
func (r *Registry) Subscribe(ctx context.Context, socketID, topic string) (string, bool) {
	st := r.stripeFor(topic)

	st.mu.Lock()
	subs := st.byTopic[topic]
	for _, sub := range subs {
		if sub.socketID == socketID {
			st.mu.Unlock()
			return sub.id, false
		}
	}

	sub := &subscription{
		id:       hexid.New(),
		socketID: socketID,
		topic:    topic,
	}
	if subs == nil {
		subs = make(map[string]*subscription)
		st.byTopic[topic] = subs
	}
	first := len(subs) == 0
	subs[sub.id] = sub
	st.mu.Unlock()

	r.socketMu.Lock()
	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[string]*subscription)
	}
	r.bySocket[socketID][sub.id] = sub
	r.socketMu.Unlock()

	r.count.Add(1)
	if r.metrics != nil {
		r.metrics.RecordSubscriptionAdded()
	}

	if first && r.announcer != nil {
		if err := r.announcer.AnnounceSubscribe(ctx, topic); err != nil {
			r.logger.Warn("failed to announce subscribe", "topic", topic, "error", err)
		}
	}

	return sub.id, true
}

// Unsubscribe removes one subscription. Unknown ids return silently.
func (r *Registry) Unsubscribe(ctx context.Context, socketID, subscriptionID string) {
	r.socketMu.Lock()
	sub, ok := r.bySocket[socketID][subscriptionID]
	if ok {
		delete(r.bySocket[socketID], subscriptionID)
		if len(r.bySocket[socketID]) == 0 {
			delete(r.bySocket, socketID)
		}
	}
	r.socketMu.Unlock()

	if !ok {
		return
	}

	r.removeFromTopic(ctx, sub)
}

// SocketsForTopic returns the local sockets subscribed to topic.
func (r *Registry) SocketsForTopic(topic string) []string {
	st := r.stripeFor(topic)
	st.mu.RLock()
	defer st.mu.RUnlock()

	subs := st.byTopic[topic]
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.socketID)
	}
	return out
}

// TopicsForSocket returns the topics socketID is subscribed to.
func (r *Registry) TopicsForSocket(socketID string) []string {
	r.socketMu.RLock()
	defer r.socketMu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.bySocket[socketID]))
	for _, sub := range r.bySocket[socketID] {
		if _, dup := seen[sub.topic]; !dup {
			seen[sub.topic] = struct{}{}
			out = append(out, sub.topic)
		}
	}
	return out
}

// SubscriptionsForSocket returns socketID's subscription ids keyed by topic.
func (r *Registry) SubscriptionsForSocket(socketID string) map[string]string {
	r.socketMu.RLock()
	defer r.socketMu.RUnlock()

	out := make(map[string]string, len(r.bySocket[socketID]))
	for _, sub := range r.bySocket[socketID] {
		out[sub.topic] = sub.id
	}
	return out
}

// OnClose removes every subscription held by socketID.
func (r *Registry) OnClose(ctx context.Context, socketID string) {
	r.socketMu.Lock()
	subs := r.bySocket[socketID]
	delete(r.bySocket, socketID)
	r.socketMu.Unlock()

	for _, sub := range subs {
		r.removeFromTopic(ctx, sub)
	}
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) removeFromTopic(ctx context.Context, sub *subscription) {
	st := r.stripeFor(sub.topic)

	st.mu.Lock()
	subs := st.byTopic[sub.topic]
	if _, ok := subs[sub.id]; !ok {
		st.mu.Unlock()
		return
	}
	delete(subs, sub.id)
	last := len(subs) == 0
	if last {
		delete(st.byTopic, sub.topic)
	}
	st.mu.Unlock()

	r.count.Add(-1)
	if r.metrics != nil {
		r.metrics.RecordSubscriptionRemoved()
	}

	if last && r.announcer != nil {
		if err := r.announcer.AnnounceRelease(ctx, sub.topic); err != nil {
			r.logger.Warn("failed to announce release", "topic", sub.topic, "error", err)
		}
	}
}
