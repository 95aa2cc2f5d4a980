package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/metric"
	"github.com/c360/relaybus/pkg/hexid"
	"github.com/c360/relaybus/pkg/retry"
	"github.com/c360/relaybus/store"
)

// Event signals a broker mode transition.
type Event int

// Broker events
const (
	EventDegraded Event = iota
	EventRecovered
)

// String returns the event name
func (e Event) String() string {
	switch e {
	case EventDegraded:
		return "degraded"
	case EventRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Delivery is one message handed to the session layer for a socket.
type Delivery struct {
	ID          string
	Topic       string
	MessageHash string
	Payload     []byte
}

// Deliverer pushes a message toward one local socket. An error is treated
// as a non-ack: the message stays retained.
type Deliverer interface {
	Deliver(ctx context.Context, socketID string, msg Delivery) error
}

// SubscriberSource is the broker's view of the local subscription table.
// Subscribe must be idempotent per (socket, topic) and report whether a new
// subscription was created.
type SubscriberSource interface {
	SocketsForTopic(topic string) []string
	Subscribe(ctx context.Context, socketID, topic string) (string, bool)
}

type topicChannel struct {
	cancel func()
	refs   int
}

// Broker is the relay's message broker.
type Broker struct {
	store  store.Store
	nodeID string
	maxTTL time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics

	mu          sync.RWMutex
	deliverer   Deliverer
	subscribers SubscriberSource

	pendingMu sync.Mutex
	pending   map[string]map[string]struct{} // topic/hash -> eligible socket ids
	retained  int

	chanMu   sync.Mutex
	channels map[string]*topicChannel

	topicMu    sync.Mutex
	topicLocks map[string]*sync.Mutex

	degraded atomic.Bool
	events   chan Event
	closed   atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables broker metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Broker) {
		if registry != nil {
			b.metrics = registry.Metrics
		}
	}
}

// WithMaxTTL caps publisher-supplied retention TTLs.
func WithMaxTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.maxTTL = d
		}
	}
}

// New creates a broker over the shared store. The subscriber source and
// deliverer are wired afterwards to break the construction cycle with the
// registry and session layer.
func New(s store.Store, nodeID string, opts ...Option) *Broker {
	b := &Broker{
		store:      s,
		nodeID:     nodeID,
		maxTTL:     24 * time.Hour,
		logger:     slog.Default(),
		pending:    make(map[string]map[string]struct{}),
		channels:   make(map[string]*topicChannel),
		topicLocks: make(map[string]*sync.Mutex),
		events:     make(chan Event, 4),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSubscribers wires the local subscription lookup.
func (b *Broker) SetSubscribers(src SubscriberSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = src
}

// SetDeliverer wires the session layer's delivery path.
func (b *Broker) SetDeliverer(d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverer = d
}

// Events exposes broker mode transitions. The channel is buffered;
// consumers must not re-enter the broker from the handler goroutine.
func (b *Broker) Events() <-chan Event {
	return b.events
}

// Degraded reports whether the broker is in local-only mode.
func (b *Broker) Degraded() bool {
	return b.degraded.Load()
}

func (b *Broker) storeRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func pendingKey(topic, hash string) string {
	return topic + "/" + hash
}

func (b *Broker) topicLock(topic string) *sync.Mutex {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()
	l, ok := b.topicLocks[topic]
	if !ok {
		l = &sync.Mutex{}
		b.topicLocks[topic] = l
	}
	return l
}

// Publish retains payload for topic and fans it out to local subscribers
// and peer nodes. fromSocketID, when non-empty, is excluded from local
// delivery. Returns the assigned message id.
func (b *Broker) Publish(ctx context.Context, fromSocketID, topic string, payload []byte, ttl time.Duration) (string, error) {
	if b.closed.Load() {
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Broker", "Publish", "broker closed")
	}

	start := time.Now()
	if ttl <= 0 || ttl > b.maxTTL {
		ttl = b.maxTTL
	}

	id := hexid.New()
	hash := HashPayload(payload)

	lock := b.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	retainedNew, err := b.retain(ctx, topic, hash, payload, ttl)
	if err != nil {
		return "", err
	}

	eligible := b.localSubscribers(topic, fromSocketID)
	b.addPending(topic, hash, eligible)

	if retainedNew {
		b.acquireChannel(topic)
	}

	delivery := Delivery{ID: id, Topic: topic, MessageHash: hash, Payload: payload}
	for _, socketID := range eligible {
		b.deliverLocal(ctx, socketID, delivery)
	}

	b.publishEnvelope(ctx, channelEnvelope{
		Type:        envelopeMessage,
		Node:        b.nodeID,
		Topic:       topic,
		MessageHash: hash,
		Payload:     payload,
		ExpiresAt:   time.Now().Add(ttl),
	})

	if b.metrics != nil {
		b.metrics.RecordMessagePublished()
		b.metrics.RecordPublishDuration(time.Since(start))
	}

	return id, nil
}

// retain records (topic, hash) in the shared store unless already held.
// Returns whether a new retention entry was created.
func (b *Broker) retain(ctx context.Context, topic, hash string, payload []byte, ttl time.Duration) (bool, error) {
	key := retainedKey(topic)

	var exists bool
	err := retry.Do(ctx, b.storeRetryConfig(), func() error {
		entries, err := b.store.RangeList(ctx, key)
		if err != nil {
			if errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		for _, raw := range entries {
			entry, derr := decodeRetained(raw)
			if derr != nil {
				continue
			}
			if entry.MessageHash == hash {
				exists = true
				return nil
			}
		}

		entry := retainedEntry{MessageHash: hash, Payload: payload, ExpiresAt: time.Now().Add(ttl)}
		data, merr := entry.encode()
		if merr != nil {
			return retry.NonRetryable(merr)
		}
		if perr := b.store.PushToList(ctx, key, data, ttl); perr != nil {
			if errors.IsFatal(perr) {
				return retry.NonRetryable(perr)
			}
			return perr
		}
		return nil
	})
	if err != nil {
		if errors.IsFatal(err) {
			return false, errors.WrapFatal(errors.ErrBrokerUnavailable, "Broker", "Publish", "retain message")
		}
		// Degraded local-only mode: keep delivering without retention
		b.setDegraded(err)
		return false, nil
	}

	return !exists, nil
}

func (b *Broker) localSubscribers(topic, exclude string) []string {
	b.mu.RLock()
	src := b.subscribers
	b.mu.RUnlock()
	if src == nil {
		return nil
	}

	sockets := src.SocketsForTopic(topic)
	out := sockets[:0]
	for _, s := range sockets {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// addPending records the sockets that must ack (topic, hash). A republish
// extends the existing set rather than replacing it. With no sockets to
// track, no entry is created: zero-subscriber retention lives only in the
// store, where the TTL expires it, and gains a pending entry on the first
// replay.
func (b *Broker) addPending(topic, hash string, sockets []string) {
	if len(sockets) == 0 {
		return
	}

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	key := pendingKey(topic, hash)
	set, ok := b.pending[key]
	if !ok {
		set = make(map[string]struct{})
		b.pending[key] = set
		b.retained++
		if b.metrics != nil {
			b.metrics.RecordMessagesRetained(b.retained)
		}
	}
	for _, s := range sockets {
		set[s] = struct{}{}
	}
}

func (b *Broker) deliverLocal(ctx context.Context, socketID string, msg Delivery) {
	b.mu.RLock()
	d := b.deliverer
	b.mu.RUnlock()
	if d == nil {
		return
	}

	if err := d.Deliver(ctx, socketID, msg); err != nil {
		// Non-ack: the message stays retained for redelivery
		b.logger.Warn("delivery failed",
			"socket_id", socketID,
			"topic", msg.Topic,
			"message_hash", msg.MessageHash,
			"error", err)
		if b.metrics != nil {
			b.metrics.RecordError("broker", "delivery_failed")
		}
		return
	}

	if b.metrics != nil {
		b.metrics.RecordMessageDelivered()
	}
}

// Acknowledge marks (socketID, topic, hash) acknowledged. When the last
// eligible socket on this node acks, the retention entry is removed from
// the shared store.
func (b *Broker) Acknowledge(ctx context.Context, socketID, topic, hash string) error {
	key := pendingKey(topic, hash)

	b.pendingMu.Lock()
	set, ok := b.pending[key]
	if ok {
		delete(set, socketID)
	}
	done := ok && len(set) == 0
	if done {
		delete(b.pending, key)
		b.retained--
		if b.metrics != nil {
			b.metrics.RecordMessagesRetained(b.retained)
		}
	}
	b.pendingMu.Unlock()

	if !done {
		return nil
	}

	err := b.store.TrimList(ctx, retainedKey(topic), func(raw []byte) bool {
		entry, derr := decodeRetained(raw)
		if derr != nil {
			return false
		}
		return entry.MessageHash != hash
	})
	b.releaseChannel(topic)
	if err != nil {
		return errors.WrapTransient(err, "Broker", "Acknowledge", "remove retained entry")
	}
	return nil
}

// Subscribe registers socketID's interest in topic and, for a new
// subscription, replays the retained backlog before returning. The topic
// lock is held across registration and replay so a concurrent Publish
// cannot fan out to the socket mid-replay. Returns the subscription id.
func (b *Broker) Subscribe(ctx context.Context, socketID, topic string) (string, error) {
	if b.closed.Load() {
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Broker", "Subscribe", "broker closed")
	}

	b.mu.RLock()
	src := b.subscribers
	b.mu.RUnlock()
	if src == nil {
		return "", errors.WrapFatal(errors.ErrInvalidConfig, "Broker", "Subscribe", "no subscriber source wired")
	}

	lock := b.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	subID, created := src.Subscribe(ctx, socketID, topic)
	if created {
		if err := b.replayRetained(ctx, socketID, topic); err != nil {
			b.logger.Warn("retained replay failed",
				"socket_id", socketID, "topic", topic, "error", err)
		}
	}
	return subID, nil
}

// OnNewSubscriber replays every unexpired retained message for topic to
// socketID and adds it to each message's pending-ack set.
func (b *Broker) OnNewSubscriber(ctx context.Context, socketID, topic string) error {
	lock := b.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()
	return b.replayRetained(ctx, socketID, topic)
}

func (b *Broker) replayRetained(ctx context.Context, socketID, topic string) error {
	entries, err := b.store.RangeList(ctx, retainedKey(topic))
	if err != nil {
		return errors.WrapTransient(err, "Broker", "replayRetained", "read retained list")
	}

	now := time.Now()
	for _, raw := range entries {
		entry, derr := decodeRetained(raw)
		if derr != nil {
			b.logger.Warn("skipping undecodable retained entry", "topic", topic, "error", derr)
			continue
		}
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			continue
		}

		b.addPending(topic, entry.MessageHash, []string{socketID})
		b.deliverLocal(ctx, socketID, Delivery{
			ID:          hexid.New(),
			Topic:       topic,
			MessageHash: entry.MessageHash,
			Payload:     entry.Payload,
		})
	}
	return nil
}

// OnSocketClosed transfers the socket's ack obligations to future
// subscribers: it leaves retention entries in place.
func (b *Broker) OnSocketClosed(socketID string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	for _, set := range b.pending {
		delete(set, socketID)
	}
}

// AnnounceSubscribe opens the topic's cross-node channel and asks peers
// to flush pending messages for it.
func (b *Broker) AnnounceSubscribe(ctx context.Context, topic string) error {
	b.acquireChannel(topic)
	b.publishEnvelope(ctx, channelEnvelope{
		Type:  envelopeSubscribeRequest,
		Node:  b.nodeID,
		Topic: topic,
	})
	return nil
}

// AnnounceRelease advertises that this node no longer has local
// subscribers for topic and drops the channel reference.
func (b *Broker) AnnounceRelease(ctx context.Context, topic string) error {
	b.publishEnvelope(ctx, channelEnvelope{
		Type:  envelopeSubscribeRelease,
		Node:  b.nodeID,
		Topic: topic,
	})
	b.releaseChannel(topic)
	return nil
}

func (b *Broker) publishEnvelope(ctx context.Context, env channelEnvelope) {
	data, err := env.encode()
	if err != nil {
		b.logger.Error("failed to encode channel envelope", "type", env.Type, "error", err)
		return
	}

	if err := b.store.Publish(ctx, env.Topic, data); err != nil {
		b.setDegraded(err)
		return
	}
	b.markRecovered()
}

func (b *Broker) acquireChannel(topic string) {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()

	if ch, ok := b.channels[topic]; ok {
		ch.refs++
		return
	}

	cancel, err := b.store.Subscribe(context.Background(), topic, func(payload []byte) {
		b.handleEnvelope(topic, payload)
	})
	if err != nil {
		b.logger.Warn("failed to open topic channel", "topic", topic, "error", err)
		b.setDegraded(err)
		return
	}
	b.channels[topic] = &topicChannel{cancel: cancel, refs: 1}
}

func (b *Broker) releaseChannel(topic string) {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()

	ch, ok := b.channels[topic]
	if !ok {
		return
	}
	ch.refs--
	if ch.refs <= 0 {
		ch.cancel()
		delete(b.channels, topic)
	}
}

// handleEnvelope processes a cross-node envelope on a topic channel.
func (b *Broker) handleEnvelope(topic string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		b.logger.Warn("undecodable channel envelope", "topic", topic, "error", err)
		return
	}
	if env.Node == b.nodeID {
		return
	}

	ctx := context.Background()

	switch env.Type {
	case envelopeMessage:
		if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
			return
		}
		eligible := b.localSubscribers(topic, "")
		b.addPending(topic, env.MessageHash, eligible)
		delivery := Delivery{
			ID:          hexid.New(),
			Topic:       topic,
			MessageHash: env.MessageHash,
			Payload:     env.Payload,
		}
		for _, socketID := range eligible {
			b.deliverLocal(ctx, socketID, delivery)
		}

	case envelopeSubscribeRequest:
		b.flushRetained(ctx, topic)

	case envelopeSubscribeRelease:
		// Advisory only

	default:
		b.logger.Debug("ignoring unknown envelope type", "type", env.Type, "topic", topic)
	}
}

// flushRetained republishes this node's view of the retained list so the
// requesting node can deliver to its new subscriber.
func (b *Broker) flushRetained(ctx context.Context, topic string) {
	entries, err := b.store.RangeList(ctx, retainedKey(topic))
	if err != nil {
		b.logger.Warn("failed to read retained list for flush", "topic", topic, "error", err)
		return
	}

	now := time.Now()
	for _, raw := range entries {
		entry, derr := decodeRetained(raw)
		if derr != nil {
			continue
		}
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			continue
		}
		b.publishEnvelope(ctx, channelEnvelope{
			Type:        envelopeMessage,
			Node:        b.nodeID,
			Topic:       topic,
			MessageHash: entry.MessageHash,
			Payload:     entry.Payload,
			ExpiresAt:   entry.ExpiresAt,
		})
	}
}

func (b *Broker) setDegraded(err error) {
	if b.degraded.CompareAndSwap(false, true) {
		b.logger.Error("broker degraded to local-only mode", "error", err)
		if b.metrics != nil {
			b.metrics.RecordError("broker", "degraded")
		}
		b.emit(EventDegraded)
	}
}

func (b *Broker) markRecovered() {
	if b.degraded.CompareAndSwap(true, false) {
		b.logger.Info("broker recovered from degraded mode")
		b.emit(EventRecovered)
	}
}

func (b *Broker) emit(e Event) {
	select {
	case b.events <- e:
	default:
		b.logger.Warn("dropping broker event, channel full", "event", e.String())
	}
}

// Close tears down all channel subscriptions.
func (b *Broker) Close(_ context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.chanMu.Lock()
	for topic, ch := range b.channels {
		ch.cancel()
		delete(b.channels, topic)
	}
	b.chanMu.Unlock()

	close(b.events)
	return nil
}
