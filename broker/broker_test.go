package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/store"
)

type fakeSubscribers struct {
	mu      sync.Mutex
	sockets map[string][]string
}

func newFakeSubscribers() *fakeSubscribers {
	return &fakeSubscribers{sockets: make(map[string][]string)}
}

func (f *fakeSubscribers) set(topic string, sockets ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sockets[topic] = sockets
}

func (f *fakeSubscribers) SocketsForTopic(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sockets[topic]...)
}

func (f *fakeSubscribers) Subscribe(_ context.Context, socketID, topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sockets[topic] {
		if s == socketID {
			return "sub-" + socketID, false
		}
	}
	f.sockets[topic] = append(f.sockets[topic], socketID)
	return "sub-" + socketID, true
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries map[string][]Delivery
	failFor    map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		deliveries: make(map[string][]Delivery),
		failFor:    make(map[string]bool),
	}
}

func (f *fakeDeliverer) Deliver(_ context.Context, socketID string, msg Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[socketID] {
		return errors.WrapTransient(errors.ErrQueueFull, "fakeDeliverer", "Deliver", "enqueue")
	}
	f.deliveries[socketID] = append(f.deliveries[socketID], msg)
	return nil
}

func (f *fakeDeliverer) count(socketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries[socketID])
}

func (f *fakeDeliverer) last(socketID string) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.deliveries[socketID]
	return msgs[len(msgs)-1]
}

func newTestBroker(t *testing.T, nodeID string, s store.Store) (*Broker, *fakeSubscribers, *fakeDeliverer) {
	t.Helper()
	b := New(s, nodeID)
	subs := newFakeSubscribers()
	del := newFakeDeliverer()
	b.SetSubscribers(subs)
	b.SetDeliverer(del)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, subs, del
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	b, subs, del := newTestBroker(t, "node-1", store.NewMemoryStore())

	subs.set("topic-a", "sock1", "sock2")

	id, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, 1, del.count("sock1"))
	assert.Equal(t, 1, del.count("sock2"))

	msg := del.last("sock1")
	assert.Equal(t, "topic-a", msg.Topic)
	assert.Equal(t, HashPayload([]byte("payload")), msg.MessageHash)
	assert.Equal(t, []byte("payload"), msg.Payload)
}

func TestPublishExcludesPublisher(t *testing.T) {
	ctx := context.Background()
	b, subs, del := newTestBroker(t, "node-1", store.NewMemoryStore())

	subs.set("topic-a", "sock1", "sock2")

	_, err := b.Publish(ctx, "sock1", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 0, del.count("sock1"))
	assert.Equal(t, 1, del.count("sock2"))
}

func TestRepublishIsAbsorbedButStillFansOut(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, subs, del := newTestBroker(t, "node-1", s)

	subs.set("topic-a", "sock1")

	_, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)

	// Both publishes fan out
	assert.Equal(t, 2, del.count("sock1"))

	// But only one retention entry exists
	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcknowledgeRemovesRetention(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, subs, _ := newTestBroker(t, "node-1", s)

	subs.set("topic-a", "sock1", "sock2")

	_, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)
	hash := HashPayload([]byte("payload"))

	require.NoError(t, b.Acknowledge(ctx, "sock1", "topic-a", hash))

	// One ack outstanding: entry stays
	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, b.Acknowledge(ctx, "sock2", "topic-a", hash))

	entries, err = s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubscribeRegistersAndReplays(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, subs, del := newTestBroker(t, "node-1", s)

	// Retained before anyone subscribed
	_, err := b.Publish(ctx, "", "topic-a", []byte("backlog"), time.Minute)
	require.NoError(t, err)

	subID, err := b.Subscribe(ctx, "late", "topic-a")
	require.NoError(t, err)
	assert.Equal(t, "sub-late", subID)
	assert.Equal(t, []string{"late"}, subs.SocketsForTopic("topic-a"))

	// Backlog replayed on the new subscription
	require.Equal(t, 1, del.count("late"))
	assert.Equal(t, []byte("backlog"), del.last("late").Payload)

	// Repeat subscribe is idempotent and does not replay again
	subID2, err := b.Subscribe(ctx, "late", "topic-a")
	require.NoError(t, err)
	assert.Equal(t, subID, subID2)
	assert.Equal(t, 1, del.count("late"))
}

func TestOnNewSubscriberReplaysRetained(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, _, del := newTestBroker(t, "node-1", s)

	// Publish with no subscribers: message is retained, nothing delivered
	_, err := b.Publish(ctx, "", "topic-a", []byte("waiting"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, del.count("late"))

	require.NoError(t, b.OnNewSubscriber(ctx, "late", "topic-a"))

	require.Equal(t, 1, del.count("late"))
	assert.Equal(t, []byte("waiting"), del.last("late").Payload)

	// Ack clears it
	require.NoError(t, b.Acknowledge(ctx, "late", "topic-a", HashPayload([]byte("waiting"))))
	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestZeroSubscriberRetentionTracksNothingLocally(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, _, _ := newTestBroker(t, "node-1", s)

	_, err := b.Publish(ctx, "", "topic-a", []byte("idle"), time.Minute)
	require.NoError(t, err)

	// No local socket to track: bookkeeping stays empty so the entry
	// cannot outlive its store-side TTL
	b.pendingMu.Lock()
	assert.Empty(t, b.pending)
	assert.Zero(t, b.retained)
	b.pendingMu.Unlock()

	// The store still holds it for future subscribers
	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDisconnectTransfersObligation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, subs, del := newTestBroker(t, "node-1", s)

	subs.set("topic-a", "sock1")

	_, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, del.count("sock1"))

	// sock1 disconnects without acking: retention survives
	b.OnSocketClosed("sock1")

	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A future subscriber picks up the obligation
	require.NoError(t, b.OnNewSubscriber(ctx, "sock2", "topic-a"))
	require.Equal(t, 1, del.count("sock2"))

	hash := HashPayload([]byte("payload"))
	require.NoError(t, b.Acknowledge(ctx, "sock2", "topic-a", hash))

	entries, err = s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeliveryFailureKeepsRetention(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, subs, del := newTestBroker(t, "node-1", s)

	subs.set("topic-a", "sock1")
	del.failFor["sock1"] = true

	_, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)

	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed delivery must not remove retention")
}

func TestCrossNodeFanOut(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	bA, subsA, _ := newTestBroker(t, "node-a", s)
	bB, subsB, delB := newTestBroker(t, "node-b", s)

	subsA.set("topic-x")
	subsB.set("topic-x", "remote-sock")

	// Node B opens the channel for its local subscriber
	require.NoError(t, bB.AnnounceSubscribe(ctx, "topic-x"))

	_, err := bA.Publish(ctx, "", "topic-x", []byte("hello"), time.Minute)
	require.NoError(t, err)

	require.Equal(t, 1, delB.count("remote-sock"))
	assert.Equal(t, []byte("hello"), delB.last("remote-sock").Payload)
}

func TestSubscribeRequestFlushesRetained(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	bA, subsA, _ := newTestBroker(t, "node-a", s)
	bB, subsB, delB := newTestBroker(t, "node-b", s)

	subsA.set("topic-x")
	subsB.set("topic-x", "late-sock")

	// Node A retains a message while nobody anywhere is subscribed
	_, err := bA.Publish(ctx, "", "topic-x", []byte("pending"), time.Minute)
	require.NoError(t, err)

	// Node B gains a subscriber and announces interest; node A flushes
	require.NoError(t, bB.AnnounceSubscribe(ctx, "topic-x"))

	require.Equal(t, 1, delB.count("late-sock"))
	assert.Equal(t, []byte("pending"), delB.last("late-sock").Payload)
}

type failingChannelStore struct {
	store.Store
}

func (f *failingChannelStore) Publish(_ context.Context, _ string, _ []byte) error {
	return errors.WrapTransient(errors.ErrNoConnection, "failingChannelStore", "Publish", "publish")
}

func TestDegradedModeOnChannelFailure(t *testing.T) {
	ctx := context.Background()
	s := &failingChannelStore{Store: store.NewMemoryStore()}
	b, subs, del := newTestBroker(t, "node-1", s)

	subs.set("topic-a", "sock1")

	// Publish still succeeds locally
	_, err := b.Publish(ctx, "", "topic-a", []byte("payload"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, del.count("sock1"))

	assert.True(t, b.Degraded())

	select {
	case e := <-b.Events():
		assert.Equal(t, EventDegraded, e)
	default:
		t.Fatal("expected a degraded event")
	}
}

func TestTTLClamp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b, _, _ := newTestBroker(t, "node-1", s)
	b.maxTTL = 50 * time.Millisecond

	_, err := b.Publish(ctx, "", "topic-a", []byte("fleeting"), time.Hour)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	entries, err := s.RangeList(ctx, "retained:topic-a")
	require.NoError(t, err)
	assert.Empty(t, entries, "entry must expire at the capped TTL")
}
