package history

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/rpc"
	"github.com/c360/relaybus/store"
)

// storageKey incorporates the protocol name and version so incompatible
// snapshot formats never collide.
const storageKey = "history:relay@2:history"

// Record errors surfaced to callers. Never retried.
var (
	ErrRecordAlreadyExists  = stderrors.New("history: record already exists")
	ErrNoMatchingID         = stderrors.New("history: no matching id")
	ErrMismatchedTopic      = stderrors.New("history: mismatched topic")
	ErrRestoreWouldOverride = stderrors.New("history: restore would override existing records")
)

// EventType identifies a history mutation.
type EventType string

// History event types
const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event describes one history mutation for external observers.
type Event struct {
	Type  EventType
	Topic string
	ID    string
}

// Record is one logged JSON-RPC exchange. Response stays nil until the
// peer answers.
type Record struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Request  json.RawMessage `json:"request"`
	ChainID  string          `json:"chain_id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// IDKey canonicalizes a raw JSON-RPC id for use as a record key.
func IDKey(raw json.RawMessage) string {
	return string(bytes.TrimSpace(raw))
}

// History is the relay's JSON-RPC request/response log.
type History struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Record

	ready     chan struct{}
	readyOnce sync.Once

	events chan Event
	snap   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a History.
type Option func(*History)

// WithLogger sets the history logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a history over the shared store. The history is gated until
// Start restores the snapshot.
func New(s store.Store, opts ...Option) *History {
	h := &History{
		store:   s,
		logger:  slog.Default(),
		records: make(map[string]*Record),
		ready:   make(chan struct{}),
		events:  make(chan Event, 64),
		snap:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start restores the persisted snapshot and opens the gate. Mutations
// issued before Start block until it completes.
func (h *History) Start(ctx context.Context) error {
	if err := h.restore(ctx); err != nil {
		return err
	}

	h.wg.Add(1)
	go h.snapshotLoop()

	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

func (h *History) restore(ctx context.Context) error {
	data, found, err := h.store.Get(ctx, storageKey)
	if err != nil {
		return errors.WrapTransient(err, "History", "Start", "read snapshot")
	}
	if !found {
		return nil
	}

	var restored []*Record
	if err := json.Unmarshal(data, &restored); err != nil {
		return errors.WrapFatal(err, "History", "Start", "decode snapshot")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) > 0 {
		return ErrRestoreWouldOverride
	}
	for _, rec := range restored {
		h.records[rec.ID] = rec
	}

	h.logger.Info("history restored", "records", len(restored))
	return nil
}

// Close stops the snapshot loop, then writes a final synchronous snapshot.
func (h *History) Close(ctx context.Context) error {
	close(h.done)
	h.wg.Wait()
	h.writeSnapshot(ctx)
	close(h.events)
	return nil
}

// Events exposes history mutations to observers.
func (h *History) Events() <-chan Event {
	return h.events
}

func (h *History) waitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set logs an outbound request for topic. Fails with
// ErrRecordAlreadyExists when the id is already logged.
func (h *History) Set(ctx context.Context, topic string, req *rpc.Request) error {
	if err := h.waitReady(ctx); err != nil {
		return err
	}

	id := IDKey(req.ID)
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "History", "Set", "request has no id")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errors.WrapInvalid(err, "History", "Set", "marshal request")
	}

	var chain struct {
		ChainID string `json:"chainId"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &chain)
	}

	h.mu.Lock()
	if _, exists := h.records[id]; exists {
		h.mu.Unlock()
		return ErrRecordAlreadyExists
	}
	h.records[id] = &Record{
		ID:      id,
		Topic:   topic,
		Request: data,
		ChainID: chain.ChainID,
	}
	h.mu.Unlock()

	h.emit(Event{Type: EventCreated, Topic: topic, ID: id})
	h.triggerSnapshot()
	return nil
}

// Update attaches a response to its logged request. Unknown ids,
// mismatched topics, and already-answered records return silently.
func (h *History) Update(ctx context.Context, topic string, resp *rpc.Response) error {
	if err := h.waitReady(ctx); err != nil {
		return err
	}

	id := IDKey(resp.ID)

	h.mu.Lock()
	rec, ok := h.records[id]
	if !ok || rec.Topic != topic || rec.Response != nil {
		h.mu.Unlock()
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		h.mu.Unlock()
		return errors.WrapInvalid(err, "History", "Update", "marshal response")
	}
	rec.Response = data
	h.mu.Unlock()

	h.emit(Event{Type: EventUpdated, Topic: topic, ID: id})
	h.triggerSnapshot()
	return nil
}

// Get returns the record for (topic, id).
func (h *History) Get(ctx context.Context, topic, id string) (Record, error) {
	if err := h.waitReady(ctx); err != nil {
		return Record{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	if !ok {
		return Record{}, ErrNoMatchingID
	}
	if rec.Topic != topic {
		return Record{}, ErrMismatchedTopic
	}
	return *rec, nil
}

// Exists reports whether a record for (topic, id) is logged.
func (h *History) Exists(ctx context.Context, topic, id string) (bool, error) {
	if err := h.waitReady(ctx); err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	return ok && rec.Topic == topic, nil
}

// Delete removes one record when id is non-empty, or every record of
// topic otherwise. One deleted event fires per removed record.
func (h *History) Delete(ctx context.Context, topic, id string) error {
	if err := h.waitReady(ctx); err != nil {
		return err
	}

	var removed []string

	h.mu.Lock()
	if id != "" {
		if rec, ok := h.records[id]; ok && rec.Topic == topic {
			delete(h.records, id)
			removed = append(removed, id)
		}
	} else {
		for rid, rec := range h.records {
			if rec.Topic == topic {
				delete(h.records, rid)
				removed = append(removed, rid)
			}
		}
	}
	h.mu.Unlock()

	for _, rid := range removed {
		h.emit(Event{Type: EventDeleted, Topic: topic, ID: rid})
	}
	if len(removed) > 0 {
		h.triggerSnapshot()
	}
	return nil
}

// Pending returns every record still awaiting a response.
func (h *History) Pending(ctx context.Context) ([]Record, error) {
	if err := h.waitReady(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, 0, len(h.records))
	for _, rec := range h.records {
		if rec.Response == nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// TopicFor resolves a record id to its topic.
func (h *History) TopicFor(ctx context.Context, id string) (string, bool, error) {
	if err := h.waitReady(ctx); err != nil {
		return "", false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	if !ok {
		return "", false, nil
	}
	return rec.Topic, true, nil
}

func (h *History) emit(e Event) {
	select {
	case h.events <- e:
	default:
		h.logger.Warn("dropping history event, channel full",
			"type", string(e.Type), "topic", e.Topic, "id", e.ID)
	}
}

func (h *History) triggerSnapshot() {
	select {
	case h.snap <- struct{}{}:
	default:
	}
}

func (h *History) snapshotLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case <-h.snap:
			h.writeSnapshot(context.Background())
		}
	}
}

func (h *History) writeSnapshot(ctx context.Context) {
	h.mu.Lock()
	list := make([]*Record, 0, len(h.records))
	for _, rec := range h.records {
		list = append(list, rec)
	}
	h.mu.Unlock()

	data, err := json.Marshal(list)
	if err != nil {
		h.logger.Error("failed to encode history snapshot", "error", err)
		return
	}

	if err := h.store.SetWithTTL(ctx, storageKey, data, 0); err != nil {
		h.logger.Warn("failed to persist history snapshot", "error", err)
	}
}
