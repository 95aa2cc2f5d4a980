package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/natsclient"
)

// channelSubjectPrefix namespaces cross-node channels under a core NATS
// subject hierarchy.
const channelSubjectPrefix = "relay.sub."

var keySanitizer = regexp.MustCompile(`[^-/_=.a-zA-Z0-9]`)

// NATSStore implements Store over a JetStream key-value bucket and core
// NATS subjects. List keys hold a JSON array of envelopes updated with CAS
// retry; channels map to subjects under relay.sub.
type NATSStore struct {
	client *natsclient.Client
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewNATSStore creates (or binds to) the named KV bucket on an already
// connected client. The store takes ownership of the client; Close drains
// the connection.
func NewNATSStore(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*NATSStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSStore", "NewNATSStore", "nats client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kvBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Relay shared state: retained messages, history snapshots",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "NewNATSStore", "create KV bucket")
	}

	return &NATSStore{
		client: client,
		kv:     client.NewKVStore(kvBucket),
		logger: logger,
	}, nil
}

// sanitizeKey maps arbitrary keys onto the JetStream KV key alphabet.
func sanitizeKey(key string) string {
	return keySanitizer.ReplaceAllString(key, "_")
}

// SetWithTTL stores value under key with an expiry envelope.
func (s *NATSStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := marshalEnvelope(newEnvelope(value, ttl, time.Now()))
	if err != nil {
		return errors.WrapFatal(err, "NATSStore", "SetWithTTL", "marshal envelope")
	}

	if _, err := s.kv.Put(ctx, sanitizeKey(key), data); err != nil {
		return errors.WrapTransient(err, "NATSStore", "SetWithTTL", "put to KV")
	}
	return nil
}

// Get returns the live value for key, deleting entries found expired.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k := sanitizeKey(key)
	entry, err := s.kv.Get(ctx, k)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, errors.WrapTransient(err, "NATSStore", "Get", "get from KV")
	}

	env, err := unmarshalEnvelope(entry.Value)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "NATSStore", "Get", "unmarshal envelope")
	}

	if env.expired(time.Now()) {
		if derr := s.kv.Delete(ctx, k); derr != nil && !natsclient.IsKVNotFoundError(derr) {
			s.logger.Warn("failed to delete expired key", "key", key, "error", derr)
		}
		return nil, false, nil
	}

	return env.Value, true, nil
}

// Delete removes key. Absent keys are not an error.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, sanitizeKey(key)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "NATSStore", "Delete", "delete from KV")
	}
	return nil
}

// PushToList appends entry to the JSON array at key under CAS retry,
// pruning expired entries on the way through.
func (s *NATSStore) PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error {
	now := time.Now()
	err := s.kv.UpdateWithRetry(ctx, sanitizeKey(key), func(current []byte) ([]byte, error) {
		list, err := decodeList(current)
		if err != nil {
			return nil, err
		}
		list = pruneExpired(list, now)
		list = append(list, newEnvelope(entry, ttl, now))
		return json.Marshal(list)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSStore", "PushToList", "update list in KV")
	}
	return nil
}

// RangeList returns the live entries of the list at key.
func (s *NATSStore) RangeList(ctx context.Context, key string) ([][]byte, error) {
	entry, err := s.kv.Get(ctx, sanitizeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return [][]byte{}, nil
		}
		return nil, errors.WrapTransient(err, "NATSStore", "RangeList", "get from KV")
	}

	list, err := decodeList(entry.Value)
	if err != nil {
		return nil, errors.WrapFatal(err, "NATSStore", "RangeList", "decode list")
	}

	list = pruneExpired(list, time.Now())
	out := make([][]byte, 0, len(list))
	for _, env := range list {
		out = append(out, env.Value)
	}
	return out, nil
}

// TrimList drops expired entries and entries keep rejects, deleting the
// key when nothing survives.
func (s *NATSStore) TrimList(ctx context.Context, key string, keep func(entry []byte) bool) error {
	k := sanitizeKey(key)
	now := time.Now()
	empty := false

	err := s.kv.UpdateWithRetry(ctx, k, func(current []byte) ([]byte, error) {
		list, err := decodeList(current)
		if err != nil {
			return nil, err
		}
		list = pruneExpired(list, now)
		kept := list[:0]
		for _, env := range list {
			if keep(env.Value) {
				kept = append(kept, env)
			}
		}
		empty = len(kept) == 0
		return json.Marshal(kept)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSStore", "TrimList", "update list in KV")
	}

	if empty {
		if derr := s.kv.Delete(ctx, k); derr != nil && !natsclient.IsKVNotFoundError(derr) {
			s.logger.Warn("failed to delete empty list", "key", key, "error", derr)
		}
	}
	return nil
}

// Publish sends payload on the channel's core NATS subject.
func (s *NATSStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channelSubjectPrefix+sanitizeKey(channel), payload); err != nil {
		return errors.WrapTransient(err, "NATSStore", "Publish", "publish to subject")
	}
	return nil
}

// Subscribe registers fn on the channel's subject. The returned function
// tears down the NATS subscription.
func (s *NATSStore) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error) {
	unsubscribe, err := s.client.Subscribe(ctx, channelSubjectPrefix+sanitizeKey(channel), fn)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "Subscribe", "subscribe to subject")
	}

	cancel := func() {
		if err := unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", "channel", channel, "error", err)
		}
	}
	return cancel, nil
}

// Close drains the underlying NATS connection.
func (s *NATSStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func decodeList(data []byte) ([]envelope, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var list []envelope
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}
