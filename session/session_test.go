package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaybus/broker"
	"github.com/c360/relaybus/config"
	"github.com/c360/relaybus/history"
	"github.com/c360/relaybus/pkg/hexid"
	"github.com/c360/relaybus/registry"
	"github.com/c360/relaybus/rpc"
	"github.com/c360/relaybus/store"
)

type testEnv struct {
	srv  *Server
	hist *history.History
	http *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.SessionConfig)) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	hist := history.New(st)
	require.NoError(t, hist.Start(context.Background()))

	brk := broker.New(st, "node-test")
	reg := registry.New(registry.WithAnnouncer(brk))
	brk.SetSubscribers(reg)

	cfg := config.Default().Session
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg, reg, brk, hist)
	srv.SetAllowedOrigins(nil)
	brk.SetDeliverer(srv)
	require.NoError(t, srv.Start(context.Background()))

	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close(context.Background())
		_ = brk.Close(context.Background())
		_ = hist.Close(context.Background())
		_ = st.Close(context.Background())
	})

	return &testEnv{srv: srv, hist: hist, http: hs}
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id int, method string, params any) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	require.NoError(t, conn.WriteJSON(rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(strconv.Itoa(id)),
		Method:  method,
		Params:  raw,
	}))
}

func readFrame(t *testing.T, conn *websocket.Conn) *rpc.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, rpcErr := rpc.ParseFrame(data)
	require.Nil(t, rpcErr)
	return frame
}

func readResponse(t *testing.T, conn *websocket.Conn) *rpc.Response {
	t.Helper()
	frame := readFrame(t, conn)
	require.NotNil(t, frame.Response, "expected a response frame")
	return frame.Response
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) string {
	t.Helper()
	sendRequest(t, conn, 1, rpc.MethodSubscribe, rpc.SubscribeParams{Topic: topic})
	resp := readResponse(t, conn)
	require.Nil(t, resp.Error)
	var subID string
	require.NoError(t, json.Unmarshal(resp.Result, &subID))
	require.Len(t, subID, hexid.Length)
	return subID
}

func TestSubscribePublishDeliverAck(t *testing.T) {
	env := newTestEnv(t, nil)
	topic := hexid.New()

	sub := dial(t, env)
	pub := dial(t, env)

	subID := subscribe(t, sub, topic)

	sendRequest(t, pub, 1, rpc.MethodPublish, rpc.PublishParams{Topic: topic, Message: "hello", TTL: 60})
	resp := readResponse(t, pub)
	require.Nil(t, resp.Error)

	frame := readFrame(t, sub)
	require.NotNil(t, frame.Request)
	assert.Equal(t, rpc.MethodSubscription, frame.Request.Method)

	var params rpc.SubscriptionParams
	require.NoError(t, json.Unmarshal(frame.Request.Params, &params))
	assert.Equal(t, subID, params.ID)
	assert.Equal(t, topic, params.Data.Topic)
	assert.Equal(t, "hello", params.Data.Message)
	require.Len(t, params.Data.MessageHash, 64)

	// Answer the delivery so the history records the round trip
	require.NoError(t, sub.WriteJSON(rpc.Response{
		JSONRPC: rpc.Version,
		ID:      frame.Request.ID,
		Result:  json.RawMessage(`true`),
	}))
	recordID := history.IDKey(frame.Request.ID)
	assert.Eventually(t, func() bool {
		rec, err := env.hist.Get(context.Background(), topic, recordID)
		return err == nil && rec.Response != nil
	}, 2*time.Second, 10*time.Millisecond)

	sendRequest(t, sub, 2, rpc.MethodAck, rpc.AckParams{Topic: topic, MessageHash: params.Data.MessageHash})
	resp = readResponse(t, sub)
	assert.Nil(t, resp.Error)
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	topic := hexid.New()

	pub := dial(t, env)
	sendRequest(t, pub, 1, rpc.MethodPublish, rpc.PublishParams{Topic: topic, Message: "stored", TTL: 60})
	require.Nil(t, readResponse(t, pub).Error)

	// The retained replay is enqueued before the subscribe response
	sub := dial(t, env)
	sendRequest(t, sub, 1, rpc.MethodSubscribe, rpc.SubscribeParams{Topic: topic})

	frame := readFrame(t, sub)
	require.NotNil(t, frame.Request)
	assert.Equal(t, rpc.MethodSubscription, frame.Request.Method)
	var params rpc.SubscriptionParams
	require.NoError(t, json.Unmarshal(frame.Request.Params, &params))
	assert.Equal(t, "stored", params.Data.Message)

	resp := readResponse(t, sub)
	assert.Nil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env)

	sendRequest(t, conn, 1, "relay_bogus", rpc.SubscribeParams{Topic: hexid.New()})
	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

func TestMalformedFrameKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)

	// Socket still works afterwards
	subscribe(t, conn, hexid.New())
}

func TestInvalidTopicRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env)

	sendRequest(t, conn, 1, rpc.MethodPublish, rpc.PublishParams{Topic: "not-a-topic", Message: "x"})
	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestMissingParamsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env)

	sendRequest(t, conn, 1, rpc.MethodSubscribe, nil)
	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	topic := hexid.New()

	sub := dial(t, env)
	pub := dial(t, env)

	subID := subscribe(t, sub, topic)
	sendRequest(t, sub, 2, rpc.MethodUnsubscribe, rpc.UnsubscribeParams{Topic: topic, ID: subID})
	require.Nil(t, readResponse(t, sub).Error)

	sendRequest(t, pub, 1, rpc.MethodPublish, rpc.PublishParams{Topic: topic, Message: "late", TTL: 60})
	require.Nil(t, readResponse(t, pub).Error)

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := sub.ReadMessage()
	assert.Error(t, err, "unsubscribed socket must not receive deliveries")
}

func TestShutdownClosesSockets(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env)
	subscribe(t, conn, hexid.New())

	require.NoError(t, env.srv.Close(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseServiceRestart),
		"expected close 1012, got %v", err)
}

func TestBeatTerminatesUnresponsiveSocket(t *testing.T) {
	env := newTestEnv(t, func(c *config.SessionConfig) {
		c.BeatInterval = 50 * time.Millisecond
	})

	// Dial but never read, so pings are never answered
	conn := dial(t, env)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return env.srv.SocketCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
