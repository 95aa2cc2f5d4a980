package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRequest(t *testing.T) {
	frame, rpcErr := ParseFrame([]byte(`{"jsonrpc":"2.0","id":1,"method":"relay_publish","params":{"topic":"t"}}`))
	require.Nil(t, rpcErr)
	require.NotNil(t, frame.Request)
	assert.Nil(t, frame.Response)
	assert.Equal(t, MethodPublish, frame.Request.Method)
	assert.Equal(t, json.RawMessage(`1`), frame.Request.ID)
}

func TestParseFrameResponse(t *testing.T) {
	frame, rpcErr := ParseFrame([]byte(`{"jsonrpc":"2.0","id":"abc","result":true}`))
	require.Nil(t, rpcErr)
	require.NotNil(t, frame.Response)
	assert.Nil(t, frame.Request)
	assert.False(t, frame.Response.IsError())

	frame, rpcErr = ParseFrame([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"boom"}}`))
	require.Nil(t, rpcErr)
	require.NotNil(t, frame.Response)
	assert.True(t, frame.Response.IsError())
	assert.Equal(t, CodeServerError, frame.Response.Error.Code)
}

func TestParseFrameErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code int
	}{
		{"empty", "", CodeParseError},
		{"whitespace", "   \n\t", CodeParseError},
		{"bad json", "{not json", CodeParseError},
		{"neither", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, rpcErr := ParseFrame([]byte(tc.in))
			assert.Nil(t, frame)
			require.NotNil(t, rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestNextIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := string(NextID())
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodPublish, PublishParams{Topic: "t", Message: "m", TTL: 60})
	require.NoError(t, err)
	assert.Equal(t, Version, req.JSONRPC)
	assert.NotEmpty(t, req.ID)

	data, err := req.Encode()
	require.NoError(t, err)

	frame, rpcErr := ParseFrame(data)
	require.Nil(t, rpcErr)
	require.NotNil(t, frame.Request)

	var p PublishParams
	require.NoError(t, json.Unmarshal(frame.Request.Params, &p))
	assert.Equal(t, int64(60), p.TTL)
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse(json.RawMessage(`7`), "ok")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), resp.Result)

	errResp := NewErrorResponse(json.RawMessage(`7`), NewError(CodeMethodNotFound, "nope"))
	assert.True(t, errResp.IsError())
	assert.Contains(t, errResp.Error.Error(), "-32601")
}
