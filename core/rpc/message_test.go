package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_Kind(t *testing.T) {
	shard := 2
	id := uint64(7)

	tests := []struct {
		name string
		msg  Message
		want Kind
	}{
		{"handshake", Message{Shard: &shard, Credential: "abc"}, KindHandshake},
		{"call", Message{Method: "ping", ID: &id}, KindCall},
		{"notification", Message{Method: "setup"}, KindNotification},
		{"response result", Message{ID: &id, Result: json.RawMessage(`true`)}, KindResponse},
		{"response error", Message{ID: &id, Error: json.RawMessage(`"boom"`)}, KindResponse},
		{"empty", Message{}, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.msg.Kind())
		})
	}
}

func TestMessage_Params(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"method":"connect","params":{"wait":5000,"mode":"fast"}}`), &m))

	wait, ok := m.ParamInt("wait")
	require.True(t, ok)
	require.Equal(t, 5000, wait)

	mode, ok := m.ParamString("mode")
	require.True(t, ok)
	require.Equal(t, "fast", mode)

	_, ok = m.ParamInt("missing")
	require.False(t, ok)
	_, ok = m.ParamInt("mode")
	require.False(t, ok)
}

func TestMessage_WireShape(t *testing.T) {
	id := uint64(3)
	data, err := json.Marshal(&Message{Method: "ping", ID: &id})
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"ping","id":3}`, string(data))

	data, err = json.Marshal(&Message{ID: &id, Result: json.RawMessage(`false`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":3,"result":false}`, string(data))
}
