package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocol_Decode_Record(t *testing.T) {
	t.Parallel()

	line := []byte(`{"type":"RECORD","record":{"namespace":"public","stream":"users","emitted_at":1700000000000,"data":{"id":1}}}`)
	msg, err := Decode(line)
	require.NoError(t, err)
	require.Equal(t, TypeRecord, msg.Type)
	require.Equal(t, StreamKey{Namespace: "public", Name: "users"}, msg.Record.Key())
	require.Equal(t, int64(1700000000000), msg.Record.EmittedAt)
	require.JSONEq(t, `{"id":1}`, string(msg.Record.Data))

	b, err := msg.Record.Bytes()
	require.NoError(t, err)
	require.JSONEq(t, `{"namespace":"public","stream":"users","emitted_at":1700000000000,"data":{"id":1}}`, string(b))
}

func TestProtocol_Decode_State(t *testing.T) {
	t.Parallel()

	line := []byte(`{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"users","namespace":"public"},"stream_state":{"cursor":5}}}}`)
	msg, err := Decode(line)
	require.NoError(t, err)
	key, ok := msg.State.Key()
	require.True(t, ok)
	require.Equal(t, "public.users", key.String())

	global, err := Decode([]byte(`{"type":"STATE","state":{"type":"GLOBAL","global":{"shared":1}}}`))
	require.NoError(t, err)
	_, ok = global.State.Key()
	require.False(t, ok)
}

func TestProtocol_Decode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("   "))
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = Decode([]byte(`{"type":"RECORD"}`))
	require.ErrorIs(t, err, ErrMissingRecord)

	_, err = Decode([]byte(`{"type":"STATE"}`))
	require.ErrorIs(t, err, ErrMissingState)

	_, err = Decode([]byte(`{"type":"CATALOG"}`))
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte(`{not json`))
	require.Error(t, err)
}

func TestProtocol_Record_BytesWithoutRaw(t *testing.T) {
	t.Parallel()

	rec := &Record{Stream: "orders", EmittedAt: 10, Data: []byte(`{"a":"b"}`)}
	b, err := rec.Bytes()
	require.NoError(t, err)
	require.JSONEq(t, `{"stream":"orders","emitted_at":10,"data":{"a":"b"}}`, string(b))
}

func TestProtocol_SortKeys(t *testing.T) {
	t.Parallel()

	keys := []StreamKey{{Namespace: "b", Name: "x"}, {Name: "a"}, {Namespace: "a", Name: "z"}}
	SortKeys(keys)
	require.Equal(t, []StreamKey{{Name: "a"}, {Namespace: "a", Name: "z"}, {Namespace: "b", Name: "x"}}, keys)
}
