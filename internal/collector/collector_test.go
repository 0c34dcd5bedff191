package collector

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

type mockProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (m *mockProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		if m.err == nil {
			m.records = append(m.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
	}
	return results
}

func (m *mockProducer) Close() {
	m.closed = true
}

func usersState() *protocol.Message {
	return &protocol.Message{
		Type: protocol.TypeState,
		State: &protocol.State{
			Type: protocol.StateTypeStream,
			Stream: &protocol.StreamState{
				Descriptor: protocol.StreamDescriptor{Namespace: "public", Name: "users"},
				State:      []byte(`{"cursor":42}`),
			},
		},
	}
}

func TestWriterCollector_WritesJSONLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewWriterCollector(WithWriter(&buf))
	require.NoError(t, c.Forward(t.Context(), usersState()))
	require.NoError(t, c.Forward(t.Context(), &protocol.Message{
		Type:  protocol.TypeState,
		State: &protocol.State{Type: protocol.StateTypeGlobal, Global: []byte(`{"lsn":1}`)},
	}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	msg, err := protocol.Decode([]byte(lines[0]))
	require.NoError(t, err)
	key, ok := msg.State.Key()
	require.True(t, ok)
	require.Equal(t, "public.users", key.String())
	require.JSONEq(t, `{"cursor":42}`, string(msg.State.Stream.State))
}

func TestWriterCollector_HonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	var buf bytes.Buffer
	require.ErrorIs(t, NewWriterCollector(WithWriter(&buf)).Forward(ctx, usersState()), context.Canceled)
	require.Zero(t, buf.Len())
}

func TestKafkaCollector_ProducesKeyedByStream(t *testing.T) {
	t.Parallel()

	p := &mockProducer{}
	metrics := NewMetrics(prometheus.NewRegistry())
	c, err := NewKafkaCollector(t.Context(), withKafkaProducer(p), WithKafkaTopic("lakesink-state"), WithMetrics(metrics))
	require.NoError(t, err)

	require.NoError(t, c.Forward(t.Context(), usersState()))
	require.Len(t, p.records, 1)
	require.Equal(t, "lakesink-state", p.records[0].Topic)
	require.Equal(t, "public.users", string(p.records[0].Key))
	require.InDelta(t, 1, testutil.ToFloat64(metrics.Produced), 0)

	require.NoError(t, c.Close())
	require.True(t, p.closed)
}

func TestKafkaCollector_ProduceError(t *testing.T) {
	t.Parallel()

	p := &mockProducer{err: errors.New("not leader")}
	metrics := NewMetrics(prometheus.NewRegistry())
	c, err := NewKafkaCollector(t.Context(), withKafkaProducer(p), WithKafkaTopic("lakesink-state"), WithMetrics(metrics))
	require.NoError(t, err)

	require.ErrorContains(t, c.Forward(t.Context(), usersState()), "not leader")
	require.InDelta(t, 1, testutil.ToFloat64(metrics.ProduceErrors), 0)
}

func TestKafkaCollector_RequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaCollector(t.Context(), withKafkaProducer(&mockProducer{}))
	require.ErrorContains(t, err, "topic is required")
}
