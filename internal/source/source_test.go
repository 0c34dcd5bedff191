package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type mockKafkaClient struct {
	fetches   kgo.Fetches
	commitErr error
	commits   int
	closed    bool
}

func (m *mockKafkaClient) PollFetches(ctx context.Context) kgo.Fetches {
	return m.fetches
}

func (m *mockKafkaClient) CommitUncommittedOffsets(ctx context.Context) error {
	m.commits++
	return m.commitErr
}

func (m *mockKafkaClient) Close() {
	m.closed = true
}

func TestLineSource_BatchesAndSkipsBlankLines(t *testing.T) {
	t.Parallel()

	in := "a\n\nb\nc\n"
	s := NewLineSource(strings.NewReader(in), WithBatchSize(2))

	lines, err := s.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, lines)

	lines, err = s.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c")}, lines)

	_, err = s.Next(t.Context())
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Commit(t.Context()))
	require.NoError(t, s.Close())
}

func TestLineSource_HonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewLineSource(strings.NewReader("a\n")).Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKafkaSource_Next(t *testing.T) {
	t.Parallel()

	client := &mockKafkaClient{
		fetches: kgo.Fetches{
			{
				Topics: []kgo.FetchTopic{
					{
						Topic: "lakesink-input",
						Partitions: []kgo.FetchPartition{
							{
								Records: []*kgo.Record{
									{Value: []byte(`{"type":"RECORD","record":{"stream":"users","data":{}}}`)},
									{Value: nil},
									{Value: []byte(`{"type":"STATE","state":{"data":{}}}`)},
								},
							},
						},
					},
				},
			},
		},
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := NewKafkaSource(withKafkaClient(client), WithMetrics(metrics))
	require.NoError(t, err)

	lines, err := s.Next(t.Context())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.InDelta(t, 2, testutil.ToFloat64(metrics.MessagesConsumed), 0)

	require.NoError(t, s.Commit(t.Context()))
	require.Equal(t, 1, client.commits)

	require.NoError(t, s.Close())
	require.True(t, client.closed)
}

func TestKafkaSource_EmptyPoll(t *testing.T) {
	t.Parallel()

	s, err := NewKafkaSource(withKafkaClient(&mockKafkaClient{}))
	require.NoError(t, err)
	lines, err := s.Next(t.Context())
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestKafkaSource_CommitError(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := NewKafkaSource(withKafkaClient(&mockKafkaClient{commitErr: errors.New("rebalance")}), WithMetrics(metrics))
	require.NoError(t, err)
	require.ErrorContains(t, s.Commit(t.Context()), "rebalance")
	require.InDelta(t, 1, testutil.ToFloat64(metrics.CommitErrors), 0)
}

func TestKafkaSource_RequiresSettings(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaSource()
	require.ErrorContains(t, err, "brokers are required")
}
