package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/example/palmvein/internal/audit"
)

type stubProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (s *stubProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		s.records = append(s.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: s.err})
	}
	return results
}

func (s *stubProducer) Close() { s.closed = true }

func TestWritePublishesKeyedJSON(t *testing.T) {
	producer := &stubProducer{}
	sink := newKafkaSink(producer, "attempts", zap.NewNop())
	claimed := "007"

	err := sink.Write(context.Background(), audit.Record{
		Timestamp:       time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		RequestID:       "req-1",
		ClaimedIdentity: &claimed,
		Outcome:         audit.OutcomeDenied,
	})
	require.NoError(t, err)
	require.Len(t, producer.records, 1)

	rec := producer.records[0]
	assert.Equal(t, "attempts", rec.Topic)
	assert.Equal(t, []byte("007"), rec.Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, "DENIED", decoded["outcome"])
	assert.Equal(t, "req-1", decoded["request_id"])
	assert.Nil(t, decoded["predicted_identity"])
}

func TestWriteWithoutClaimedIdentityHasNoKey(t *testing.T) {
	producer := &stubProducer{}
	sink := newKafkaSink(producer, DefaultTopic, zap.NewNop())

	require.NoError(t, sink.Write(context.Background(), audit.Record{Outcome: audit.OutcomeRejected}))
	assert.Nil(t, producer.records[0].Key)
}

func TestWriteSurfacesProduceError(t *testing.T) {
	producer := &stubProducer{err: errors.New("not enough replicas")}
	sink := newKafkaSink(producer, DefaultTopic, zap.NewNop())

	err := sink.Write(context.Background(), audit.Record{Outcome: audit.OutcomeGranted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough replicas")

	sink.Close()
	assert.True(t, producer.closed)
}

// stalledProducer never reaches a broker and only gives up with its context.
type stalledProducer struct{}

func (stalledProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	<-ctx.Done()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: ctx.Err()})
	}
	return results
}

func (stalledProducer) Close() {}

func TestWriteGivesUpWhenBrokerUnreachable(t *testing.T) {
	sink := newKafkaSink(stalledProducer{}, DefaultTopic, zap.NewNop())
	sink.timeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- sink.Write(context.Background(), audit.Record{Outcome: audit.OutcomeDenied})
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return while the broker was unreachable")
	}
}
