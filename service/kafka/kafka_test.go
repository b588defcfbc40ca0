package kafka

import (
	"context"
	"errors"
	"testing"

	"IMCore/logger"
	"IMCore/service/event"
	"IMCore/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterResolve(t *testing.T) {
	r := newRouter()
	noop := func(context.Context, event.Message) error { return nil }
	r.add(event.TopicConnClosed, noop)
	r.add(event.TopicMessageAll, noop)
	assert.True(t, r.hasWildcard())

	known := []string{event.TopicMessageSent, event.TopicMessageEdited, "communication.messages", "__consumer_offsets", event.TopicMessageSent}
	assert.Equal(t, []string{event.TopicConnClosed, event.TopicMessageEdited, event.TopicMessageSent}, r.resolve(known))

	assert.Len(t, r.handlers(event.TopicMessageSent), 1)
	assert.Len(t, r.handlers(event.TopicConnClosed), 1)
	assert.Empty(t, r.handlers("other.topic"))
}

func TestGroupHandlerDeliver(t *testing.T) {
	r := newRouter()
	var got []event.Message
	r.add(event.TopicMessageAll, func(_ context.Context, m event.Message) error {
		got = append(got, m)
		return nil
	})
	r.add(event.TopicMessageSent, func(context.Context, event.Message) error { panic("bad") })
	h := &groupHandler{routes: r, log: logger.Named("test")}

	n := h.deliver(context.Background(), &sarama.ConsumerMessage{
		Topic:   event.TopicMessageSent,
		Value:   []byte("payload"),
		Headers: []*sarama.RecordHeader{{Key: []byte(event.HeaderEventID), Value: []byte("e1")}},
	})
	assert.Equal(t, 2, n)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].Header[event.HeaderEventID])
	assert.Equal(t, []byte("payload"), got[0].Data)
	assert.Equal(t, 0, h.deliver(context.Background(), &sarama.ConsumerMessage{Topic: "x.y"}))
}

func TestProducerMessage(t *testing.T) {
	m := producerMessage(event.TopicMessageSent, []byte("d"), map[string]string{event.HeaderEventID: "e1"})
	assert.Equal(t, event.TopicMessageSent, m.Topic)
	assert.Equal(t, sarama.StringEncoder("e1"), m.Key)
	require.Len(t, m.Headers, 1)
	assert.Equal(t, map[string]string{event.HeaderEventID: "e1"}, headersToMap([]*sarama.RecordHeader{&m.Headers[0]}))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(sarama.ErrOutOfBrokers, "t"), errs.ErrTransient)
	assert.ErrorIs(t, classify(&sarama.ProducerError{Err: sarama.ErrNotLeaderForPartition}, "t"), errs.ErrTransient)
	assert.NotErrorIs(t, classify(errors.New("message too large"), "t"), errs.ErrTransient)
}

func TestBuildSaramaConfig(t *testing.T) {
	cfg, err := BuildSaramaConfig(Config{Compression: "lz4", InitialOffset: "oldest"})
	require.NoError(t, err)
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Version.IsAtLeast(sarama.V2_1_0_0))

	_, err = BuildSaramaConfig(Config{Version: "bogus"})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = New(Config{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
