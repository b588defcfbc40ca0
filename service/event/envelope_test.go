package event

import (
	"context"
	"testing"
	"time"

	"IMCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectRules(t *testing.T) {
	assert.True(t, ValidSubject(TopicMessageSent))
	assert.False(t, ValidSubject(""))
	assert.False(t, ValidSubject("a..b"))
	assert.False(t, ValidSubject("a.*"))
	assert.False(t, ValidSubject(".a"))

	assert.True(t, ValidPattern(TopicMessageAll))
	assert.True(t, ValidPattern(TopicConnClosed))
	assert.False(t, ValidPattern("*"))
	assert.False(t, ValidPattern("a.*.b"))

	assert.True(t, Match(TopicMessageAll, TopicMessageSent))
	assert.True(t, Match("communication.*", TopicMessageSent), "wildcard spans levels")
	assert.False(t, Match(TopicMessageAll, "communication.message"))
	assert.False(t, Match(TopicMessageAll, "communication.messages.sent"))
	assert.False(t, Match(TopicMessageAll, TopicConnClosed))
	assert.True(t, Match(TopicConnClosed, TopicConnClosed))
}

func TestEnvelopeDefaults(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e, err := NewAt(TopicMessageSent, TypeNotification, map[string]any{"k": "v"}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PriorityMedium, e.Priority)
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)
	assert.Equal(t, now.Add(DefaultExpiry), e.ExpiresAt)
	assert.False(t, e.IsExpired(now))
	assert.True(t, e.IsExpired(now.Add(DefaultExpiry)))

	_, err = NewAt("", TypeRequest, nil, now)
	assert.ErrorIs(t, err, errs.ErrInvalidSubject)
}

func TestEnvelopeWithHelpersCopy(t *testing.T) {
	base, err := NewBroadcast(TopicMessagePinned, map[string]any{"a": 1})
	require.NoError(t, err)
	base = base.WithMetadata("trace", "t1")

	e2 := base.WithMetadata("trace", "t2").WithData("b", 2).WithPriority(PriorityUrgent).
		FromService("imcore", "node-a").ToService("push", "").WithUser(7, "web", "s1")

	assert.Equal(t, "t1", base.Metadata["trace"])
	assert.NotContains(t, base.Data, "b")
	assert.Equal(t, PriorityMedium, base.Priority)
	assert.Empty(t, base.SourceInstance)

	assert.Equal(t, "t2", e2.Metadata["trace"])
	assert.Equal(t, 2, e2.Data["b"])
	assert.Equal(t, PriorityUrgent, e2.Priority)
	assert.Equal(t, int64(7), e2.UserID)
	assert.Equal(t, base.EventID, e2.EventID)
}

func TestEnvelopeRetryRules(t *testing.T) {
	e, err := NewRequest("im.test", nil)
	require.NoError(t, err)
	assert.False(t, e.CanRetry(), "pending is not retryable")

	e = e.WithMaxRetries(2)
	for i := 0; i < 5; i++ {
		e = e.WithFailure("4001", "boom")
		e = e.WithRetry()
	}
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, StatusFailure, e.Status)
	assert.False(t, e.CanRetry())

	assert.False(t, e.WithSuccess().CanRetry())
	assert.False(t, e.WithTimeout().CanRetry())
}

func TestNewResponseFlipsRoute(t *testing.T) {
	req, err := NewRequest("im.presence.query", map[string]any{"userId": 7})
	require.NoError(t, err)
	req = req.FromService("gateway", "node-a").ToService("presence", "node-b").WithUser(7, "web", "")

	resp, err := NewResponse(req, map[string]any{"online": true})
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "gateway", resp.TargetService)
	assert.Equal(t, "node-a", resp.TargetInstance)
	assert.Equal(t, "presence", resp.SourceService)
	assert.Equal(t, req.EventID, resp.Metadata[MetaCorrelationID])
	assert.NotEqual(t, req.EventID, resp.EventID)
}

type sentPayload struct {
	MessageID      int64   `json:"messageId"`
	ConversationID int64   `json:"conversationId"`
	Recipients     []int64 `json:"recipients"`
	Content        string  `json:"content"`
}

func TestEnvelopeCodecAndDataAs(t *testing.T) {
	e, err := NewNotification(TopicMessageSent, 7, sentPayload{MessageID: 9, ConversationID: 101, Recipients: []int64{7, 8}, Content: "hi"})
	require.NoError(t, err)
	e = e.WithMetadata("k", "v")

	b, err := e.Encode()
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, int64(7), got.UserID)
	assert.True(t, e.ExpiresAt.Equal(got.ExpiresAt))

	p, err := DataAs[sentPayload](got)
	require.NoError(t, err)
	assert.Equal(t, int64(101), p.ConversationID)
	assert.Equal(t, []int64{7, 8}, p.Recipients)
	assert.Equal(t, "hi", p.Content)

	_, err = Decode([]byte(`{"subject":"a.b"}`))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestMemBusRouting(t *testing.T) {
	bus := NewMemBus()
	var got []string
	require.NoError(t, bus.Subscribe(TopicMessageAll, func(_ context.Context, m Message) error {
		got = append(got, m.Subject)
		return nil
	}))
	assert.ErrorIs(t, bus.Subscribe("a.*.b", nil), errs.ErrInvalidSubject)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, TopicMessageSent, []byte("x"), nil))
	require.NoError(t, bus.Publish(ctx, TopicConnClosed, []byte("y"), nil))
	assert.Equal(t, []string{TopicMessageSent}, got)
	assert.Len(t, bus.Sent(), 2)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, TopicMessageSent, nil, nil), errs.ErrPublisherClosed)
}
