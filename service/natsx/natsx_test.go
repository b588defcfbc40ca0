package natsx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"IMCore/service/event"
	"IMCore/tools/errs"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToNatsSubject(t *testing.T) {
	assert.Equal(t, "communication.message.>", ToNatsSubject(event.TopicMessageAll))
	assert.Equal(t, event.TopicConnClosed, ToNatsSubject(event.TopicConnClosed))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next event.Handler) event.Handler {
			return func(ctx context.Context, msg event.Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, event.Message) error {
		order = append(order, "h")
		return nil
	}, mk("outer"), mk("inner"))
	require.NoError(t, h(context.Background(), event.Message{}))
	assert.Equal(t, []string{"outer", "inner", "h"}, order)
}

func TestRecoverMiddleware(t *testing.T) {
	h := Chain(func(context.Context, event.Message) error { panic("boom") }, Recover())
	err := h(context.Background(), event.Message{Subject: "im.x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestMemIdem(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clk := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	mi := NewMemIdem(time.Minute, clk)
	defer mi.Close()
	ctx := context.Background()

	seen, err := mi.SeenOnce(ctx, "e1", 0)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = mi.SeenOnce(ctx, "e1", 0)
	assert.True(t, seen)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	seen, _ = mi.SeenOnce(ctx, "e1", 0)
	assert.False(t, seen, "window elapsed")

	_, _ = mi.SeenOnce(ctx, "e2", time.Second)
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	mi.purge()
	assert.Equal(t, 0, mi.Len())
}

func TestIdemMiddleware(t *testing.T) {
	mi := NewMemIdem(time.Minute, nil)
	defer mi.Close()
	n := 0
	h := Chain(func(context.Context, event.Message) error { n++; return nil }, IdemMiddleware(mi, 0))
	ctx := context.Background()

	msg := event.Message{Subject: "im.x", Header: map[string]string{event.HeaderEventID: "e1"}}
	require.NoError(t, h(ctx, msg))
	require.NoError(t, h(ctx, msg))
	require.NoError(t, h(ctx, event.Message{Subject: "im.x", Data: []byte("a")}))
	require.NoError(t, h(ctx, event.Message{Subject: "im.x", Data: []byte("a")}))
	require.NoError(t, h(ctx, event.Message{Subject: "im.x", Data: []byte("b")}))
	assert.Equal(t, 3, n)
}

func TestHeaderHelpers(t *testing.T) {
	msg := newMsg("im.x", []byte("d"), map[string]string{event.HeaderEventID: "e1"})
	assert.Equal(t, "e1", msg.Header.Get(event.HeaderEventID))
	assert.Equal(t, map[string]string{event.HeaderEventID: "e1"}, headerToMap(msg.Header))
	assert.Nil(t, headerToMap(nil))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(nats.ErrTimeout, "op", "s"), errs.ErrTransient)
	assert.ErrorIs(t, classify(nats.ErrConnectionClosed, "op", "s"), errs.ErrTransient)
	other := classify(errors.New("bad"), "op", "s")
	assert.NotErrorIs(t, other, errs.ErrTransient)
	assert.Contains(t, other.Error(), "bad")
}

func TestConnectValidates(t *testing.T) {
	_, err := Connect(context.Background(), Config{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
