//go:build integration

package mgostore

import (
	"context"
	"testing"

	"IMCore/data/database/mgo/mongoutil"
	"IMCore/module/message/model"
	"IMCore/module/message/store"
	"IMCore/tools/errs"
	"IMCore/tools/shard"
	"IMCore/tools/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMongoStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{Uri: "mongodb://" + testkit.Mongo(t), Database: "imcore_it", MaxRetry: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close(ctx) })

	s := store.New(shard.NewRouter(4, shard.DefaultPrefix), New(cli.GetDB()), store.Config{})
	require.NoError(t, s.EnsureAll(ctx))

	var ids []int64
	for _, cid := range []string{"a", "b", "c"} {
		m, err := s.Insert(ctx, &model.Message{ConversationID: 7, ClientMsgID: cid, SenderID: 1, MsgType: model.MsgTypeText, Content: cid})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	dup, err := s.Insert(ctx, &model.Message{ConversationID: 7, ClientMsgID: "b", SenderID: 1, MsgType: model.MsgTypeText, Content: "again"})
	assert.ErrorIs(t, err, errs.ErrDuplicateClientMessage)
	require.NotNil(t, dup)
	assert.Equal(t, ids[1], dup.ID)

	list, err := s.FindLatest(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[0].Seq)

	before := int64(3)
	hist, err := s.FindHistory(ctx, 7, &before, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	_, changed, err := s.Recall(ctx, 7, ids[0], "oops")
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = s.Edit(ctx, 7, ids[0], "x")
	assert.ErrorIs(t, err, errs.ErrNotEditable)

	_, err = s.Pin(ctx, 7, ids[2], true, store.Operator{UserID: 1, Scope: model.ScopeAll})
	require.NoError(t, err)
	pinned, err := s.FindPinned(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	assert.Equal(t, ids[2], pinned[0].ID)

	n, err := s.CountByConversation(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Delete(ctx, 7, ids[1], store.Operator{UserID: 1})
	require.NoError(t, err)
	list, err = s.FindLatest(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []int64{ids[2], ids[0]}, []int64{list[0].ID, list[1].ID})
	n, err = s.CountByConversation(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(len(list)), n)
}
