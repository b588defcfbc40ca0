package pgstore

import (
	"errors"
	"strings"
	"testing"
	"time"

	"IMCore/module/message/model"
	"IMCore/module/message/store"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rc = store.RoutingContext{Partition: "messages_03", ConversationID: 35}

func TestBuildUpdateGuard(t *testing.T) {
	normal := model.StatusNormal
	q, args, err := buildUpdate(rc, 9, store.Mutation{
		Set:   map[string]any{model.FieldContent: "hi"},
		Inc:   map[string]int64{model.FieldEditCount: 1},
		Guard: store.Guard{NotRecalled: true, Status: &normal},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(q, `UPDATE "messages_03" SET `))
	assert.Contains(t, q, "content = $1")
	assert.Contains(t, q, "edit_count = edit_count + $2")
	assert.Contains(t, q, "WHERE id = $3 AND conversation_id = $4 AND is_recalled = FALSE AND status = $5")
	assert.Equal(t, []any{"hi", int64(1), int64(9), int64(35), int32(1)}, args)
}

func TestBuildUpdateEnumsAndDeletedGuard(t *testing.T) {
	now := time.Now()
	q, args, err := buildUpdate(rc, 1, store.Mutation{
		Set:   map[string]any{model.FieldDeleteScope: model.ScopeAll},
		Guard: store.Guard{NotDeleted: true},
	})
	require.NoError(t, err)
	assert.Contains(t, q, "status <> $4")
	assert.Equal(t, int32(model.ScopeAll), args[0])
	assert.Equal(t, int32(model.StatusDeleted), args[3])

	q, args, err = buildUpdate(rc, 1, store.Mutation{Set: map[string]any{model.FieldPinnedAt: now}})
	require.NoError(t, err)
	assert.Contains(t, q, "pinned_at = $1")
	assert.Equal(t, now, args[0])
}

func TestBuildUpdateRejectsUnknownColumn(t *testing.T) {
	_, _, err := buildUpdate(rc, 1, store.Mutation{Set: map[string]any{"seq; DROP TABLE x": 1}})
	assert.ErrorIs(t, err, store.ErrUnknownField)

	_, _, err = buildUpdate(rc, 1, store.Mutation{Inc: map[string]int64{model.FieldSeq: 1}})
	assert.ErrorIs(t, err, store.ErrUnknownField)

	q, _, err := buildUpdate(rc, 1, store.Mutation{})
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestListDescQueryOnlyNormal(t *testing.T) {
	q, args := listDescQuery(rc, nil, 20)
	assert.True(t, strings.HasPrefix(q, "SELECT "))
	assert.Contains(t, q, `FROM "messages_03" WHERE conversation_id = $1 AND status = $2 ORDER BY seq DESC LIMIT $3`)
	assert.Equal(t, []any{int64(35), int32(model.StatusNormal), 20}, args)

	before := int64(8)
	q, args = listDescQuery(rc, &before, 5)
	assert.Contains(t, q, "WHERE conversation_id = $1 AND status = $2 AND seq < $3 ORDER BY seq DESC LIMIT $4")
	assert.Equal(t, []any{int64(35), int32(model.StatusNormal), int64(8), 5}, args)
}

func TestUniqueClassification(t *testing.T) {
	d := &Driver{}
	seq := &pgconn.PgError{Code: "23505", ConstraintName: "uk_conv_seq_messages_03"}
	cid := &pgconn.PgError{Code: "23505", ConstraintName: "uk_conv_client_msg_messages_03"}

	assert.True(t, d.IsUniqueSeqErr(seq))
	assert.False(t, d.IsUniqueClientMsgErr(seq))
	assert.True(t, d.IsUniqueClientMsgErr(cid))
	assert.False(t, d.IsUniqueSeqErr(cid))
	assert.False(t, d.IsUniqueSeqErr(errors.New("boom")))
}

func TestTransientClassification(t *testing.T) {
	d := &Driver{}
	assert.True(t, d.IsTransientErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, d.IsTransientErr(&pgconn.PgError{Code: "08006"}))
	assert.False(t, d.IsTransientErr(&pgconn.PgError{Code: "23505"}))
}
