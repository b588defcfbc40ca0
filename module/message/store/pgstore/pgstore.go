// Package pgstore Postgres 驱动：每个分区一张表，唯一约束按名字区分冲突类型
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"IMCore/module/message/model"
	"IMCore/module/message/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const ddl = `CREATE TABLE IF NOT EXISTS %[1]s (
	id               BIGSERIAL PRIMARY KEY,
	conversation_id  BIGINT      NOT NULL,
	seq              BIGINT      NOT NULL,
	client_msg_id    VARCHAR(64) NOT NULL,
	sender_id        BIGINT      NOT NULL,
	msg_type         INT         NOT NULL,
	content          TEXT        NOT NULL DEFAULT '',
	content_extra    JSONB,
	reply_to_id      BIGINT,
	forward_from_id  BIGINT,
	mentions         JSONB,
	is_pinned        BOOLEAN     NOT NULL DEFAULT FALSE,
	pin_scope        INT         NOT NULL DEFAULT 0,
	pinned_by        BIGINT      NOT NULL DEFAULT 0,
	pinned_at        TIMESTAMPTZ,
	is_edited        BOOLEAN     NOT NULL DEFAULT FALSE,
	edit_count       INT         NOT NULL DEFAULT 0,
	last_edit_at     TIMESTAMPTZ,
	is_recalled      BOOLEAN     NOT NULL DEFAULT FALSE,
	recall_reason    TEXT        NOT NULL DEFAULT '',
	recalled_at      TIMESTAMPTZ,
	is_deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
	delete_scope     INT         NOT NULL DEFAULT 0,
	deleted_by       BIGINT      NOT NULL DEFAULT 0,
	deleted_at       TIMESTAMPTZ,
	status           INT         NOT NULL DEFAULT 1,
	server_timestamp BIGINT      NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT %[2]s UNIQUE (conversation_id, seq),
	CONSTRAINT %[3]s UNIQUE (conversation_id, client_msg_id)
)`

const columns = `id, conversation_id, seq, client_msg_id, sender_id, msg_type, content, content_extra,
	reply_to_id, forward_from_id, mentions, is_pinned, pin_scope, pinned_by, pinned_at,
	is_edited, edit_count, last_edit_at, is_recalled, recall_reason, recalled_at,
	is_deleted, delete_scope, deleted_by, deleted_at, status, server_timestamp, created_at, updated_at`

// 允许 Mutation 触达的列；其余一律 ErrUnknownField，列名不会拼进 SQL
var updatable = map[string]struct{}{
	model.FieldContent: {}, model.FieldContentExtra: {},
	model.FieldIsPinned: {}, model.FieldPinScope: {}, model.FieldPinnedBy: {}, model.FieldPinnedAt: {},
	model.FieldIsEdited: {}, model.FieldEditCount: {}, model.FieldLastEditAt: {},
	model.FieldIsRecalled: {}, model.FieldRecallReason: {}, model.FieldRecalledAt: {},
	model.FieldIsDeleted: {}, model.FieldDeleteScope: {}, model.FieldDeletedBy: {}, model.FieldDeletedAt: {},
	model.FieldStatus: {}, model.FieldUpdatedAt: {},
}

type Driver struct {
	pool *pgxpool.Pool
}

var _ store.Driver = (*Driver)(nil)

func New(pool *pgxpool.Pool) *Driver { return &Driver{pool: pool} }

func table(partition string) string { return pgx.Identifier{partition}.Sanitize() }

func (d *Driver) EnsurePartition(ctx context.Context, partition string) error {
	t := table(partition)
	if _, err := d.pool.Exec(ctx, fmt.Sprintf(ddl, t,
		pgx.Identifier{model.IndexName(model.UniqueSeqIndex, partition)}.Sanitize(),
		pgx.Identifier{model.IndexName(model.UniqueClientMsgIndex, partition)}.Sanitize())); err != nil {
		return err
	}
	idx := pgx.Identifier{"idx_" + partition + "_pinned"}.Sanitize()
	_, err := d.pool.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (conversation_id, is_pinned, seq DESC)", idx, t))
	return err
}

func jsonOrNil(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func (d *Driver) Insert(ctx context.Context, rc store.RoutingContext, m *model.Message) error {
	extra, err := jsonOrNil(m.ContentExtra, m.ContentExtra == nil)
	if err != nil {
		return err
	}
	mentions, err := jsonOrNil(m.Mentions, m.Mentions == nil)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (conversation_id, seq, client_msg_id, sender_id, msg_type, content, content_extra,
	reply_to_id, forward_from_id, mentions, is_pinned, pin_scope, pinned_by, pinned_at,
	is_edited, edit_count, last_edit_at, is_recalled, recall_reason, recalled_at,
	is_deleted, delete_scope, deleted_by, deleted_at, status, server_timestamp, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
RETURNING id`, table(rc.Partition))

	return d.pool.QueryRow(ctx, q,
		m.ConversationID, m.Seq, m.ClientMsgID, m.SenderID, int32(m.MsgType), m.Content, extra,
		m.ReplyToID, m.ForwardFromID, mentions, m.IsPinned, int32(m.PinScope), m.PinnedBy, m.PinnedAt,
		m.IsEdited, m.EditCount, m.LastEditAt, m.IsRecalled, m.RecallReason, m.RecalledAt,
		m.IsDeleted, int32(m.DeleteScope), m.DeletedBy, m.DeletedAt, int32(m.Status), m.ServerTimestamp,
		m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m                        model.Message
		msgType, pinScope, delSc int32
		status                   int32
		extra, mentions          []byte
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.ClientMsgID, &m.SenderID, &msgType, &m.Content, &extra,
		&m.ReplyToID, &m.ForwardFromID, &mentions, &m.IsPinned, &pinScope, &m.PinnedBy, &m.PinnedAt,
		&m.IsEdited, &m.EditCount, &m.LastEditAt, &m.IsRecalled, &m.RecallReason, &m.RecalledAt,
		&m.IsDeleted, &delSc, &m.DeletedBy, &m.DeletedAt, &status, &m.ServerTimestamp, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.MsgType, m.PinScope, m.DeleteScope, m.Status = model.MsgType(msgType), model.Scope(pinScope), model.Scope(delSc), model.Status(status)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &m.ContentExtra); err != nil {
			return nil, err
		}
	}
	if len(mentions) > 0 {
		if err := json.Unmarshal(mentions, &m.Mentions); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (d *Driver) one(ctx context.Context, q string, args ...any) (*model.Message, error) {
	m, err := scanMessage(d.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (d *Driver) many(ctx context.Context, q string, args ...any) ([]*model.Message, error) {
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *Driver) Get(ctx context.Context, rc store.RoutingContext, id int64) (*model.Message, error) {
	return d.one(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND conversation_id = $2", columns, table(rc.Partition)),
		id, rc.ConversationID)
}

func (d *Driver) GetByClientMsgID(ctx context.Context, rc store.RoutingContext, clientMsgID string) (*model.Message, error) {
	return d.one(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE conversation_id = $1 AND client_msg_id = $2", columns, table(rc.Partition)),
		rc.ConversationID, clientMsgID)
}

func (d *Driver) MaxSeq(ctx context.Context, rc store.RoutingContext) (int64, error) {
	var max int64
	err := d.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE conversation_id = $1", table(rc.Partition)),
		rc.ConversationID).Scan(&max)
	return max, err
}

func (d *Driver) ListDesc(ctx context.Context, rc store.RoutingContext, beforeSeq *int64, limit int) ([]*model.Message, error) {
	q, args := listDescQuery(rc, beforeSeq, limit)
	return d.many(ctx, q, args...)
}

// listDescQuery 只查 status=normal，和 CountNormal 口径一致
func listDescQuery(rc store.RoutingContext, beforeSeq *int64, limit int) (string, []any) {
	t := table(rc.Partition)
	if beforeSeq == nil {
		return fmt.Sprintf("SELECT %s FROM %s WHERE conversation_id = $1 AND status = $2 ORDER BY seq DESC LIMIT $3", columns, t),
			[]any{rc.ConversationID, int32(model.StatusNormal), limit}
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE conversation_id = $1 AND status = $2 AND seq < $3 ORDER BY seq DESC LIMIT $4", columns, t),
		[]any{rc.ConversationID, int32(model.StatusNormal), *beforeSeq, limit}
}

func (d *Driver) ListPinned(ctx context.Context, rc store.RoutingContext, limit int) ([]*model.Message, error) {
	return d.many(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE conversation_id = $1 AND is_pinned = TRUE AND status = $2 ORDER BY seq DESC LIMIT $3",
		columns, table(rc.Partition)), rc.ConversationID, int32(model.StatusNormal), limit)
}

// pgValue 枚举转底层整数，map/slice 转 JSON
func pgValue(col string, v any) (any, error) {
	switch x := v.(type) {
	case model.Scope:
		return int32(x), nil
	case model.Status:
		return int32(x), nil
	case model.MsgType:
		return int32(x), nil
	}
	if col == model.FieldContentExtra {
		if v == nil {
			return nil, nil
		}
		return json.Marshal(v)
	}
	return v, nil
}

// buildUpdate 生成 UPDATE ... WHERE id AND conversation_id AND <guard>
func buildUpdate(rc store.RoutingContext, id int64, mu store.Mutation) (string, []any, error) {
	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for col, v := range mu.Set {
		if _, ok := updatable[col]; !ok {
			return "", nil, store.ErrUnknownField
		}
		pv, err := pgValue(col, v)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, col+" = "+arg(pv))
	}
	for col, delta := range mu.Inc {
		if col != model.FieldEditCount {
			return "", nil, store.ErrUnknownField
		}
		sets = append(sets, fmt.Sprintf("%s = %s + %s", col, col, arg(delta)))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	where := []string{"id = " + arg(id), "conversation_id = " + arg(rc.ConversationID)}
	if mu.Guard.NotRecalled {
		where = append(where, "is_recalled = FALSE")
	}
	if mu.Guard.NotDeleted {
		where = append(where, "status <> "+arg(int32(model.StatusDeleted)))
	}
	if mu.Guard.Status != nil {
		where = append(where, "status = "+arg(int32(*mu.Guard.Status)))
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table(rc.Partition), strings.Join(sets, ", "), strings.Join(where, " AND "))
	return q, args, nil
}

func (d *Driver) Update(ctx context.Context, rc store.RoutingContext, id int64, mu store.Mutation) (bool, error) {
	q, args, err := buildUpdate(rc, id, mu)
	if err != nil || q == "" {
		return false, err
	}
	tag, err := d.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (d *Driver) CountNormal(ctx context.Context, rc store.RoutingContext) (int64, error) {
	var n int64
	err := d.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE conversation_id = $1 AND status = $2", table(rc.Partition)),
		rc.ConversationID, int32(model.StatusNormal)).Scan(&n)
	return n, err
}

// uniqueOn 23505 且约束名带指定前缀
func uniqueOn(err error, prefix string) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505" && strings.HasPrefix(pe.ConstraintName, prefix+"_")
}

func (d *Driver) IsUniqueClientMsgErr(err error) bool {
	return uniqueOn(err, model.UniqueClientMsgIndex)
}

func (d *Driver) IsUniqueSeqErr(err error) bool { return uniqueOn(err, model.UniqueSeqIndex) }

// IsTransientErr 40001 序列化失败 / 40P01 死锁 / 08xxx 连接异常 / 驱动判定可安全重试
func (d *Driver) IsTransientErr(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "40001" || pe.Code == "40P01" || strings.HasPrefix(pe.Code, "08")
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func (d *Driver) Close(context.Context) error {
	d.pool.Close()
	return nil
}
