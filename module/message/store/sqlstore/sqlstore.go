// Package sqlstore gorm 驱动（默认 glebarez/sqlite，纯 Go 无 cgo）；用于单机部署与驱动级单测
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"IMCore/module/message/model"
	"IMCore/module/message/store"

	"github.com/glebarez/sqlite"
	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Path        string `yaml:"path" mapstructure:"path"`
	BusyTimeout int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	MaxOpen     int    `yaml:"max_open" mapstructure:"max_open"`
}

// Open 打开 sqlite 文件；WAL + busy_timeout，写锁竞争时等待而不是立即失败
func Open(conf Config) (*gorm.DB, error) {
	if conf.Path == "" {
		conf.Path = "imcore.db"
	}
	if conf.BusyTimeout <= 0 {
		conf.BusyTimeout = 5000
	}
	if conf.MaxOpen <= 0 {
		conf.MaxOpen = 1
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", conf.Path, conf.BusyTimeout)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(conf.MaxOpen)
	return db, nil
}

type Driver struct {
	db *gorm.DB
}

var _ store.Driver = (*Driver)(nil)

func New(db *gorm.DB) *Driver { return &Driver{db: db} }

func (d *Driver) t(ctx context.Context, partition string) *gorm.DB {
	return d.db.WithContext(ctx).Table(partition)
}

// EnsurePartition AutoMigrate 建表；唯一索引按分区命名，避免 schema 内重名
func (d *Driver) EnsurePartition(ctx context.Context, partition string) error {
	if err := d.t(ctx, partition).AutoMigrate(&model.Message{}); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (conversation_id, seq)",
			model.IndexName(model.UniqueSeqIndex, partition), partition),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (conversation_id, client_msg_id)",
			model.IndexName(model.UniqueClientMsgIndex, partition), partition),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_pinned ON %s (conversation_id, is_pinned, seq)", partition, partition),
	}
	for _, s := range stmts {
		if err := d.db.WithContext(ctx).Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Insert(ctx context.Context, rc store.RoutingContext, m *model.Message) error {
	m.ID = 0
	if err := d.t(ctx, rc.Partition).Create(m).Error; err != nil {
		m.ID = 0
		return err
	}
	return nil
}

func (d *Driver) take(q *gorm.DB) (*model.Message, error) {
	var m model.Message
	err := q.Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Driver) Get(ctx context.Context, rc store.RoutingContext, id int64) (*model.Message, error) {
	return d.take(d.t(ctx, rc.Partition).Where("id = ? AND conversation_id = ?", id, rc.ConversationID))
}

func (d *Driver) GetByClientMsgID(ctx context.Context, rc store.RoutingContext, clientMsgID string) (*model.Message, error) {
	return d.take(d.t(ctx, rc.Partition).Where("conversation_id = ? AND client_msg_id = ?", rc.ConversationID, clientMsgID))
}

func (d *Driver) MaxSeq(ctx context.Context, rc store.RoutingContext) (int64, error) {
	var max int64
	err := d.t(ctx, rc.Partition).Where("conversation_id = ?", rc.ConversationID).
		Select("COALESCE(MAX(seq), 0)").Scan(&max).Error
	return max, err
}

func (d *Driver) ListDesc(ctx context.Context, rc store.RoutingContext, beforeSeq *int64, limit int) ([]*model.Message, error) {
	q := d.t(ctx, rc.Partition).Where("conversation_id = ? AND status = ?", rc.ConversationID, model.StatusNormal)
	if beforeSeq != nil {
		q = q.Where("seq < ?", *beforeSeq)
	}
	var out []*model.Message
	err := q.Order("seq DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (d *Driver) ListPinned(ctx context.Context, rc store.RoutingContext, limit int) ([]*model.Message, error) {
	var out []*model.Message
	err := d.t(ctx, rc.Partition).
		Where("conversation_id = ? AND is_pinned = ? AND status = ?", rc.ConversationID, true, model.StatusNormal).
		Order("seq DESC").Limit(limit).Find(&out).Error
	return out, err
}

// updates Mutation -> gorm Updates map；Table 模式下 serializer 不生效，JSON 列自己编码
func updates(mu store.Mutation) (map[string]any, error) {
	out := make(map[string]any, len(mu.Set)+len(mu.Inc))
	for col, v := range mu.Set {
		switch col {
		case model.FieldID, model.FieldConversationID, model.FieldSeq, model.FieldClientMsgID:
			return nil, store.ErrUnknownField
		case model.FieldContentExtra, model.FieldMentions:
			if v == nil {
				out[col] = nil
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[col] = string(b)
		default:
			out[col] = v
		}
	}
	for col, delta := range mu.Inc {
		if col != model.FieldEditCount {
			return nil, store.ErrUnknownField
		}
		out[col] = gorm.Expr(col+" + ?", delta)
	}
	return out, nil
}

func (d *Driver) Update(ctx context.Context, rc store.RoutingContext, id int64, mu store.Mutation) (bool, error) {
	vals, err := updates(mu)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	q := d.t(ctx, rc.Partition).Where("id = ? AND conversation_id = ?", id, rc.ConversationID)
	if mu.Guard.NotRecalled {
		q = q.Where("is_recalled = ?", false)
	}
	if mu.Guard.NotDeleted {
		q = q.Where("status <> ?", model.StatusDeleted)
	}
	if mu.Guard.Status != nil {
		q = q.Where("status = ?", *mu.Guard.Status)
	}
	res := q.Updates(vals)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) CountNormal(ctx context.Context, rc store.RoutingContext) (int64, error) {
	var n int64
	err := d.t(ctx, rc.Partition).
		Where("conversation_id = ? AND status = ?", rc.ConversationID, model.StatusNormal).
		Count(&n).Error
	return n, err
}

// sqlite 唯一冲突报的是列名："UNIQUE constraint failed: messages_00.conversation_id, messages_00.seq"
func uniqueOn(err error, column string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") && strings.Contains(s, "."+column)
}

func (d *Driver) IsUniqueClientMsgErr(err error) bool { return uniqueOn(err, model.FieldClientMsgID) }
func (d *Driver) IsUniqueSeqErr(err error) bool       { return uniqueOn(err, model.FieldSeq) }

func (d *Driver) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

func (d *Driver) Close(context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
