// Package mgostore 每个分区一个 Mongo 集合；分区内自增 ID 由计数集合 $inc 发号
package mgostore

import (
	"context"
	"errors"
	"strings"

	"IMCore/module/message/model"
	"IMCore/module/message/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collCounters = "message_counters"

type Driver struct {
	db *mongo.Database
}

var _ store.Driver = (*Driver)(nil)

func New(db *mongo.Database) *Driver { return &Driver{db: db} }

func (d *Driver) coll(partition string) *mongo.Collection { return d.db.Collection(partition) }

// column -> bson 字段；主键在 Mongo 里是 _id
func field(col string) string {
	if col == model.FieldID {
		return "_id"
	}
	return col
}

// EnsurePartition 列出已有索引名，缺的补上
func (d *Driver) EnsurePartition(ctx context.Context, partition string) error {
	c := d.coll(partition)
	cur, err := c.Indexes().List(ctx)
	if err != nil {
		return err
	}
	existing := map[string]struct{}{}
	var specs []bson.M
	if err := cur.All(ctx, &specs); err != nil {
		return err
	}
	for _, s := range specs {
		if name, ok := s["name"].(string); ok {
			existing[name] = struct{}{}
		}
	}

	want := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: model.FieldConversationID, Value: 1}, {Key: model.FieldSeq, Value: 1}},
			Options: options.Index().SetName(model.UniqueSeqIndex).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: model.FieldConversationID, Value: 1}, {Key: model.FieldClientMsgID, Value: 1}},
			Options: options.Index().SetName(model.UniqueClientMsgIndex).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: model.FieldConversationID, Value: 1}, {Key: model.FieldIsPinned, Value: 1}, {Key: model.FieldSeq, Value: -1}},
			Options: options.Index().SetName("idx_conv_pinned"),
		},
	}
	var missing []mongo.IndexModel
	for _, m := range want {
		if _, ok := existing[*m.Options.Name]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	_, err = c.Indexes().CreateMany(ctx, missing)
	return err
}

// nextID 分区计数器 +1
func (d *Driver) nextID(ctx context.Context, partition string) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := d.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": partition},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (d *Driver) Insert(ctx context.Context, rc store.RoutingContext, m *model.Message) error {
	id, err := d.nextID(ctx, rc.Partition)
	if err != nil {
		return err
	}
	m.ID = id
	if _, err := d.coll(rc.Partition).InsertOne(ctx, m); err != nil {
		m.ID = 0
		return err
	}
	return nil
}

func (d *Driver) findOne(ctx context.Context, partition string, filter bson.M) (*model.Message, error) {
	var m model.Message
	err := d.coll(partition).FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Driver) Get(ctx context.Context, rc store.RoutingContext, id int64) (*model.Message, error) {
	return d.findOne(ctx, rc.Partition, bson.M{"_id": id, model.FieldConversationID: rc.ConversationID})
}

func (d *Driver) GetByClientMsgID(ctx context.Context, rc store.RoutingContext, clientMsgID string) (*model.Message, error) {
	return d.findOne(ctx, rc.Partition, bson.M{model.FieldConversationID: rc.ConversationID, model.FieldClientMsgID: clientMsgID})
}

func (d *Driver) MaxSeq(ctx context.Context, rc store.RoutingContext) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := d.coll(rc.Partition).FindOne(ctx,
		bson.M{model.FieldConversationID: rc.ConversationID},
		options.FindOne().SetSort(bson.D{{Key: model.FieldSeq, Value: -1}}).SetProjection(bson.M{model.FieldSeq: 1}),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (d *Driver) list(ctx context.Context, partition string, filter bson.M, limit int) ([]*model.Message, error) {
	cur, err := d.coll(partition).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: model.FieldSeq, Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) ListDesc(ctx context.Context, rc store.RoutingContext, beforeSeq *int64, limit int) ([]*model.Message, error) {
	filter := bson.M{model.FieldConversationID: rc.ConversationID, model.FieldStatus: model.StatusNormal}
	if beforeSeq != nil {
		filter[model.FieldSeq] = bson.M{"$lt": *beforeSeq}
	}
	return d.list(ctx, rc.Partition, filter, limit)
}

func (d *Driver) ListPinned(ctx context.Context, rc store.RoutingContext, limit int) ([]*model.Message, error) {
	return d.list(ctx, rc.Partition, bson.M{
		model.FieldConversationID: rc.ConversationID,
		model.FieldIsPinned:       true,
		model.FieldStatus:         model.StatusNormal,
	}, limit)
}

// guardFilter Guard -> 过滤条件，和 _id 一起交给 UpdateOne 保证单文档原子
func guardFilter(rc store.RoutingContext, id int64, g store.Guard) bson.M {
	f := bson.M{"_id": id, model.FieldConversationID: rc.ConversationID}
	if g.NotRecalled {
		f[model.FieldIsRecalled] = false
	}
	switch {
	case g.Status != nil:
		f[model.FieldStatus] = *g.Status
	case g.NotDeleted:
		f[model.FieldStatus] = bson.M{"$ne": model.StatusDeleted}
	}
	return f
}

func (d *Driver) Update(ctx context.Context, rc store.RoutingContext, id int64, mu store.Mutation) (bool, error) {
	update := bson.M{}
	if len(mu.Set) > 0 {
		set := bson.M{}
		for k, v := range mu.Set {
			set[field(k)] = v
		}
		update["$set"] = set
	}
	if len(mu.Inc) > 0 {
		inc := bson.M{}
		for k, v := range mu.Inc {
			inc[field(k)] = v
		}
		update["$inc"] = inc
	}
	if len(update) == 0 {
		return false, nil
	}
	res, err := d.coll(rc.Partition).UpdateOne(ctx, guardFilter(rc, id, mu.Guard), update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (d *Driver) CountNormal(ctx context.Context, rc store.RoutingContext) (int64, error) {
	return d.coll(rc.Partition).CountDocuments(ctx, bson.M{
		model.FieldConversationID: rc.ConversationID,
		model.FieldStatus:         model.StatusNormal,
	})
}

func dupOn(err error, index string) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), index)
}

func (d *Driver) IsUniqueClientMsgErr(err error) bool { return dupOn(err, model.UniqueClientMsgIndex) }
func (d *Driver) IsUniqueSeqErr(err error) bool       { return dupOn(err, model.UniqueSeqIndex) }

func (d *Driver) IsTransientErr(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// Close 连接由 mongoutil.Client 管理
func (d *Driver) Close(context.Context) error { return nil }
