package mgo

import (
	"context"
	"time"

	"dmchat/service/storage"
	"dmchat/tools/ids"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const MessageCollection = "messages"

// Store MongoDB 消息存储。单文档更新天然原子，墓碑/编辑都以 deleted=false 为前置条件。
type Store struct {
	coll *mongo.Collection
	gen  *ids.Generator
	now  func() time.Time
}

var _ storage.MessageStore = (*Store)(nil)

func NewStore(db *mongo.Database, gen *ids.Generator) *Store {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &Store{
		coll: db.Collection(MessageCollection),
		gen:  gen,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes 会话查询与已读批量更新都按 (sender, receiver) 前缀走索引
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "read_at", Value: 1}}},
	})
	return errors.Wrap(err, "ensure message indexes")
}

func (s *Store) Create(ctx context.Context, senderID, receiverID, content string) (*storage.Message, error) {
	m := &storage.Message{
		ID:         s.gen.Next(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		// Mongo 只存毫秒
		SentAt: s.now().Truncate(time.Millisecond),
	}
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return m, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*storage.Message, error) {
	var m storage.Message
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find message")
	}
	return &m, nil
}

// 派生时间戳取 max(sent_at, now)，管道更新保证一次写完成
func notBeforeSent(now time.Time) bson.M {
	return bson.M{"$max": bson.A{"$sent_at", now}}
}

func (s *Store) UpdateContent(ctx context.Context, id int64, content string) (*storage.Message, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"content":   content,
			"edited_at": notBeforeSent(s.now()),
		}}},
	}
	var m storage.Message
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted": false},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update message content")
	}
	return &m, nil
}

func (s *Store) Tombstone(ctx context.Context, id int64) (string, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"content":    "",
			"deleted":    true,
			"deleted_at": notBeforeSent(s.now()),
		}}},
	}
	var m struct {
		ReceiverID string `bson:"receiver_id"`
	}
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted": false},
		update,
		options.FindOneAndUpdate().SetProjection(bson.M{"receiver_id": 1}),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "tombstone message")
	}
	return m.ReceiverID, nil
}

func (s *Store) MarkRead(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"read_at": notBeforeSent(s.now())}}},
	}
	res, err := s.coll.UpdateMany(ctx, bson.M{
		"sender_id":   fromUserID,
		"receiver_id": toUserID,
		"read_at":     nil,
		"deleted":     false,
	}, update)
	if err != nil {
		return 0, errors.Wrap(err, "mark messages read")
	}
	return res.ModifiedCount, nil
}

func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]*storage.Message, error) {
	limit = storage.ClampLimit(limit)
	cur, err := s.coll.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}}, options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "find conversation")
	}
	var out []*storage.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode conversation")
	}
	reverse(out)
	return out, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.coll.Database().Client().Disconnect(ctx)
}

func reverse(ms []*storage.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
