package outbox

import (
	"context"
	"errors"
	"fmt"

	"e2e_messenger/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName = "send_message_queue"
	countersName   = "counters"
)

type (
	entryDocument struct {
		Recipient int64                 `bson:"recipient"`
		GroupId   *model.GroupId        `bson:"group_id,omitempty"`
		Category  model.MessageCategory `bson:"category"`
		MessageId string                `bson:"message_id"`
		Message   []byte                `bson:"message"`
		Seq       int64                 `bson:"seq"`
	}

	counterDocument struct {
		Id  string `bson:"_id"`
		Seq int64  `bson:"seq"`
	}

	// MongoQueue stores the outbox in a MongoDB collection. Multi-document
	// writes run in a transaction, so the server must be a replica set.
	MongoQueue struct {
		client     *mongo.Client
		collection *mongo.Collection
		counters   *mongo.Collection
	}
)

func NewMongoQueue(db *mongo.Database) *MongoQueue {
	return &MongoQueue{
		client:     db.Client(),
		collection: db.Collection(collectionName),
		counters:   db.Collection(countersName),
	}
}

// EnsureIndexes creates the unique key index and the group partition index.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "recipient", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("recipient_message_id"),
		},
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().SetName("group_id").SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "seq", Value: 1}},
			Options: options.Index().SetName("seq"),
		},
	})
	return err
}

// storedUser maps a user id onto BSON's signed integers. Ids above MaxInt64
// wrap to negative values, which keeps them distinct and reversible.
func storedUser(u model.UserId) int64 {
	return int64(u)
}

func toDocument(e model.SenderMessageEntry, seq int64) entryDocument {
	return entryDocument{
		Recipient: storedUser(e.Metadata.Recipient),
		GroupId:   e.Metadata.GroupId,
		Category:  e.Metadata.Category,
		MessageId: e.Metadata.MessageId,
		Message:   e.Message,
		Seq:       seq,
	}
}

func (d entryDocument) entry() model.SenderMessageEntry {
	return model.SenderMessageEntry{
		Metadata: model.MessageMetadata{
			Recipient: model.UserId(d.Recipient),
			GroupId:   d.GroupId,
			Category:  d.Category,
			MessageId: d.MessageId,
		},
		Message: d.Message,
	}
}

func conversationFilter(conv model.ConversationId) bson.M {
	if g, ok := conv.Group(); ok {
		return bson.M{"group_id": g}
	}
	u, _ := conv.User()
	return bson.M{"recipient": storedUser(u), "group_id": bson.M{"$exists": false}}
}

// nextSeq reserves n sequence numbers and returns the first.
func (q *MongoQueue) nextSeq(ctx context.Context, n int) (int64, error) {
	var c counterDocument
	err := q.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": collectionName},
		bson.M{"$inc": bson.M{"seq": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, err
	}
	return c.Seq - int64(n) + 1, nil
}

func (q *MongoQueue) inTransaction(ctx context.Context, fn func(ctx mongo.SessionContext) error) error {
	sess, err := q.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (q *MongoQueue) Add(ctx context.Context, e model.SenderMessageEntry) error {
	return q.AddAll(ctx, []model.SenderMessageEntry{e})
}

func (q *MongoQueue) AddAll(ctx context.Context, entries []model.SenderMessageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := e.Metadata.Validate(); err != nil {
			return err
		}
	}
	err := q.inTransaction(ctx, func(sc mongo.SessionContext) error {
		first, err := q.nextSeq(sc, len(entries))
		if err != nil {
			return err
		}
		docs := make([]any, len(entries))
		for i, e := range entries {
			docs[i] = toDocument(e, first+int64(i))
		}
		_, err = q.collection.InsertMany(sc, docs)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("outbox: add: %w", err)
	}
	return nil
}

func (q *MongoQueue) Get(ctx context.Context, recipient model.UserId, messageId string) (*model.SenderMessageEntry, error) {
	var d entryDocument
	err := q.collection.FindOne(ctx, bson.M{"recipient": storedUser(recipient), "message_id": messageId}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := d.entry()
	return &e, nil
}

func (q *MongoQueue) Remove(ctx context.Context, recipient model.UserId, messageId string) error {
	_, err := q.collection.DeleteOne(ctx, bson.M{"recipient": storedUser(recipient), "message_id": messageId})
	return err
}

func (q *MongoQueue) RemoveAll(ctx context.Context, conv model.ConversationId, messageIds []string) error {
	if len(messageIds) == 0 {
		return nil
	}
	filter := conversationFilter(conv)
	filter["message_id"] = bson.M{"$in": messageIds}
	return q.inTransaction(ctx, func(sc mongo.SessionContext) error {
		_, err := q.collection.DeleteMany(sc, filter)
		return err
	})
}

func (q *MongoQueue) RemoveAllForConversation(ctx context.Context, conv model.ConversationId) error {
	return q.inTransaction(ctx, func(sc mongo.SessionContext) error {
		_, err := q.collection.DeleteMany(sc, conversationFilter(conv))
		return err
	})
}

func (q *MongoQueue) GetUndelivered(ctx context.Context) ([]model.SenderMessageEntry, error) {
	cur, err := q.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []entryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.SenderMessageEntry, len(docs))
	for i, d := range docs {
		out[i] = d.entry()
	}
	return out, nil
}
