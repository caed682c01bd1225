package prekey

import (
	"context"
	"errors"
	"time"

	"e2e_messenger/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// storedUser maps a user id onto BSON's signed integers. Ids above MaxInt64
// wrap to negative values.
func storedUser(u model.UserId) int64 {
	return int64(u)
}

type (
	keysDocument struct {
		User      int64               `bson:"user"`
		Device    model.DeviceId      `bson:"device"`
		Keys      model.PublishedKeys `bson:"keys"`
		UpdatedAt time.Time           `bson:"updated_at"`
	}

	PreKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewPreKeyRepo(db *mongo.Database) *PreKeyRepo {
	return &PreKeyRepo{
		collection: db.Collection("prekeys"),
	}
}

func (r *PreKeyRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}, {Key: "device", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Publish replaces the key set of addr.
func (r *PreKeyRepo) Publish(ctx context.Context, addr model.Address, keys model.PublishedKeys) error {
	doc := keysDocument{User: storedUser(addr.User), Device: addr.Device, Keys: keys, UpdatedAt: time.Now().UTC()}
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"user": storedUser(addr.User), "device": addr.Device},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *PreKeyRepo) Devices(ctx context.Context, user model.UserId) ([]model.DeviceId, error) {
	cur, err := r.collection.Find(ctx, bson.M{"user": storedUser(user)},
		options.Find().SetProjection(bson.M{"device": 1}).SetSort(bson.D{{Key: "device", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []keysDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.DeviceId, len(docs))
	for i, d := range docs {
		out[i] = d.Device
	}
	return out, nil
}

// Fetch hands out the bundle of addr, removing the one-time key it carries.
// It returns nil, nil when addr has published nothing.
func (r *PreKeyRepo) Fetch(ctx context.Context, addr model.Address) (*model.PreKeyBundle, error) {
	var before keysDocument
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"user": storedUser(addr.User), "device": addr.Device},
		bson.M{"$pop": bson.M{"keys.one_time_keys": -1}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var otk *model.OneTimeKey
	if len(before.Keys.OneTimeKeys) > 0 {
		otk = &before.Keys.OneTimeKeys[0]
	}
	return before.Keys.Bundle(otk), nil
}

// FetchBundles returns one entry per requested device, or per published
// device when devices is empty. Devices without keys get a nil bundle.
func (r *PreKeyRepo) FetchBundles(ctx context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error) {
	if len(devices) == 0 {
		var err error
		if devices, err = r.Devices(ctx, user); err != nil {
			return nil, err
		}
	}
	out := make([]model.DeviceBundle, 0, len(devices))
	for _, d := range devices {
		b, err := r.Fetch(ctx, model.NewAddress(user, d))
		if err != nil {
			return nil, err
		}
		out = append(out, model.DeviceBundle{DeviceId: d, Bundle: b})
	}
	return out, nil
}
