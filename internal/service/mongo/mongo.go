package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Options struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Dial connects, pings the server and returns the configured database.
func Dial(ctx context.Context, opts Options) (*mongo.Database, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return client.Database(opts.Database), nil
}

// Close disconnects the client behind db.
func Close(ctx context.Context, db *mongo.Database) error {
	return db.Client().Disconnect(ctx)
}
