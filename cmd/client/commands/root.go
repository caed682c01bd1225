package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/repository/outbox"
	"e2e_messenger/internal/service/app"
	"e2e_messenger/internal/service/keys"
	mongoSvc "e2e_messenger/internal/service/mongo"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/utils/log"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:          "client",
		Short:        "End-to-end encrypted messenger client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
				path = ""
			}
			var err error
			if cfg, err = config.Load(path); err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if cfg.User == 0 {
				return fmt.Errorf("no user configured: set user in %s or E2E_USER", configPath)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "e2e_messenger.toml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	root.AddCommand(chatCmd(), outboxCmd(), keysCmd())
	return root.Execute()
}

func initLog() error {
	if cfg.Log.File != "" {
		return log.Init(cfg.Log.Level, cfg.Log.Development, cfg.Log.File)
	}
	return log.Init(cfg.Log.Level, cfg.Log.Development)
}

func openRedis(ctx context.Context) (*redisSvc.RedisService, error) {
	r, err := redisSvc.Dial(ctx, redisSvc.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	return r, nil
}

func openOutbox(ctx context.Context) (*outbox.MongoQueue, *mongo.Database, error) {
	db, err := mongoSvc.Dial(ctx, mongoSvc.Options{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: %w", err)
	}
	q := outbox.NewMongoQueue(db)
	if err := q.EnsureIndexes(ctx); err != nil {
		mongoSvc.Close(context.Background(), db)
		return nil, nil, fmt.Errorf("outbox indexes: %w", err)
	}
	return q, db, nil
}

func keysClient(tokens keys.TokenSource) (*keys.Client, error) {
	return keys.NewClient(cfg.KeyServer.URL, tokens, &http.Client{Timeout: 15 * time.Second})
}

func tokenSource() (*app.FileTokens, error) {
	if cfg.TokenFile == "" {
		return nil, errors.New("no token_file configured")
	}
	return app.NewFileTokens(cfg.TokenFile), nil
}
