package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/repository/prekey"
	"e2e_messenger/internal/service/keys"
	mongoSvc "e2e_messenger/internal/service/mongo"
	"e2e_messenger/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "keyserver",
		Short:        "Serve prekey bundles for the messenger",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	db, err := mongoSvc.Dial(ctx, mongoSvc.Options{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	defer mongoSvc.Close(context.Background(), db)

	repo := prekey.NewPreKeyRepo(db)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return err
	}

	var auth keys.Authorizer
	if len(cfg.KeyServer.Tokens) > 0 {
		tokens := cfg.KeyServer.Tokens
		auth = func(token string) (model.UserId, bool) {
			u, ok := tokens[token]
			return u, ok
		}
	} else {
		log.Warn("no tokens configured, key server accepts anonymous requests")
	}

	srv := &http.Server{
		Addr:              cfg.KeyServer.Listen,
		Handler:           keys.NewRouter(repo, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("key server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
