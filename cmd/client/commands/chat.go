package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/app"
	mongoSvc "e2e_messenger/internal/service/mongo"
	"e2e_messenger/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user>",
		Short: "Open a conversation with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := model.ParseUserId(args[0])
			if err != nil {
				return err
			}
			if cfg.Log.File == "" {
				cfg.Log.File = filepath.Join(os.TempDir(), "e2e_messenger.log")
			}
			if err := initLog(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			queue, db, err := openOutbox(ctx)
			if err != nil {
				return err
			}
			defer mongoSvc.Close(context.Background(), db)

			tokens, err := tokenSource()
			if err != nil {
				return err
			}
			kc, err := keysClient(tokens)
			if err != nil {
				return err
			}
			dialer, err := app.NewDialer(cfg.Relay)
			if err != nil {
				return err
			}

			chat := app.NewChat(peer)
			client, err := app.NewClient(ctx, cfg, app.Deps{
				Redis:     rdb,
				Outbox:    queue,
				Keys:      kc,
				Dialer:    dialer,
				Tokens:    tokens,
				Processor: chat,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- client.Run(ctx)
				cancel()
			}()

			uiErr := chat.Run(ctx, client)
			cancel()
			if err := <-done; err != nil {
				log.Error("client stopped", zap.Error(err))
				return errors.Join(uiErr, err)
			}
			return uiErr
		},
	}
}
