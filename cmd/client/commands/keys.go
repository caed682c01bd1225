package commands

import (
	"encoding/hex"
	"fmt"

	"e2e_messenger/internal/model"
	sessionRepo "e2e_messenger/internal/repository/session"
	"e2e_messenger/internal/session"
	"e2e_messenger/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage published prekeys",
	}
	cmd.AddCommand(keysPublishCmd(), keysFetchCmd())
	return cmd
}

// publish: upload this device's identity, signed prekey and one-time keys.
// A new identity is created on first use.
func keysPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish this device's prekey bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLog(); err != nil {
				return err
			}
			ctx := cmd.Context()
			rdb, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			store, err := session.LoadRatchetStore(ctx, sessionRepo.NewRedisPersister(rdb, cfg.Local()), cfg.OneTimeKeys)
			if err != nil {
				return err
			}
			tokens, err := tokenSource()
			if err != nil {
				return err
			}
			kc, err := keysClient(tokens)
			if err != nil {
				return err
			}

			bundle := store.Identity().PublicBundle()
			if err := kc.Publish(ctx, cfg.Local(), bundle); err != nil {
				return err
			}
			log.Info("published keys",
				zap.Stringer("address", cfg.Local()),
				zap.Int("one_time_keys", len(bundle.OneTimeKeys)))
			fmt.Printf("published %s (registration %d, %d one-time keys)\n",
				cfg.Local(), bundle.RegistrationId, len(bundle.OneTimeKeys))
			return nil
		},
	}
}

// fetch: show the devices the key server knows for a user. Each fetch
// consumes one one-time key per device.
func keysFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <user>",
		Short: "Fetch the prekey bundles of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := model.ParseUserId(args[0])
			if err != nil {
				return err
			}
			if err := initLog(); err != nil {
				return err
			}
			tokens, err := tokenSource()
			if err != nil {
				return err
			}
			kc, err := keysClient(tokens)
			if err != nil {
				return err
			}

			bundles, err := kc.FetchBundles(cmd.Context(), user, nil)
			if err != nil {
				return err
			}
			for _, b := range bundles {
				if b.Bundle == nil {
					fmt.Printf("%s\tno key data\n", model.NewAddress(user, b.DeviceId))
					continue
				}
				fmt.Printf("%s\tregistration %d\tidentity %s\n",
					model.NewAddress(user, b.DeviceId), b.Bundle.RegistrationId, hex.EncodeToString(b.Bundle.IdentityKey))
			}
			return nil
		},
	}
}
