package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"e2e_messenger/internal/model"
	mongoSvc "e2e_messenger/internal/service/mongo"

	"github.com/spf13/cobra"
)

// outbox: inspect and prune messages that were never acknowledged.
func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List undelivered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLog(); err != nil {
				return err
			}
			queue, db, err := openOutbox(cmd.Context())
			if err != nil {
				return err
			}
			defer mongoSvc.Close(context.Background(), db)

			entries, err := queue.GetUndelivered(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONVERSATION\tCATEGORY\tMESSAGE ID\tSIZE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					e.Metadata.Conversation(), e.Metadata.Category, e.Metadata.MessageId, len(e.Message))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(outboxCancelCmd())
	return cmd
}

func outboxCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <user> [message-id...]",
		Short: "Drop undelivered messages to a user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := model.ParseUserId(args[0])
			if err != nil {
				return err
			}
			if err := initLog(); err != nil {
				return err
			}
			queue, db, err := openOutbox(cmd.Context())
			if err != nil {
				return err
			}
			defer mongoSvc.Close(context.Background(), db)

			conv := model.UserConversation(user)
			if len(args) > 1 {
				return queue.RemoveAll(cmd.Context(), conv, args[1:])
			}
			return queue.RemoveAllForConversation(cmd.Context(), conv)
		},
	}
}
