package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/store"
	"github.com/convsync/internal/surface"
)

func (a *app) sendCmd() *cobra.Command {
	var kind string
	var meta map[string]string
	c := &cobra.Command{
		Use:   "send <receiver-id> <text>...",
		Short: "Send a message, starting the conversation if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.open(cmd.Context(), []surface.Config{})
			if err != nil {
				return err
			}
			defer closeAll()
			msg, err := s.Store().SendMessage(cmd.Context(), store.SendInput{
				ReceiverID: args[0],
				Content:    strings.Join(args[1:], " "),
				Kind:       model.MessageKind(kind),
				Metadata:   meta,
			})
			if err != nil {
				return errors.New(apperr.UserMessage(err))
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", msg.ID, msg.ConversationID)
			return nil
		},
	}
	c.Flags().StringVar(&kind, "kind", string(model.MessageKindText), "message kind (text, image, file, system)")
	c.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	return c
}

func (a *app) readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read and notify other sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.open(cmd.Context(), []surface.Config{})
			if err != nil {
				return err
			}
			defer closeAll()
			if err := s.Store().MarkConversationRead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "read %s, unread: %d\n", args[0], s.Store().AggregateUnread())
			return nil
		},
	}
}

func (a *app) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Drop server-side caches and reload the conversation list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.open(cmd.Context(), []surface.Config{})
			if err != nil {
				return err
			}
			defer closeAll()
			st := s.Store()
			if err := st.ForceRefresh(cmd.Context()); err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), st.Conversations(), st.AggregateUnread())
			return nil
		},
	}
}
