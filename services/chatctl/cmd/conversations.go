package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/model"
	"github.com/convsync/internal/store"
	"github.com/convsync/internal/surface"
)

func (a *app) conversationsCmd() *cobra.Command {
	var page, limit int
	c := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations with unread counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.open(cmd.Context(), []surface.Config{})
			if err != nil {
				return err
			}
			defer closeAll()
			st := s.Store()
			if page > 1 || (limit > 0 && limit != a.cfg.Sync.PageLimit) {
				if err := st.FetchConversations(cmd.Context(), page, limit); err != nil {
					return err
				}
			}
			convs := st.Conversations()
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), map[string]any{
					"conversations": convs,
					"total_unread":  st.AggregateUnread(),
				})
			}
			printConversations(cmd.OutOrStdout(), convs, st.AggregateUnread())
			return nil
		},
	}
	c.Flags().IntVar(&page, "page", 1, "page number")
	c.Flags().IntVar(&limit, "limit", 0, "page size (default sync.page_limit)")
	return c
}

func printConversations(w io.Writer, convs []model.Conversation, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tWITH\tUNREAD\tLAST\tAT")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			c.ConversationID, c.OtherParticipant.Name(), c.UnreadCount,
			preview(c.LastMessage.Content, 40), c.LastMessage.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
	fmt.Fprintf(w, "unread: %d\n", total)
}

func (a *app) threadCmd() *cobra.Command {
	var page, limit int
	c := &cobra.Command{
		Use:   "thread <conversation-id>",
		Short: "Show a conversation thread and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.open(cmd.Context(), []surface.Config{})
			if err != nil {
				return err
			}
			defer closeAll()
			st := s.Store()
			if err := st.FetchMessages(cmd.Context(), args[0], 1, limit); err != nil {
				return err
			}
			for p := 2; p <= page; p++ {
				if err := st.FetchMessages(cmd.Context(), args[0], p, limit); err != nil {
					return err
				}
			}
			th := st.Thread()
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), th)
			}
			printThread(cmd.OutOrStdout(), th, s.SelfID())
			return nil
		},
	}
	c.Flags().IntVar(&page, "pages", 1, "number of pages to load")
	c.Flags().IntVar(&limit, "limit", 0, "page size (default sync.page_limit)")
	return c
}

func printThread(w io.Writer, th *store.Thread, self string) {
	if th == nil {
		return
	}
	fmt.Fprintf(w, "%s with %s (%d of %d)\n", th.ConversationID, th.OtherUser.Name(), len(th.Messages), th.Pagination.Total)
	for _, m := range th.Messages {
		who := th.OtherUser.Name()
		if m.SenderID == self {
			who = "me"
		}
		mark := " "
		if !m.Read && m.SenderID == self {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s %-10s %s\n", m.CreatedAt.Local().Format(time.DateTime), mark, who, m.Content)
	}
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
