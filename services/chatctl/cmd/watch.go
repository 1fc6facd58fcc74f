package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/eventbus"
	"github.com/convsync/internal/store"
	"github.com/convsync/internal/surface"
)

func (a *app) watchCmd() *cobra.Command {
	var open string
	c := &cobra.Command{
		Use:   "watch",
		Short: "Mount header and page surfaces and print changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := &lockedWriter{w: cmd.OutOrStdout()}

			s, closeAll, err := a.open(ctx, []surface.Config{{Name: surface.NameHeader}})
			if err != nil {
				return err
			}
			defer closeAll()
			st := s.Store()

			cancel := st.OnChange(func(ch store.Change) {
				out.printf("[%s] %s unread=%d\n", ch.Reason, ch.ConversationID, st.AggregateUnread())
			})
			defer cancel()

			pageCfg := surface.ForName(surface.NamePage, s.SelfID())
			pageCfg.OnEvent = func(ev eventbus.Event, res store.MergeResult) {
				if ev.Message != nil && res.Appended {
					out.printf("  %s: %s\n", ev.Message.SenderID, ev.Message.Content)
				}
			}
			page, err := s.Mount(pageCfg)
			if err != nil {
				return err
			}
			if open != "" {
				if err := page.Open(open, 1, 0); err != nil {
					return err
				}
			}
			printConversations(out, st.Conversations(), st.AggregateUnread())
			<-ctx.Done()
			return nil
		},
	}
	c.Flags().StringVar(&open, "open", "", "conversation to keep open on the page surface")
	return c
}

// lockedWriter сериализует вывод из колбеков разных горутин.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) printf(format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}
