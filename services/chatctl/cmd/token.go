package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convsync/internal/auth"
	"github.com/convsync/internal/model"
)

func (a *app) tokenCmd() *cobra.Command {
	var name, contact string
	var ttl time.Duration
	c := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development token signed with auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				ttl = a.cfg.Auth.TokenTTL
			}
			j := auth.NewJWT([]byte(a.cfg.Auth.Secret), a.cfg.Auth.Issuer)
			tok, err := j.Issue(model.Participant{ID: args[0], DisplayName: name, Contact: contact}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "display name claim")
	c.Flags().StringVar(&contact, "contact", "", "contact claim")
	c.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return c
}
