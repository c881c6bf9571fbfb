package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		secret   string
		clientID string
		admin    bool
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a status API token",
		Long:  "Mint a JWT for the status API, signed with --secret or status.secret_key from the config file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("secret") {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Status.SecretKey
			}
			if secret == "" {
				return errors.New("no secret: pass --secret or set status.secret_key")
			}

			token, expires, err := statusapi.NewTokenAuthority(secret).Mint(clientID, admin, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "client %s, admin %t, expires %s\n", clientID, admin, expires.Format(time.RFC3339))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "signing secret")
	f.StringVar(&clientID, "client-id", "qmsg-cli", "client id embedded in the token")
	f.BoolVar(&admin, "admin", false, "grant access to admin endpoints")
	f.DurationVar(&ttl, "ttl", statusapi.DefaultTokenTTL, "token lifetime")
	return cmd
}
