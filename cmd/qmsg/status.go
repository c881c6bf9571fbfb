package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/statusclient"
)

type statusOptions struct {
	serverURL string
	token     string
	timeout   time.Duration
}

func (o *statusOptions) client() (*statusclient.Client, error) {
	c, err := statusclient.NewClient(statusclient.Config{
		ServerURL: o.serverURL,
		Token:     o.token,
		Timeout:   o.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}

func newStatusCommand() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a node's status API",
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.serverURL, "server", "http://localhost:8081", "status API URL")
	pf.StringVar(&opts.token, "token", "", "JWT from 'qmsg token'")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(newStatusQueryCommand(opts, "health", "Show node health",
		func(ctx context.Context, c *statusclient.Client) (any, error) { return c.GetHealth(ctx) }))
	cmd.AddCommand(newStatusQueryCommand(opts, "subscriptions", "List subscribed names and channels",
		func(ctx context.Context, c *statusclient.Client) (any, error) { return c.GetSubscriptions(ctx) }))
	cmd.AddCommand(newStatusQueryCommand(opts, "registrations", "List publisher registrations and key exchange state",
		func(ctx context.Context, c *statusclient.Client) (any, error) { return c.GetRegistrations(ctx) }))
	cmd.AddCommand(newStatusQueryCommand(opts, "queue", "Show the inbound queue depth per name",
		func(ctx context.Context, c *statusclient.Client) (any, error) { return c.GetQueue(ctx) }))
	cmd.AddCommand(newStatusQueryCommand(opts, "routes", "Show the routing table (admin)",
		func(ctx context.Context, c *statusclient.Client) (any, error) { return c.GetRoutes(ctx) }))
	cmd.AddCommand(newStatusMetricsCommand(opts))
	cmd.AddCommand(newStatusResubscribeCommand(opts))
	return cmd
}

func newStatusQueryCommand(opts *statusOptions, use, short string, query func(context.Context, *statusclient.Client) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			resp, err := query(ctx, c)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newStatusMetricsCommand(opts *statusOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the node's Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			text, err := c.GetMetrics(ctx)
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func newStatusResubscribeCommand(opts *statusOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resubscribe NAME",
		Short: "Reissue the transport subscription for a name (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := shortname.Parse(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if err := c.Resubscribe(ctx, name); err != nil {
				return fmt.Errorf("resubscribe: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resubscribed %s\n", name)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
