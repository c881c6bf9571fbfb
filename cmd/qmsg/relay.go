package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/qmsg-go/internal/config"
	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/internal/relay"
	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
)

type relayOptions struct {
	nodeID       string
	listen       string
	statusListen string
	noAuth       bool
}

func newRelayCommand(root *rootOptions) *cobra.Command {
	opts := &relayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay server",
		Long:  "Run a relay that forwards published messages to every netproc subscribed to a matching name.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("node-id") {
				cfg.NodeID = opts.nodeID
			}
			if f.Changed("listen") {
				cfg.Relay.Listen = opts.listen
			}
			if f.Changed("status-listen") {
				cfg.Status.Listen = opts.statusListen
			}
			if f.Changed("no-auth") {
				cfg.Status.NoAuth = opts.noAuth
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.nodeID, "node-id", "", "node identifier")
	f.StringVarP(&opts.listen, "listen", "l", "", "relay listen address")
	f.StringVar(&opts.statusListen, "status-listen", "", "status API listen address (empty disables)")
	f.BoolVar(&opts.noAuth, "no-auth", false, "serve status read endpoints without a token")
	return cmd
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	registry := metrics.NewRegistry()

	srv, err := relay.NewServer(cfg.RelayServerConfig(), registry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warnw("error closing relay", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Status.Listen != "" {
		status, err := statusapi.NewServer(cfg.StatusAPIConfig(), statusapi.Sources{
			Routes:   srv,
			Sessions: srv,
		}, registry)
		if err != nil {
			return fmt.Errorf("failed to create status api: %w", err)
		}
		serveStatus(gctx, g, status)
	}

	log.Infow("relay started", "node", cfg.NodeID, "addr", srv.Addr())
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
