package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/qmsg-go/internal/arrival"
	"github.com/rmacdonaldsmith/qmsg-go/internal/config"
	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/internal/network"
	"github.com/rmacdonaldsmith/qmsg-go/internal/relay"
	"github.com/rmacdonaldsmith/qmsg-go/internal/secbridge"
	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
	qtransport "github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

type netprocOptions struct {
	nodeID       string
	transport    string
	relayAddress string
	natsURL      string
	statusListen string
	noAuth       bool
	resubscribe  bool
	admitTeams   []uint
	secIn        string
	secOut       string
}

func newNetprocCommand(root *rootOptions) *cobra.Command {
	opts := &netprocOptions{}
	cmd := &cobra.Command{
		Use:   "netproc",
		Short: "Run the network processor",
		Long: `Run the network processor. Frames from the security process are read from
--sec-in and events for it are written to --sec-out ("-" selects stdin/stdout).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runNetproc(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.nodeID, "node-id", "", "node identifier")
	f.StringVar(&opts.transport, "transport", "", "transport kind: memory, libp2p, nats or relay")
	f.StringVar(&opts.relayAddress, "relay-address", "", "relay server address for the relay transport")
	f.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL for the nats transport")
	f.StringVar(&opts.statusListen, "status-listen", "", "status API listen address (empty disables)")
	f.BoolVar(&opts.noAuth, "no-auth", false, "serve status read endpoints without a token")
	f.BoolVar(&opts.resubscribe, "resubscribe", false, "resubscribe after a transport connection closes")
	f.UintSliceVar(&opts.admitTeams, "admit-team", nil, "accept key packages for this team (repeatable)")
	f.StringVar(&opts.secIn, "sec-in", "", "security processor input stream path")
	f.StringVar(&opts.secOut, "sec-out", "", "security processor output stream path")
	return cmd
}

// apply copies the flags that were set onto cfg and revalidates it.
func (o *netprocOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("node-id") {
		cfg.NodeID = o.nodeID
	}
	if f.Changed("transport") {
		cfg.Transport.Kind = o.transport
	}
	if f.Changed("relay-address") {
		cfg.Transport.RelayAddress = o.relayAddress
	}
	if f.Changed("nats-url") {
		cfg.Transport.NATS.URL = o.natsURL
	}
	if f.Changed("status-listen") {
		cfg.Status.Listen = o.statusListen
	}
	if f.Changed("no-auth") {
		cfg.Status.NoAuth = o.noAuth
	}
	if f.Changed("resubscribe") {
		cfg.ResubscribeOnClose = o.resubscribe
	}
	for _, team := range o.admitTeams {
		if uint64(team) > math.MaxUint32 {
			return fmt.Errorf("admit-team %d out of range", team)
		}
		cfg.AdmitTeams = append(cfg.AdmitTeams, uint32(team))
	}
	if f.Changed("sec-in") {
		cfg.Security.Input = o.secIn
	}
	if f.Changed("sec-out") {
		cfg.Security.Output = o.secOut
	}
	return cfg.Validate()
}

func runNetproc(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := metrics.NewRegistry()
	queue := arrival.NewQueue(registry.Metrics)

	tr, routes, err := openTransport(ctx, cfg, queue)
	if err != nil {
		return err
	}

	in, out, err := openSecurityStreams(cfg.Security)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() {
		if err := multierr.Combine(in.Close(), out.Close()); err != nil {
			log.Debugw("closing security streams", "err", err)
		}
	}()

	manager, err := network.NewManager(cfg.NetworkConfig(), tr, queue, secbridge.NewProcessor(out), registry.Metrics)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("failed to create network manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warnw("error closing network manager", "err", err)
		}
	}()

	for _, team := range cfg.AdmitTeams {
		if err := manager.SubscribeForKeyPackage(ctx, team, nil); err != nil {
			return fmt.Errorf("admit team %d: %w", team, err)
		}
		log.Infow("accepting key packages", "team", team)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(manager.Run(gctx))
	})
	g.Go(func() error {
		// The security process owns the session; its input closing ends the node.
		defer cancel()
		err := secbridge.NewServer(manager, cfg.Security.MaxFrameSize).Serve(gctx, in)
		if err == nil {
			log.Infow("security processor input closed")
		}
		return ignoreCanceled(err)
	})

	if cfg.Status.Listen != "" {
		srv, err := statusapi.NewServer(cfg.StatusAPIConfig(), statusapi.Sources{
			Network: manager,
			Queue:   queue,
			Routes:  routes,
		}, registry)
		if err != nil {
			return fmt.Errorf("failed to create status api: %w", err)
		}
		serveStatus(gctx, g, srv)
	}

	log.Infow("netproc started", "node", cfg.NodeID, "transport", cfg.Transport.Kind)
	err = g.Wait()
	log.Infow("netproc stopped", "node", cfg.NodeID)
	return err
}

// openTransport connects the configured transport. The route source is
// non-nil only for transports that can report their routing table.
func openTransport(ctx context.Context, cfg *config.Config, delegate transport.Delegate) (transport.Transport, statusapi.RouteSource, error) {
	switch cfg.Transport.Kind {
	case config.TransportMemory:
		broker := qtransport.NewBroker()
		return broker.Connect(delegate), broker, nil
	case config.TransportLibp2p:
		t, err := qtransport.NewGossipTransport(ctx, cfg.GossipOptions(), delegate)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start libp2p transport: %w", err)
		}
		return t, nil, nil
	case config.TransportNATS:
		t, err := qtransport.DialNATS(cfg.NATSOptions(), delegate)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect nats transport: %w", err)
		}
		return t, nil, nil
	case config.TransportRelay:
		t, err := relay.Dial(ctx, cfg.Transport.RelayAddress, delegate)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect relay transport: %w", err)
		}
		return t, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport.Kind)
	}
}

func openSecurityStreams(sc config.SecurityConfig) (io.ReadCloser, io.WriteCloser, error) {
	var in io.ReadCloser = os.Stdin
	if sc.Input != config.StdioPath {
		f, err := os.Open(sc.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("open security input: %w", err)
		}
		in = f
	}

	var out io.WriteCloser = os.Stdout
	if sc.Output != config.StdioPath {
		f, err := os.OpenFile(sc.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			_ = in.Close()
			return nil, nil, fmt.Errorf("open security output: %w", err)
		}
		out = f
	}
	return in, out, nil
}

// serveStatus runs srv in g until ctx is done.
func serveStatus(ctx context.Context, g *errgroup.Group, srv *statusapi.Server) {
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
