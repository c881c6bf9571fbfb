// Command qmsg runs the qmsg network processor and relay, and inspects
// running nodes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/qmsg-go/internal/config"
)

const appVersion = "0.1.0"

var log = logging.Logger("qmsg/cmd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:     "qmsg",
		Short:   "Secure group messaging routing core",
		Version: appVersion,
		Long: `qmsg routes MLS group traffic between a local security processor and a
publish/subscribe transport. It runs as a network processor (netproc) next to
a security process, or as a relay that fans messages out between netprocs.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newNetprocCommand(opts))
	root.AddCommand(newRelayCommand(opts))
	root.AddCommand(newTokenCommand(opts))
	root.AddCommand(newNameCommand())
	root.AddCommand(newStatusCommand())
	return root
}

// loadConfig reads the config file and applies the log level.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logging.SetAllLoggers(level)
	return cfg, nil
}
