// Package config loads the YAML configuration shared by the qmsg daemons.
//
// A file is optional: Default returns a usable single-node configuration
// and command line flags override individual fields after Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	"github.com/rmacdonaldsmith/qmsg-go/internal/discovery"
	"github.com/rmacdonaldsmith/qmsg-go/internal/network"
	"github.com/rmacdonaldsmith/qmsg-go/internal/relay"
	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
	qtransport "github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// Transport kinds accepted in transport.kind.
const (
	TransportMemory = "memory"
	TransportLibp2p = "libp2p"
	TransportNATS   = "nats"
	TransportRelay  = "relay"
)

// StdioPath selects the process's stdin or stdout for the security bridge.
const StdioPath = "-"

var (
	// ErrUnknownTransport is returned for an unrecognised transport.kind
	ErrUnknownTransport = errors.New("unknown transport kind")
	// ErrMissingRelayAddress is returned when the relay transport has no address
	ErrMissingRelayAddress = errors.New("relay transport requires transport.relay_address")
	// ErrMissingNATSURL is returned when the nats transport has no URL
	ErrMissingNATSURL = errors.New("nats transport requires transport.nats.url")
)

// Config is the root of the YAML file.
type Config struct {
	NodeID    string `yaml:"node_id"`
	Namespace uint32 `yaml:"namespace"`
	LogLevel  string `yaml:"log_level"`

	// ResubscribeOnClose reissues subscriptions after a transport
	// connection-closed signal.
	ResubscribeOnClose bool `yaml:"resubscribe_on_close"`

	// AdmitTeams are teams this node accepts key packages for at startup.
	AdmitTeams []uint32 `yaml:"admit_teams"`

	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Status    StatusConfig    `yaml:"status"`
	Security  SecurityConfig  `yaml:"security"`
}

// TransportConfig selects and configures the netproc transport.
type TransportConfig struct {
	Kind         string       `yaml:"kind"`
	RelayAddress string       `yaml:"relay_address"`
	Gossip       GossipConfig `yaml:"gossip"`
	NATS         NATSConfig   `yaml:"nats"`
}

// GossipConfig configures the libp2p gossipsub transport.
type GossipConfig struct {
	Listen          []string `yaml:"listen"`
	Bootstrap       []string `yaml:"bootstrap"`
	Rendezvous      string   `yaml:"rendezvous"`
	MDNS            bool     `yaml:"mdns"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// RelayConfig configures the relay server role.
type RelayConfig struct {
	Listen          string           `yaml:"listen"`
	SendQueueSize   int              `yaml:"send_queue_size"`
	MaxMessageSize  int              `yaml:"max_message_size"`
	Masks           []shortname.Mask `yaml:"masks"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// StatusConfig configures the HTTP status API. An empty Listen disables it.
type StatusConfig struct {
	Listen    string `yaml:"listen"`
	SecretKey string `yaml:"secret_key"`
	NoAuth    bool   `yaml:"no_auth"`
}

// SecurityConfig locates the security processor's frame streams.
type SecurityConfig struct {
	Input        string `yaml:"input"`
	Output       string `yaml:"output"`
	MaxFrameSize int    `yaml:"max_frame_size"`
}

// Default returns a single-node configuration on the memory transport.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads path, applies defaults and validates the result. A missing
// file yields Default.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = "qmsg-" + uuid.NewString()[:8]
	}
	if c.Namespace == 0 {
		c.Namespace = shortname.DefaultNamespace
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMemory
	}
	if c.Transport.Gossip.Rendezvous == "" {
		c.Transport.Gossip.Rendezvous = "qmsg"
	}
	if c.Transport.NATS.MaxReconnects == 0 {
		c.Transport.NATS.MaxReconnects = -1
	}
	if c.Transport.NATS.ReconnectWait <= 0 {
		c.Transport.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = ":7400"
	}
	if c.Security.Input == "" {
		c.Security.Input = StdioPath
	}
	if c.Security.Output == "" {
		c.Security.Output = StdioPath
	}
	if c.Security.MaxFrameSize <= 0 {
		c.Security.MaxFrameSize = codec.DefaultMaxFrameSize
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory, TransportLibp2p:
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			return ErrMissingNATSURL
		}
	case TransportRelay:
		if c.Transport.RelayAddress == "" {
			return ErrMissingRelayAddress
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Kind)
	}
	for _, m := range c.Relay.Masks {
		if err := shortname.ValidateMask(m); err != nil {
			return fmt.Errorf("relay.masks: %w", err)
		}
	}
	if c.Status.Listen != "" {
		if err := c.StatusAPIConfig().Validate(); err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}
	return nil
}

// NetworkConfig returns the network manager configuration.
func (c *Config) NetworkConfig() *network.Config {
	nc := network.NewConfig(c.NodeID)
	nc.Namespace = c.Namespace
	nc.ResubscribeOnClose = c.ResubscribeOnClose
	return nc
}

// RelayServerConfig returns the relay server configuration.
func (c *Config) RelayServerConfig() *relay.Config {
	return &relay.Config{
		NodeID:          c.NodeID,
		ListenAddress:   c.Relay.Listen,
		SendQueueSize:   c.Relay.SendQueueSize,
		MaxMessageSize:  c.Relay.MaxMessageSize,
		Masks:           c.Relay.Masks,
		ShutdownTimeout: c.Relay.ShutdownTimeout,
	}
}

// StatusAPIConfig returns the status server configuration.
func (c *Config) StatusAPIConfig() *statusapi.Config {
	return &statusapi.Config{
		NodeID:        c.NodeID,
		ListenAddress: c.Status.Listen,
		SecretKey:     c.Status.SecretKey,
		NoAuth:        c.Status.NoAuth,
	}
}

// GossipOptions returns the libp2p transport options.
func (c *Config) GossipOptions() qtransport.GossipOptions {
	g := c.Transport.Gossip
	opts := qtransport.GossipOptions{
		ListenAddrs:     g.Listen,
		Rendezvous:      g.Rendezvous,
		EnableMDNS:      g.MDNS,
		IdentityKeyFile: g.IdentityKeyFile,
	}
	if len(g.Bootstrap) > 0 {
		opts.Bootstrap = discovery.NewStaticDiscovery(g.Bootstrap)
	}
	return opts
}

// NATSOptions returns the NATS transport options.
func (c *Config) NATSOptions() qtransport.NATSOptions {
	n := c.Transport.NATS
	return qtransport.NATSOptions{
		URL:           n.URL,
		ClientName:    c.NodeID,
		MaxReconnects: n.MaxReconnects,
		ReconnectWait: n.ReconnectWait,
		Token:         n.Token,
	}
}
