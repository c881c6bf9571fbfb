package relay

import (
	"errors"
	"time"

	"github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// Config holds configuration for the relay server
type Config struct {
	NodeID         string
	ListenAddress  string
	SendQueueSize  int
	MaxMessageSize int

	// Masks are the subscription levels the relay accepts.
	Masks []shortname.Mask

	// ShutdownTimeout bounds graceful stop before connections are cut.
	ShutdownTimeout time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	for _, m := range c.Masks {
		if err := shortname.ValidateMask(m); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if len(c.Masks) == 0 {
		c.Masks = transport.BrokerMasks
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}
