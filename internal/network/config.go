package network

import (
	"errors"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrNilTransport is returned when no transport is supplied
	ErrNilTransport = errors.New("transport cannot be nil")
	// ErrNilSecurity is returned when no security processor is supplied
	ErrNilSecurity = errors.New("security processor cannot be nil")
)

// Config represents configuration for a Manager
type Config struct {
	// NodeID identifies this node in logs and status output
	NodeID string

	// Namespace is the short name namespace shared by every node of a deployment
	Namespace uint32

	// ResubscribeOnClose makes Run reissue a subscription when the transport
	// reports its connection closed. Otherwise the signal is only logged.
	ResubscribeOnClose bool
}

// NewConfig creates a new Manager configuration with safe defaults
func NewConfig(nodeID string) *Config {
	return &Config{
		NodeID:    nodeID,
		Namespace: shortname.DefaultNamespace,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	return nil
}

// SetDefaults sets default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Namespace == 0 {
		c.Namespace = shortname.DefaultNamespace
	}
}
