package statusclient

import (
	"time"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the status API (e.g., "http://localhost:8082")
	ServerURL string

	// Token is a bearer token minted with `qmsg token`
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy    bool   `json:"healthy"`
	NodeID     string `json:"nodeId"`
	Role       string `json:"role"`
	Uptime     string `json:"uptime"`
	QueueDepth int    `json:"queueDepth"`
	Sessions   int    `json:"sessions,omitempty"`
}

// SubscriptionsResponse lists the node's subscriptions
type SubscriptionsResponse struct {
	Subscribed []shortname.ShortName         `json:"subscribed"`
	Channels   []network.ChannelSubscription `json:"channels"`
}

// RegistrationsResponse lists publisher registrations and key exchange state
type RegistrationsResponse struct {
	Registered          []shortname.ShortName `json:"registered"`
	Devices             map[uint32]uint32     `json:"devices"`
	ExpectedKeyPackages map[uint32]string     `json:"expectedKeyPackages"`
	PendingWelcomes     map[uint32]string     `json:"pendingWelcomes"`
}

// QueueEntry is the backlog of one name
type QueueEntry struct {
	Name  shortname.ShortName `json:"name"`
	Depth int                 `json:"depth"`
}

// QueueResponse describes the inbound arrival queue
type QueueResponse struct {
	Total int          `json:"total"`
	Names []QueueEntry `json:"names"`
}

// RouteEntry is one prefix of a routing table
type RouteEntry struct {
	Mask    shortname.Mask      `json:"mask"`
	Prefix  shortname.ShortName `json:"prefix"`
	Remotes []string            `json:"remotes"`
}

// RoutesResponse lists a routing table
type RoutesResponse struct {
	Routes []RouteEntry `json:"routes"`
}

// ResubscribeRequest asks the node to reissue a subscription
type ResubscribeRequest struct {
	Name shortname.ShortName `json:"name"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
