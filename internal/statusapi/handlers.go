package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/statusclient"
)

// Handlers contains HTTP request handlers
type Handlers struct {
	nodeID  string
	sources Sources
	started time.Time
}

// NewHandlers creates handlers reading from sources
func NewHandlers(nodeID string, sources Sources) *Handlers {
	return &Handlers{nodeID: nodeID, sources: sources, started: time.Now()}
}

func (h *Handlers) role() string {
	if h.sources.Network != nil {
		return "netproc"
	}
	return "relay"
}

// Health reports liveness. It never requires a token.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusclient.HealthResponse{
		Healthy: true,
		NodeID:  h.nodeID,
		Role:    h.role(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	if h.sources.Queue != nil {
		for _, n := range h.sources.Queue.Depths() {
			resp.QueueDepth += n
		}
	}
	if h.sources.Sessions != nil {
		resp.Sessions = len(h.sources.Sessions.Sessions())
	}
	writeJSON(w, resp, http.StatusOK)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) (network.Status, bool) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return network.Status{}, false
	}
	if h.sources.Network == nil {
		writeError(w, "No network manager on this node", http.StatusNotFound)
		return network.Status{}, false
	}
	return h.sources.Network.Status(), true
}

// ListSubscriptions returns exact and channel subscriptions
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	status, ok := h.status(w, r)
	if !ok {
		return
	}
	writeJSON(w, statusclient.SubscriptionsResponse{
		Subscribed: orEmpty(status.Subscribed),
		Channels:   orEmpty(status.Channels),
	}, http.StatusOK)
}

// ListRegistrations returns publisher registrations and key exchange state
func (h *Handlers) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	status, ok := h.status(w, r)
	if !ok {
		return
	}
	writeJSON(w, statusclient.RegistrationsResponse{
		Registered:          orEmpty(status.Registered),
		Devices:             status.Devices,
		ExpectedKeyPackages: status.ExpectedKeyPackages,
		PendingWelcomes:     status.PendingWelcomes,
	}, http.StatusOK)
}

// GetQueue returns the arrival queue backlog per name
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sources.Queue == nil {
		writeError(w, "No arrival queue on this node", http.StatusNotFound)
		return
	}

	resp := statusclient.QueueResponse{Names: []statusclient.QueueEntry{}}
	for name, depth := range h.sources.Queue.Depths() {
		resp.Names = append(resp.Names, statusclient.QueueEntry{Name: name, Depth: depth})
		resp.Total += depth
	}
	sortQueue(resp.Names)
	writeJSON(w, resp, http.StatusOK)
}

// GetRoutes returns the routing table
func (h *Handlers) GetRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sources.Routes == nil {
		writeError(w, "No routing table on this node", http.StatusNotFound)
		return
	}

	resp := statusclient.RoutesResponse{Routes: []statusclient.RouteEntry{}}
	for _, e := range h.sources.Routes.Routes() {
		remotes := make([]string, 0, len(e.Remotes))
		for _, remote := range e.Remotes {
			remotes = append(remotes, remote.String())
		}
		resp.Routes = append(resp.Routes, statusclient.RouteEntry{Mask: e.Mask, Prefix: e.Prefix, Remotes: remotes})
	}
	writeJSON(w, resp, http.StatusOK)
}

// Resubscribe reissues the subscription covering the requested name
func (h *Handlers) Resubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sources.Network == nil {
		writeError(w, "No network manager on this node", http.StatusNotFound)
		return
	}

	var req statusclient.ResubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name.IsZero() {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := h.sources.Network.Resubscribe(r.Context(), req.Name); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, network.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, err.Error(), code)
		return
	}
	log.Infow("resubscribed on request", "name", req.Name, "client", GetClaims(r).ClientID())
	w.WriteHeader(http.StatusNoContent)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func sortQueue(entries []statusclient.QueueEntry) {
	slices.SortFunc(entries, func(a, b statusclient.QueueEntry) int {
		return a.Name.Compare(b.Name)
	})
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusclient.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnw("failed to encode response", "err", err)
	}
}
