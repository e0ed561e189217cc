package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/activity"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
)

// Hub owns every live connection, the activity-stream fan-out, and the
// per-principal/per-agent terminal concurrency caps from spec.md §6.
type Hub struct {
	clients      map[*Client]bool
	activitySubs map[string]map[*Client]bool // agent name, or "all" -> subscribers

	register   chan *Client
	unregister chan *Client

	activities *activity.Stream
	matrix     *accessmatrix.Matrix
	lifecycle  *lifecycle.Manager
	engine     containerengine.Engine

	terminalMu    sync.Mutex
	terminalSlots map[string]*Client // "<userID>|<agentName>" -> holder

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub wires the collaborators the gateway needs: the Activity Stream
// to subscribe against, the Access Matrix to filter deliveries and gate
// terminal opens, and the Lifecycle Manager/Container Engine pair a
// terminal session attaches through.
func NewHub(activities *activity.Stream, matrix *accessmatrix.Matrix, lifecycleMgr *lifecycle.Manager, engine containerengine.Engine, log *logger.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		activitySubs:  make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		activities:    activities,
		matrix:        matrix,
		lifecycle:     lifecycleMgr,
		engine:        engine,
		terminalSlots: make(map[string]*Client),
		logger:        log.WithFields(zap.String("component", "gateway_hub")),
	}
}

// Run drives client registration and activity fan-out until ctx is
// cancelled. It owns the single process-wide subscription onto the
// Activity Stream; per-client visibility is applied at delivery time so
// a principal never receives an event for an agent it cannot see.
func (h *Hub) Run(ctx context.Context) {
	sub := h.activities.Subscribe(activity.Filter{})
	defer sub.Close()

	h.logger.Info("gateway hub started")
	defer h.logger.Info("gateway hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)

		case a, ok := <-sub.Events:
			if !ok {
				return
			}
			h.fanOutActivity(ctx, a)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.activitySubs = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		for topic := range client.subscriptions {
			if subs, ok := h.activitySubs[topic]; ok {
				delete(subs, client)
				if len(subs) == 0 {
					delete(h.activitySubs, topic)
				}
			}
		}
		client.closeSend()
	}
	h.mu.Unlock()
	h.releaseAllTerminalSlots(client)
}

// fanOutActivity delivers a to every client subscribed to its agent (or
// "all"), after an independent Access Matrix check per client: two
// clients subscribed to the same topic can have different visibility.
func (h *Hub) fanOutActivity(ctx context.Context, a domain.Activity) {
	h.mu.RLock()
	candidates := make(map[*Client]bool)
	for c := range h.activitySubs[a.AgentName] {
		candidates[c] = true
	}
	for c := range h.activitySubs["all"] {
		candidates[c] = true
	}
	h.mu.RUnlock()
	if len(candidates) == 0 {
		return
	}

	msg := NewNotification(ActionActivityEvent, a)
	for client := range candidates {
		if err := h.matrix.Check(ctx, client.principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: a.AgentName}); err != nil {
			continue
		}
		client.sendMessage(msg)
	}
}

// Register adds a client to the hub's registry.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub's registry.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Subscribe adds client to the subscriber set for topic ("all" or an
// agent name).
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.activitySubs[topic]; !ok {
		h.activitySubs[topic] = make(map[*Client]bool)
	}
	h.activitySubs[topic][client] = true
	client.subscriptions[topic] = true
}

// Unsubscribe removes client from topic's subscriber set.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, topic)
	if subs, ok := h.activitySubs[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.activitySubs, topic)
		}
	}
}

func terminalSlotKey(userID, agentName string) string { return userID + "|" + agentName }

// acquireTerminalSlot enforces "at most one session per principal per
// agent" (spec.md §6). It returns false if the slot is already held.
func (h *Hub) acquireTerminalSlot(principal httpmw.Principal, agentName string, client *Client) bool {
	h.terminalMu.Lock()
	defer h.terminalMu.Unlock()
	key := terminalSlotKey(principal.UserID, agentName)
	if _, held := h.terminalSlots[key]; held {
		return false
	}
	h.terminalSlots[key] = client
	return true
}

func (h *Hub) releaseTerminalSlot(principal httpmw.Principal, agentName string) {
	h.terminalMu.Lock()
	defer h.terminalMu.Unlock()
	delete(h.terminalSlots, terminalSlotKey(principal.UserID, agentName))
}

func (h *Hub) releaseAllTerminalSlots(client *Client) {
	h.terminalMu.Lock()
	defer h.terminalMu.Unlock()
	for key, holder := range h.terminalSlots {
		if holder == client {
			delete(h.terminalSlots, key)
		}
	}
}

// ClientCount returns the number of currently registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
