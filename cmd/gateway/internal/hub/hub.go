package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Hub fans rate updates from the store out to websocket clients. One upstream
// channel subscription is held per rate name while at least one client wants it.
type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool

	store    repository.RateStore
	logger   *zap.Logger
	mu       sync.RWMutex
	refCount map[string]int
}

// NewHub starts relaying store updates until ctx is cancelled
func NewHub(ctx context.Context, store repository.RateStore, logger *zap.Logger) *Hub {
	h := &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		store:       store,
		logger:      logger,
		refCount:    make(map[string]int),
	}

	go h.store.RunPubSub(ctx, h.Broadcast)

	return h
}

// RateSet is the set of rate names a gateway serves. Names are case
// sensitive: "eurusd" and "EURUSD" are different rates.
type RateSet map[string]bool

func NewRateSet(names []string) RateSet {
	set := make(RateSet, len(names))
	for _, name := range normalizeRates(names) {
		set[name] = true
	}
	return set
}

// normalizeRates trims surrounding blanks and drops empty and repeated names.
// Case is left alone.
func normalizeRates(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest, validRates RateSet) {
	req.Payload.Rates = normalizeRates(req.Payload.Rates)

	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req, validRates)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest, validRates RateSet) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var valid, unknown []string
	for _, name := range req.Payload.Rates {
		if !validRates[name] {
			unknown = append(unknown, name)
			continue
		}
		// already subscribed
		if h.clientSubs[client] != nil && h.clientSubs[client][name] {
			continue
		}
		valid = append(valid, name)
	}

	if len(valid) == 0 {
		if len(unknown) > 0 {
			h.sendError(client, req.ID, fmt.Sprintf("Unknown rates: %v", unknown))
		} else {
			h.sendError(client, req.ID, "No valid/new rates provided")
		}
		return
	}
	if len(unknown) > 0 {
		h.logger.Debug("Ignoring unknown rates", zap.String("client", client.ID()), zap.Strings("rates", unknown))
	}

	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}

	for _, name := range valid {
		h.clientSubs[client][name] = true
		if h.subscribers[name] == nil {
			h.subscribers[name] = make(map[ClientInterface]bool)
		}
		h.subscribers[name][client] = true

		h.refCount[name]++
		if h.refCount[name] == 1 {
			if err := h.store.SubscribeToFeed(context.Background(), name); err != nil {
				h.logger.Error("Failed to subscribe upstream", zap.String("rate", name), zap.Error(err))
			}
		}
	}

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Subscribed to %v", valid))

	// snapshots are fetched outside the lock
	go func(targets []string) {
		snapshots, err := h.store.GetSnapshots(context.Background(), targets)
		if err != nil {
			h.logger.Warn("Snapshot lookup failed", zap.Strings("rates", targets), zap.Error(err))
		}
		for _, snap := range snapshots {
			if snap.Record != "" {
				client.SendBytes([]byte(snap.Record))
			}
			if snap.State == models.StateError {
				client.SendJSON(protocol.WSResponse{Type: "status", Rate: snap.RateName, Status: snap.State.String(), Message: snap.Err})
			}
		}
	}(valid)
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, name := range req.Payload.Rates {
			if subs[name] {
				delete(subs, name)
				delete(h.subscribers[name], client)
				removed = append(removed, name)
				h.decreaseRefCount(name)
			}
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, "success", fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Rates))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for name := range subs {
			delete(h.subscribers[name], client)
			h.decreaseRefCount(name)
		}
		h.clientSubs[client] = make(map[string]bool)
	}
	h.sendAck(client, req.ID, "success", "Unsubscribed from all rates")
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for name := range subs {
			delete(h.subscribers[name], client)
			h.decreaseRefCount(name)
		}
		delete(h.clientSubs, client)
	}
	client.Close()
}

// Broadcast delivers one wire record to every client watching rateName
func (h *Hub) Broadcast(rateName string, payload string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if clients, ok := h.subscribers[rateName]; ok {
		msgBytes := []byte(payload)
		for client := range clients {
			client.SendBytes(msgBytes)
		}
	}
}

func (h *Hub) decreaseRefCount(rateName string) {
	h.refCount[rateName]--
	if h.refCount[rateName] <= 0 {
		if err := h.store.UnsubscribeFromFeed(context.Background(), rateName); err != nil {
			h.logger.Error("Failed to unsubscribe upstream", zap.String("rate", rateName), zap.Error(err))
		}
		delete(h.refCount, rateName)
		delete(h.subscribers, rateName)
	}
}

func (h *Hub) sendAck(c ClientInterface, id, status, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "ack", ID: id, Status: status, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "error", ID: id, Message: msg})
}
