package push

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/metrics"
	"github.com/agentease/streamrelay/internal/model"
)

// Config holds configuration for the hub.
type Config struct {
	QueueSize int
	Heartbeat time.Duration
}

// Hub keeps the set of live push connections of every owner and routes
// events to them.
type Hub struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	owners map[string]map[*Connection]struct{}
	closed bool
	onIdle func(ownerID string)
}

// NewHub creates a new Hub.
func NewHub(cfg Config, log *logger.Logger, m *metrics.Metrics) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Hub{
		cfg:     cfg,
		log:     log,
		metrics: m,
		owners:  make(map[string]map[*Connection]struct{}),
	}
}

// OnOwnerIdle sets the callback fired when an owner's last connection is
// unsubscribed.
func (h *Hub) OnOwnerIdle(callback func(ownerID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onIdle = callback
}

// Subscribe registers a sink for the owner and queues the connected
// acknowledgement as its first frame.
func (h *Hub) Subscribe(ownerID string, sink Sink) (*Connection, error) {
	conn := newConnection(ownerID, sink, h.cfg.QueueSize, h.cfg.Heartbeat)

	ack := model.NewEvent(model.EventTypeConnected, "")
	ack.UserID = ownerID
	frame, err := json.Marshal(ack)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(frame); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, model.ErrConnectionClosed
	}
	set, ok := h.owners[ownerID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.owners[ownerID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	go conn.writeLoop()

	h.metrics.PushConnections.Inc()
	h.log.WithUserID(ownerID).Info("Push connection opened",
		zap.String("connection_id", conn.ID),
	)
	return conn, nil
}

// Unsubscribe removes exactly this connection from the owner's set and closes
// it. Removing a connection that is not registered is a no-op.
func (h *Hub) Unsubscribe(ownerID string, conn *Connection) bool {
	h.mu.Lock()
	set, ok := h.owners[ownerID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := set[conn]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(set, conn)
	idle := len(set) == 0
	if idle {
		delete(h.owners, ownerID)
	}
	onIdle := h.onIdle
	h.mu.Unlock()

	conn.Close()
	h.metrics.PushConnections.Dec()
	h.log.WithUserID(ownerID).Info("Push connection closed",
		zap.String("connection_id", conn.ID),
		zap.Bool("owner_idle", idle),
	)

	if idle && onIdle != nil {
		onIdle(ownerID)
	}
	return true
}

// Broadcast serializes the event once and queues it on every open connection
// of the owner. A connection that cannot take the frame is skipped and stays
// registered. It returns the number of connections the frame was queued on.
func (h *Hub) Broadcast(ownerID string, event *model.Event) int {
	frame, err := json.Marshal(event)
	if err != nil {
		h.log.WithUserID(ownerID).Error("Failed to marshal event", zap.Error(err), zap.String("type", string(event.Type)))
		return 0
	}

	h.mu.RLock()
	set := h.owners[ownerID]
	conns := make([]*Connection, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(frame); err != nil {
			h.metrics.BroadcastFailures.Inc()
			h.log.WithUserID(ownerID).Warn("Failed to queue event on push connection",
				zap.String("connection_id", conn.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	h.metrics.BroadcastFrames.Add(float64(delivered))
	return delivered
}

// CloseOwner removes and closes every connection of the owner. Queued frames
// are still delivered. The idle callback is not fired.
func (h *Hub) CloseOwner(ownerID string) int {
	h.mu.Lock()
	set := h.owners[ownerID]
	delete(h.owners, ownerID)
	h.mu.Unlock()

	for conn := range set {
		conn.Close()
	}
	h.metrics.PushConnections.Sub(float64(len(set)))
	if len(set) > 0 {
		h.log.WithUserID(ownerID).Info("Closed push connections of owner", zap.Int("count", len(set)))
	}
	return len(set)
}

// ConnectionCount returns the number of open connections of the owner.
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}

// OwnerCount returns the number of owners with at least one connection.
func (h *Hub) OwnerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners)
}

// Close closes every connection and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	owners := h.owners
	h.owners = make(map[string]map[*Connection]struct{})
	h.closed = true
	h.mu.Unlock()

	total := 0
	for _, set := range owners {
		for conn := range set {
			conn.Close()
			total++
		}
	}
	h.metrics.PushConnections.Sub(float64(total))
}
