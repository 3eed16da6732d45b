package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	hubBacklog       = 64
)

var errHubClosed = errors.New("stream hub closed")

// StreamHub pushes domain events to connected dashboards. It is a streaming.Publisher,
// so it sits in the event fanout next to the broker sinks.
// Only the Run goroutine writes data frames to connections.
type StreamHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewStreamHub(logger *slog.Logger) *StreamHub {
	return &StreamHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan []byte, hubBacklog),
		done:       make(chan struct{}),
		logger:     observability.OrDiscard(logger).With("component", "stream_hub"),
	}
}

// Run starts the hub's main loop.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("dashboard connection rejected", "max", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedDashboards.Set(float64(n))
			h.logger.Debug("dashboard connected", "clients", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.events:
			h.writeAll(msg)
		}
	}
}

func (h *StreamHub) writeAll(msg []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("dashboard write failed", "error", err)
			h.drop(conn)
		}
	}
}

func (h *StreamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.ConnectedDashboards.Set(float64(n))
}

func (h *StreamHub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("shutting down stream hub", "clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.ConnectedDashboards.Set(0)
}

// Publish queues ev for every connected dashboard.
func (h *StreamHub) Publish(ctx context.Context, ev streaming.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.events <- msg:
		return nil
	case <-h.done:
		return errHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is a no-op; the hub stops with the context passed to Run.
func (h *StreamHub) Close() error { return nil }

// Register adds a new client connection.
func (h *StreamHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *StreamHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
