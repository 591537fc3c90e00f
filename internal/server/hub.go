package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The service runs on a private field network (the Pi's own AP or
		// a camp LAN); browsers on it are trusted.
		return true
	},
}

// Client is one connected WebSocket client. It satisfies
// timesync.TimeClient so the hub can double as the time-sync client
// directory.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	id    string
	addr  string
	iface string
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Address returns the client's remote IP.
func (c *Client) Address() string { return c.addr }

// Interface reports which network the client arrived on: "ap" for the
// Pi's own access point subnet, "wlan" otherwise.
func (c *Client) Interface() string { return c.iface }

// RequestTime asks the client's browser for its current time.
func (c *Client) RequestTime(requestID string) error {
	return c.sendJSON(map[string]any{
		"type":      "time-sync-request",
		"timestamp": time.Now(),
		"requestId": requestID,
	})
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
		// Buffer full; the write pump is stuck and the read deadline will
		// reap the connection.
	}
	return nil
}

func (c *Client) sendError(err error) {
	_ = c.sendJSON(errorEnvelope{
		Type:      "error",
		Timestamp: time.Now(),
		Error:     errorBody(err),
	})
}

// Hub maintains the set of active clients and broadcasts messages. It is
// also the timesync.ClientDirectory.
type Hub struct {
	clients    map[*Client]bool
	byID       map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger

	apNet *net.IPNet

	// welcome builds the snapshot sent to a client right after the
	// upgrade, before any broadcast reaches it.
	welcome func(clientID string) any
	// handler dispatches inbound client messages.
	handler func(c *Client, data []byte)
	// onConnect and onDisconnect run on the hub goroutine.
	onConnect    func(c *Client)
	onDisconnect func(c *Client)
}

var _ timesync.ClientDirectory = (*Hub)(nil)

// NewHub creates a WebSocket hub. apCIDR is the access-point subnet used
// to classify client interfaces; an unparsable CIDR classifies everyone
// as wlan.
func NewHub(apCIDR string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
	if _, apNet, err := net.ParseCIDR(apCIDR); err == nil {
		h.apNet = apNet
	} else {
		h.logger.Warn("Invalid AP CIDR; all clients will classify as wlan", "cidr", apCIDR)
	}
	return h
}

// SetWelcome installs the welcome snapshot provider.
func (h *Hub) SetWelcome(fn func(clientID string) any) { h.welcome = fn }

// SetHandler installs the inbound message dispatcher.
func (h *Hub) SetHandler(fn func(c *Client, data []byte)) { h.handler = fn }

// SetConnectionHooks installs connect/disconnect callbacks.
func (h *Hub) SetConnectionHooks(onConnect, onDisconnect func(c *Client)) {
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

func (h *Hub) classify(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && h.apNet != nil && h.apNet.Contains(ip) {
		return timesync.InterfaceAP
	}
	return timesync.InterfaceWLAN
}

// Run dispatches registrations, departures, and broadcasts for the life
// of the process. CloseAll disconnects clients but leaves the loop
// running.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byID[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client connected",
				"client", client.id, "address", client.addr,
				"interface", client.iface, "total_clients", total)
			if h.welcome != nil {
				_ = client.sendJSON(h.welcome(client.id))
			}
			if h.onConnect != nil {
				h.onConnect(client)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				delete(h.byID, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.logger.Info("Client disconnected",
					"client", client.id, "total_clients", total)
				if h.onDisconnect != nil {
					h.onDisconnect(client)
				}
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Client buffer full, dropping message", "client", client.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a JSON message to every connected client.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw sends pre-marshalled bytes to every connected client.
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client looks up a connected client by id.
func (h *Hub) Client(id string) (timesync.TimeClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[id]
	return c, ok
}

// ClientsOn returns the connected clients on the given interface.
func (h *Hub) ClientsOn(iface string) []timesync.TimeClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []timesync.TimeClient
	for c := range h.clients {
		if c.iface == iface {
			out = append(out, c)
		}
	}
	return out
}

// CountsByInterface reports connected client counts keyed by interface.
func (h *Hub) CountsByInterface() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, 2)
	for c := range h.clients {
		counts[c.iface]++
	}
	return counts
}

// CloseAll sends a normal closure frame to every client. Used during
// shutdown so browsers do not treat the exit as an error.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deadline := time.Now().Add(time.Second)
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
			deadline)
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		id:    uuid.NewString(),
		addr:  addr,
		iface: h.classify(r.RemoteAddr),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Error("WebSocket read error", "client", c.id, "error", err)
			}
			break
		}
		if c.hub.handler != nil {
			c.hub.handler(c, message)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch pending messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
