package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorum-lab/votebench/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin or non-browser client.
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		// Local dashboards during development.
		if originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1" {
			return true
		}
		return false
	},
}

// broadcastInterval is how often connected clients receive a snapshot.
const broadcastInterval = 200 * time.Millisecond

// WebSocketServer streams run snapshots to connected clients.
type WebSocketServer struct {
	status StatusSource
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	done chan struct{}
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(status StatusSource, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		status:  status,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		done:    make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("websocket client connected", "totalClients", total)

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()

			ws.logger.Debug("websocket client disconnected", "totalClients", total)
		}()

		// Drain the client side, mainly for ping/pong and close frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("websocket read error", "error", err)
				}
				break
			}
		}
	}
}

// Start begins the snapshot broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections.
func (ws *WebSocketServer) Stop() {
	close(ws.done)

	ws.clientsMu.Lock()
	for conn := range ws.clients {
		conn.Close()
	}
	ws.clients = make(map[*websocket.Conn]bool)
	ws.clientsMu.Unlock()
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			snap := ws.status.Snapshot()
			// Idle means no run has started yet; there is nothing to stream.
			// Completed and error snapshots keep flowing so dashboards hold
			// the final numbers.
			if snap.Status != types.StatusIdle || snap.Submitted > 0 {
				ws.broadcastSnapshot(snap)
			}
		}
	}
}

func (ws *WebSocketServer) broadcastSnapshot(snap types.RunSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		ws.logger.Error("snapshot marshal failed", "error", err)
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()

	for conn := range ws.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop cleans the connection up.
			ws.logger.Debug("websocket write failed", "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
