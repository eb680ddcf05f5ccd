package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// WebSocket upgrader with default settings
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (can be restricted in production)
		return true
	},
}

// FeedManager tracks active change feed connections so shutdown can close
// them all.
type FeedManager struct {
	mu          sync.RWMutex
	connections map[string]*feedConnection
}

type feedConnection struct {
	id     string
	conn   *websocket.Conn
	stream *store.ChangeStream
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewFeedManager creates a new feed manager.
func NewFeedManager() *FeedManager {
	return &FeedManager{connections: make(map[string]*feedConnection)}
}

// Close closes all active feed connections.
func (m *FeedManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.connections {
		conn.close()
	}
	m.connections = make(map[string]*feedConnection)
	return nil
}

func (m *FeedManager) add(conn *feedConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.id] = conn
}

func (m *FeedManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
}

func (c *feedConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ChangeFeed handles GET /changes/stream WebSocket connections.
func (h *Handlers) ChangeFeed(manager *FeedManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("Failed to upgrade change feed connection")
			return
		}

		connID := fmt.Sprintf("ws-%d", time.Now().UnixNano())
		ctx, cancel := context.WithCancel(context.Background())

		wsConn := &feedConnection{id: connID, conn: conn, cancel: cancel}
		manager.add(wsConn)
		defer func() {
			manager.remove(connID)
			wsConn.close()
		}()

		var req region.FeedRequest
		if err := conn.ReadJSON(&req); err != nil {
			sendFeedError(wsConn, fmt.Sprintf("failed to read subscribe request: %v", err))
			return
		}

		options := store.DefaultChangeStreamOptions()
		if req.ResumeAfter != nil {
			options.ResumeAfter = req.ResumeAfter
		}
		if req.FullDocument == string(store.FullDocumentUpdateLookup) {
			options.FullDocument = store.FullDocumentUpdateLookup
		}

		stream := h.participant.Store().Watch(options)
		wsConn.mu.Lock()
		wsConn.stream = stream
		wsConn.mu.Unlock()

		ack := region.FeedResponse{Type: "connected", Message: "change feed connected"}
		wsConn.mu.Lock()
		err = conn.WriteJSON(ack)
		wsConn.mu.Unlock()
		if err != nil {
			return
		}

		// Heartbeats keep idle connections alive through proxies.
		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-heartbeat.C:
					wsConn.mu.Lock()
					err := conn.WriteJSON(region.FeedResponse{Type: "heartbeat", Message: "keepalive"})
					wsConn.mu.Unlock()
					if err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Detect client disconnects.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for {
			event, err := stream.Next(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, store.ErrResumeLost) {
					sendFeedError(wsConn, region.FeedErrResumeLost)
					return
				}
				sendFeedError(wsConn, fmt.Sprintf("stream error: %v", err))
				return
			}

			wsConn.mu.Lock()
			err = conn.WriteJSON(region.FeedResponse{Type: "event", Event: event})
			wsConn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func sendFeedError(c *feedConnection, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteJSON(region.FeedResponse{Type: "error", Error: message})
}
