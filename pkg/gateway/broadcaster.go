package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/hyunwoo/reportd/pkg/events"
)

// wsMessage is the envelope sent to websocket clients.
type wsMessage struct {
	Type      string       `json:"type"`
	Event     events.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster fans session events out to every connected websocket
// client. Clients are read-only observers; a failed write drops the
// client.
type Broadcaster struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

// Add registers a connection and returns its client id.
func (b *Broadcaster) Add(conn *websocket.Conn) string {
	id, _ := gonanoid.New()
	b.mu.Lock()
	b.clients[id] = &wsClient{id: id, conn: conn}
	b.mu.Unlock()

	b.logger.Info().Str("clientId", id).Msg("Websocket client connected")
	return id
}

// Remove drops a client and closes its connection.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	client, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()

	if ok {
		_ = client.conn.Close()
		b.logger.Info().Str("clientId", id).Msg("Websocket client disconnected")
	}
}

// Count reports the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends one event to every client. Write failures evict the
// failing client without affecting the rest.
func (b *Broadcaster) Broadcast(ev events.Event) {
	msg := wsMessage{
		Type:      "event",
		Event:     ev,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to marshal event")
		return
	}

	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(data); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.id).Msg("Failed to broadcast to client")
			b.Remove(client.id)
		}
	}
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*wsClient)
	b.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
	}
}
