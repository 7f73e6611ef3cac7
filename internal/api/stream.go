package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// upgrader mirrors the teacher's gateway upgrader — permissive CheckOrigin
// because this stream sits behind the admin JWT gate, not browser CORS.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailClient is one connected operator watching the decision stream.
type tailClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Broadcaster fans out every decision to connected /admin/stream clients.
// A slow or gone client never blocks scoring: sends are non-blocking and
// drop for that client if its buffer is full.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*tailClient]struct{}
	bufSize int
}

// NewBroadcaster creates a Broadcaster whose per-client send buffer holds
// bufSize queued messages before newer ones are dropped for that client.
func NewBroadcaster(bufSize int) *Broadcaster {
	return &Broadcaster{clients: make(map[*tailClient]struct{}), bufSize: bufSize}
}

// Publish sends d to every currently connected client.
func (b *Broadcaster) Publish(d domain.Decision) {
	payload, err := json.Marshal(d)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client.send <- payload:
		default:
		}
	}
}

// HandleUpgrade upgrades an HTTP request to a websocket stream and runs it
// until the client disconnects.
func (b *Broadcaster) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &tailClient{
		conn: conn,
		send: make(chan []byte, b.bufSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writePump(client)
	b.readPump(client)
}

func (b *Broadcaster) readPump(client *tailClient) {
	defer b.drop(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
		// The stream is read-only from the operator's side; any inbound
		// message just keeps the connection alive.
	}
}

func (b *Broadcaster) writePump(client *tailClient) {
	for {
		select {
		case msg := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("api: stream write failed, dropping client: %v", err)
				b.drop(client)
				return
			}
		case <-client.done:
			return
		}
	}
}

func (b *Broadcaster) drop(client *tailClient) {
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.done)
		client.conn.Close()
	}
	b.mu.Unlock()
}
