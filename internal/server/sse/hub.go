package sse

import (
	"encoding/json"
	"sync"
	"time"

	"balagruha-offline-sync/internal/core/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client struct {
	ID       string
	Messages chan Message
}

// Message ist ein einzelnes SSE-Ereignis
type Message struct {
	Event string
	Data  []byte
}

// RecordEvent beschreibt die Änderung eines Eintrags der Warteschlange
type RecordEvent struct {
	Change    string    `json:"change"`
	ID        uint      `json:"id"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub verwaltet die Menge der aktiven Clients und sendet Broadcasts an sie
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	// Mutex zum Schutz des simultanen Zugriffs auf die Clients-Map
	mu sync.Mutex
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 100), // Puffer für 100 Nachrichten
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// NewClient erstellt einen Client mit gepuffertem Nachrichtenkanal
func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Messages: make(chan Message, 16)}
}

// Run startet die Verarbeitungsschleife des Hubs.
// Dies sollte in einer separaten Goroutine ausgeführt werden
func (h *Hub) Run() {
	log.Info("SSE hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Debugf("SSE client %s registered. Total clients: %d", client.ID, clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Messages)
				log.Debugf("SSE client %s unregistered. Total clients: %d", client.ID, len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Messages <- message:
				default:
					// Client-Kanal ist voll
					log.Warnf("SSE client %s too slow, removing client", client.ID)
					delete(h.clients, client)
					close(client.Messages)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Messages)
			}
			h.mu.Unlock()
			log.Info("SSE hub stopped")
			return
		}
	}
}

// Stop beendet die Verarbeitungsschleife und schließt alle Clients
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register registriert einen neuen Client am Hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		close(client.Messages)
	}
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// ClientCount liefert die Anzahl der verbundenen Clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sendet eine Nachricht an alle registrierten Clients
func (h *Hub) Broadcast(event string, data []byte) {
	// Blockieren vermeiden, wenn der Broadcast-Kanal voll ist
	select {
	case h.broadcast <- Message{Event: event, Data: data}:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastJSON serialisiert v und sendet es als Ereignis
func (h *Hub) BroadcastJSON(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Failed to marshal SSE %s event: %v", event, err)
		return
	}
	h.Broadcast(event, data)
}

// RecordChanged meldet die Änderung eines Eintrags an alle Clients. Das Token
// des Eintrags wird nie gesendet.
func (h *Hub) RecordChanged(change string, req models.OfflineRequest) {
	h.BroadcastJSON("record", RecordEvent{
		Change:    change,
		ID:        req.ID,
		Operation: req.Operation,
		Status:    req.Status,
		Error:     req.Error,
		Timestamp: req.UpdatedAt,
	})
}
