package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/tasks"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeTaskChanged indicates a task was created, updated, or deleted
	MessageTypeTaskChanged MessageType = "task_changed"
)

// Message is one change feed frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Feed fans task changes out to connected websocket clients so they know
// to sync. It carries no task data beyond the id and version; clients pull
// the records through the sync endpoint.
//
// Feed implements tasks.Notifier.
type Feed struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewFeed creates a Feed and starts its broadcast loop. Call Close to stop it.
func NewFeed(logger logrus.FieldLogger, m *metrics.Metrics) *Feed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithField("component", "feed"),
		metrics:   m,
	}

	f.wg.Add(1)
	go f.broadcastLoop()
	return f
}

// TaskChanged queues a task_changed message. It never blocks: when the
// queue is full the message is dropped.
func (f *Feed) TaskChanged(_ context.Context, c tasks.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		f.logger.WithError(err).Error("failed to marshal change")
		return
	}
	f.Broadcast(Message{Type: MessageTypeTaskChanged, Timestamp: time.Now().UTC(), Data: data})
}

// Broadcast sends a message to all connected clients
func (f *Feed) Broadcast(msg Message) {
	select {
	case f.broadcast <- msg:
	case <-f.ctx.Done():
		return
	default:
		f.logger.Warn("broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (f *Feed) broadcastLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return

		case msg := <-f.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				f.logger.WithError(err).Error("failed to marshal message")
				continue
			}

			f.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				clients = append(clients, conn)
			}
			f.clientsMu.RUnlock()

			// Send outside the read lock so a slow client cannot stall accepts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					f.logger.WithError(err).Debug("failed to send to client")
					f.removeClient(conn)
				}
			}
			if f.metrics != nil {
				f.metrics.FeedBroadcast.Inc()
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The feed outlives the server's read/write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		f.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	f.clientsMu.Lock()
	if f.ctx.Err() != nil {
		f.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	f.clients[conn] = true
	clientCount := len(f.clients)
	f.clientsMu.Unlock()

	if f.metrics != nil {
		f.metrics.FeedClients.Inc()
	}
	f.logger.WithField("clients", clientCount).Info("client connected")

	f.wg.Add(1)
	go f.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	defer f.removeClient(conn)

	for {
		// Client messages are ignored
		if _, _, err := conn.Read(f.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	if _, exists := f.clients[conn]; !exists {
		f.clientsMu.Unlock()
		return
	}
	delete(f.clients, conn)
	clientCount := len(f.clients)
	f.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	if f.metrics != nil {
		f.metrics.FeedClients.Dec()
	}
	f.logger.WithField("clients", clientCount).Info("client disconnected")
}

// ClientCount returns the current number of connected clients
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and stops the broadcast loop.
func (f *Feed) Close() {
	f.cancel()

	f.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		conns = append(conns, conn)
	}
	f.clientsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	f.wg.Wait()
}
