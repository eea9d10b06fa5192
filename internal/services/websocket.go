package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pipeflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ActivityMessage is pushed to subscribers whenever an automation log is
// written.
type ActivityMessage struct {
	Type      string                `json:"type"`
	CardID    string                `json:"card_id"`
	Data      *models.AutomationLog `json:"data"`
	Timestamp time.Time             `json:"timestamp"`
}

const activityTypeLog = "automation_log"

type activityClient struct {
	id     string
	cardID string
	conn   *websocket.Conn
	send   chan ActivityMessage
	hub    *ActivityHub
}

// ActivityHub fans automation logs out to websocket subscribers, optionally
// filtered by card.
type ActivityHub struct {
	clients    map[string]*activityClient
	broadcast  chan ActivityMessage
	register   chan *activityClient
	unregister chan *activityClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewActivityHub(logger *logrus.Logger) *ActivityHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActivityHub{
		clients:    make(map[string]*activityClient),
		broadcast:  make(chan ActivityMessage, 256),
		register:   make(chan *activityClient),
		unregister: make(chan *activityClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 同源校验交给网关
			},
		},
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *ActivityHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.WithField("card_id", client.cardID).Debugf("activity client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Debugf("activity client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.cardID != "" && client.cardID != message.CardID {
					continue
				}
				select {
				case client.send <- message:
				default:
					// 慢消费者直接断开
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// PublishLog implements LogPublisher. It never blocks the engine; when the
// broadcast buffer is full the message is dropped.
func (h *ActivityHub) PublishLog(log *models.AutomationLog) {
	msg := ActivityMessage{
		Type:      activityTypeLog,
		CardID:    log.CardID,
		Data:      log,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("card_id", log.CardID).Warn("activity broadcast buffer full, dropping message")
	}
}

// HandleWebSocket upgrades the request. The optional card_id query parameter
// restricts the stream to one card.
func (h *ActivityHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &activityClient{
		id:     uuid.NewString(),
		cardID: c.Query("card_id"),
		conn:   conn,
		send:   make(chan ActivityMessage, 64),
		hub:    h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// GetClientCount 当前订阅数
func (h *ActivityHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump only drains control frames; subscribers never send data.
func (c *activityClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("websocket error: %v", err)
			}
			return
		}
	}
}

func (c *activityClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Warnf("websocket write failed: %v", err)
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
