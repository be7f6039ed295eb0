package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/pkg/vogo"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsQueueLen   = 64
)

// streamEvent is one message on the websocket stream
type streamEvent struct {
	Type     string               `json:"type"`
	Name     string               `json:"name"`
	Value    any                  `json:"value,omitempty"`
	Schedule []vogo.ScheduleEntry `json:"schedule,omitempty"`
	Time     time.Time            `json:"time"`
}

// hub streams every decoded value and schedule to connected websocket clients.
// Slow clients lose events instead of blocking the engine.
type hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan streamEvent
}

func newHub() *hub {
	return &hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *hub) broadcast(ev streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			log.Warnf("Websocket client %v too slow, event dropped", c.conn.RemoteAddr())
		}
	}
}

func (h *hub) UpdateItem(name string, value any) {
	h.broadcast(streamEvent{Type: "item", Name: name, Value: value, Time: time.Now()})
}

func (h *hub) UpdateSchedule(app string, entries []vogo.ScheduleEntry) {
	h.broadcast(streamEvent{Type: "schedule", Name: app, Schedule: entries, Time: time.Now()})
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan streamEvent, wsQueueLen)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("Websocket client %v connected", conn.RemoteAddr())

	go h.writePump(c)
	h.readPump(c)
}

// readPump only handles control frames and notices when the client goes away
func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Infof("Websocket client %v disconnected", c.conn.RemoteAddr())
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
