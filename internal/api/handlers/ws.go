package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"talkgen/internal/core"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 * 1024
)

// WSHandler bridges the notification hub onto WebSocket observers. Each
// connection gets a baseline snapshot on connect and then the live event
// stream; a connection that cannot keep up has events dropped by the hub and
// is eventually closed on write failure.
type WSHandler struct {
	queue *core.Queue
	hub   *core.Hub

	upgrader websocket.Upgrader
}

func NewWSHandler(queue *core.Queue, hub *core.Hub) *WSHandler {
	return &WSHandler{
		queue: queue,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	// gorilla allows one concurrent writer; pongs from the read loop and
	// events from the hub share this mutex.
	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	if err := h.sendBaseline(send); err != nil {
		return
	}

	done := make(chan struct{})
	go h.readLoop(conn, send, done)

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := send(event); err != nil {
				return
			}
		}
	}
}

// sendBaseline establishes a consistent starting view: current queue stats
// plus the state of every non-terminal job, synthesized from the registry.
// Events published before the subscription are never replayed.
func (h *WSHandler) sendBaseline(send func(interface{}) error) error {
	if err := send(core.Event{
		Type:      core.EventQueueUpdate,
		Timestamp: time.Now().UTC(),
		Data:      h.queue.Stats(),
	}); err != nil {
		return err
	}

	for _, job := range h.queue.List() {
		if job.Status.IsTerminal() {
			continue
		}
		if err := send(core.Event{
			Type:      core.EventStatusUpdate,
			Timestamp: time.Now().UTC(),
			Data: core.StatusUpdateData{
				JobID:   job.ID,
				Status:  job.Status,
				Message: job.ProgressMessage,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// readLoop consumes client messages, echoing each back as a pong heartbeat,
// and signals done when the peer goes away.
func (h *WSHandler) readLoop(conn *websocket.Conn, send func(interface{}) error, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(readLimit)
	// The server's read deadline survives the hijack; clear it so idle
	// connections stay open.
	conn.SetReadDeadline(time.Time{})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := send(gin.H{"type": "pong", "data": string(message)}); err != nil {
			return
		}
	}
}
