package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames.
	maxMessageSize = 4 * 1024

	// Batches buffered per subscriber before it is dropped as too slow.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Peers connect from anywhere, requests carry no cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscribe streams every batch stored below a room as a JSON text frame.
// includeDeleted=1 also streams deletions. The storage subscription is in
// place before the upgrade completes.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")
	includeDeleted := r.URL.Query().Get("includeDeleted") != ""

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	overflow := make(chan struct{})
	var once sync.Once

	sub, err := h.storage.Subscribe(r.Context(), root, 1, includeDeleted, func(batch models.Batch) {
		data, err := json.Marshal(batch)
		if err != nil {
			return
		}
		select {
		case send <- data:
		case <-done:
		default:
			once.Do(func() {
				h.logger.Warn().Str("root", root).Msg("Subscriber too slow, dropping")
				close(overflow)
			})
		}
	})
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	h.logger.Debug().Str("root", root).Str("subscription_id", sub.ID()).Msg("Subscriber connected")

	go writePump(conn, send, done, overflow)
	readPump(conn)

	close(done)
	h.logger.Debug().Str("subscription_id", sub.ID()).Msg("Subscriber disconnected")
}

// readPump consumes control frames until the connection fails.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes batches and pings until done or overflow is closed or a
// write fails.
func writePump(conn *websocket.Conn, send <-chan []byte, done, overflow <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-overflow:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"))
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
