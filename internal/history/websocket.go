package history

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// StreamHandler streams live interactions over WebSocket. The projectId,
// environmentId and ruleId query parameters narrow the stream.
type StreamHandler struct {
	store    *Store
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(store *Store, log *logrus.Entry) *StreamHandler {
	return &StreamHandler{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.OrDiscard(log, "history"),
	}
}

// ServeHTTP upgrades the connection and pushes interactions until the
// client goes away
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.InteractionFilter{
		ProjectID:     q.Get("projectId"),
		EnvironmentID: q.Get("environmentId"),
		RuleID:        q.Get("ruleId"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	subID, interactions := h.store.Subscribe()
	defer h.store.Unsubscribe(subID)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// the read loop only exists to notice the close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case interaction, ok := <-interactions:
			if !ok {
				return
			}
			if !Matches(filter, interaction) {
				continue
			}

			data, err := json.Marshal(interaction)
			if err != nil {
				h.log.WithError(err).Error("Failed to marshal interaction")
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.WithError(err).Debug("Stream client went away")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
