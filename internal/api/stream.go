package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clients never send more than control frames
	maxInboundMessage = 512

	StreamMessageQueue = "queue.updated"
)

// StreamMessage is one frame of the queue stream.
type StreamMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Queue     queue.QueueView `json:"queue"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// display boards are served from other origins
		return true
	},
}

// StreamHandler pushes the live queue of one partition to display boards over
// a WebSocket. Every connection is an observer of the shared Synchronizer.
type StreamHandler struct {
	sync *queue.Synchronizer
	loc  *time.Location
	log  zerolog.Logger
}

func NewStreamHandler(sync *queue.Synchronizer, loc *time.Location, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{sync: sync, loc: loc, log: log}
}

func (s *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	date := appointment.Today(s.loc)
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := appointment.ParseServiceDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be in YYYY-MM-DD form")
			return
		}
		date = d
	}
	p := appointment.Partition{Date: date, ProviderID: chi.URLParam(r, "providerID")}

	obs, err := s.sync.Watch(p)
	if err != nil {
		if errors.Is(err, queue.ErrSynchronizerStopped) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		obs.Close()
		return
	}

	log := s.log.With().
		Str("partition", p.String()).
		Str("request_id", GetRequestID(r.Context())).
		Logger()
	log.Debug().Msg("queue stream opened")

	go s.writePump(ws, obs, log)
	go s.readPump(ws, obs)
}

// readPump only services control frames; the connection ends on the first
// read error.
func (s *StreamHandler) readPump(ws *websocket.Conn, obs *queue.Observer) {
	defer func() {
		obs.Close()
		ws.Close()
	}()

	ws.SetReadLimit(maxInboundMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *StreamHandler) writePump(ws *websocket.Conn, obs *queue.Observer, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
		log.Debug().Msg("queue stream closed")
	}()

	for {
		select {
		case view, ok := <-obs.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "queue stream ended"))
				return
			}
			msg := StreamMessage{Type: StreamMessageQueue, Timestamp: time.Now().UTC(), Queue: view}
			if err := ws.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("queue stream write failed")
				obs.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				obs.Close()
				return
			}
		}
	}
}
