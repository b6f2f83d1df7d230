package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-dispatch/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// StatsStream pushes FleetStats to dispatch map clients over a websocket. A
// slow client only ever receives the newest value.
type StatsStream struct {
	stats    StatsSource
	log      log.FieldLogger
	upgrader websocket.Upgrader
}

// NewStatsStream creates the websocket handler.
func NewStatsStream(stats StatsSource, logger log.FieldLogger) *StatsStream {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &StatsStream{
		stats: stats,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/stats
func (s *StatsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := make(chan models.FleetStats, 1)
	push := func(st models.FleetStats) {
		select {
		case updates <- st:
			return
		default:
		}
		// Replace the pending value with the newer one.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- st:
		default:
		}
	}
	push(s.stats.Latest())
	remove := s.stats.OnChange(push)
	defer remove()

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, updates, done)
}

// readPump discards client messages and notices when the client goes away.
func (s *StatsStream) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("Stats client read error")
			}
			return
		}
	}
}

func (s *StatsStream) writePump(conn *websocket.Conn, updates <-chan models.FleetStats, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case st := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				s.log.WithError(err).Debug("Stats client write failed")
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
