package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statsMessage is one periodic push on /ws/stats.
type statsMessage struct {
	Type    string                 `json:"type"`
	At      string                 `json:"at"`
	Active  int                    `json:"active"`
	Devices map[string]deviceStats `json:"devices"`
}

type deviceStats struct {
	FPS           float64 `json:"fps"`
	BandwidthKbps float64 `json:"bandwidthKbps"`
	Frames        uint64  `json:"frames"`
	QueueDrops    uint64  `json:"queueDrops"`
	Gaps          uint64  `json:"gaps"`
}

// handleStatsWS upgrades the connection and pushes aggregate stats until the
// client goes away.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	s.log.Info("stats client connected", "client", clientID, "remote", r.RemoteAddr)

	// Read pump: we never expect client messages, but reading is how we
	// notice the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.log.Info("stats client gone", "client", clientID)
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.buildStats()); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn("stats push failed", "client", clientID, "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) buildStats() statsMessage {
	msg := statsMessage{
		Type:    "stats",
		At:      time.Now().UTC().Format(time.RFC3339),
		Active:  s.frames.ActiveCount(activeWindow),
		Devices: make(map[string]deviceStats),
	}
	for id, snap := range s.frames.RefreshStats() {
		msg.Devices[id] = deviceStats{
			FPS:           snap.FPS,
			BandwidthKbps: snap.BandwidthKbps,
			Frames:        snap.Frames,
			QueueDrops:    snap.QueueDrops,
			Gaps:          snap.Gaps,
		}
	}
	return msg
}
