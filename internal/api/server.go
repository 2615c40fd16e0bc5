// Package api exposes the read-only status surface: device listing, latest
// frames as PNG, and a stats push channel over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/droidmux/droidmux/internal/registry"
	"github.com/droidmux/droidmux/internal/video"
)

// activeWindow is how recent a frame must be for a device to count as
// actively mirroring in the stats push.
const activeWindow = 2 * time.Second

// FrameSource is the slice of the video fanout the API reads from.
type FrameSource interface {
	LatestFrame(hardwareID string, lastSeq uint64) (*video.Frame, bool)
	ActiveCount(window time.Duration) int
	RefreshStats() map[string]video.Snapshot
}

// Server serves the HTTP API.
type Server struct {
	reg    *registry.Registry
	frames FrameSource
	log    *slog.Logger

	statsInterval time.Duration
	server        *http.Server
}

func NewServer(reg *registry.Registry, frames FrameSource, addr string, log *slog.Logger) *Server {
	s := &Server{
		reg:           reg,
		frames:        frames,
		log:           log.With("component", "api"),
		statsInterval: time.Second,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceFrame)
	mux.HandleFunc("/ws/stats", s.handleStatsWS)
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.server.Addr)
	}
	s.log.Info("api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// deviceView is the JSON shape of one registry entity.
type deviceView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Model         string  `json:"model,omitempty"`
	Manufacturer  string  `json:"manufacturer,omitempty"`
	USBSerial     string  `json:"usbSerial,omitempty"`
	AdbID         string  `json:"adbId,omitempty"`
	IP            string  `json:"ip,omitempty"`
	Status        string  `json:"status"`
	AOAState      string  `json:"aoaState"`
	AOAProtocol   int     `json:"aoaProtocol,omitempty"`
	VideoPort     int     `json:"videoPort,omitempty"`
	VideoRoute    string  `json:"videoRoute"`
	ControlRoute  string  `json:"controlRoute"`
	TargetFPS     int     `json:"targetFps,omitempty"`
	IsMain        bool    `json:"isMain"`
	CurrentFPS    float64 `json:"currentFps"`
	BandwidthKbps float64 `json:"bandwidthKbps"`
	LastSeen      string  `json:"lastSeen,omitempty"`
}

func viewOf(e registry.Entity) deviceView {
	v := deviceView{
		ID:            e.HardwareID,
		Name:          e.Name,
		Model:         e.Model,
		Manufacturer:  e.Manufacturer,
		USBSerial:     e.USBSerial,
		AdbID:         e.AdbID,
		IP:            e.IP,
		Status:        e.Status.String(),
		AOAState:      e.AOAState.String(),
		AOAProtocol:   e.AOAProtocol,
		VideoPort:     e.VideoPort,
		VideoRoute:    e.VideoRoute.String(),
		ControlRoute:  e.ControlRoute.String(),
		TargetFPS:     e.TargetFPS,
		IsMain:        e.IsMain,
		CurrentFPS:    e.CurrentFPS,
		BandwidthKbps: e.BandwidthKbps,
	}
	if !e.LastSeen.IsZero() {
		v.LastSeen = e.LastSeen.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entities := s.reg.List()
	views := make([]deviceView, 0, len(entities))
	for _, e := range entities {
		views = append(views, viewOf(e))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"devices": views})
}

// handleDeviceFrame serves GET /api/devices/{id}/frame as PNG.
func (s *Server) handleDeviceFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || action != "frame" || id == "" {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.reg.Snapshot(id); !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	frame, ok := s.frames.LatestFrame(id, 0)
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}

	img := &image.RGBA{
		Pix:    frame.RGBA,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("frame encode failed", "device", id, "error", err)
	}
}
