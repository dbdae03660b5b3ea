// Package api wires the HTTP surface of the chat server: the WebSocket
// endpoint of every room, the client app shell, health, metrics, and room
// presence lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-room/internal/metrics"
	"github.com/whisper/chat-room/internal/presence"
	"github.com/whisper/chat-room/internal/room"
)

// roomIDPattern bounds room ids to URL- and subject-safe tokens.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidRoomID reports whether id can name a room.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Upgrader accepts WebSocket connections for a room.
type Upgrader interface {
	Accept(w http.ResponseWriter, r *http.Request, roomID string)
	ConnectionCount() int
	Uptime() time.Duration
}

// Rooms reports on active rooms.
type Rooms interface {
	ActiveRooms() int
	Stats(roomID string) (room.Stats, error)
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectLimiter throttles WebSocket upgrades per client address.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, addr string) bool
}

// PresenceLookup reads the presence record another server instance
// published for a room.
type PresenceLookup interface {
	Get(ctx context.Context, roomID string) (*presence.Room, error)
}

// Deps are the collaborators of the router. Store, Limiter and Presence may
// be nil.
type Deps struct {
	Logger    zerolog.Logger
	Upgrader  Upgrader
	Rooms     Rooms
	Store     Pinger
	Limiter   ConnectLimiter
	Presence  PresenceLookup
	StaticDir string
}

type handler struct {
	Deps
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.health)

	r.Get("/parties/chat/{room}", h.connect)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			MaxAge:         300,
		}))
		r.Get("/api/rooms/{room}/presence", h.presence)
	})

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(d.StaticDir))))
	r.Get("/", h.newRoom)
	r.Get("/{room}", h.roomPage)

	return r
}

// connect upgrades the request into a connection of the room in the path.
func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if !ValidRoomID(roomID) {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	if h.Limiter != nil && !h.Limiter.AllowConnect(r.Context(), clientIP(r)) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	h.Upgrader.Accept(w, r, roomID)
}

// newRoom sends the browser to a fresh room.
func (h *handler) newRoom(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/"+uuid.NewString(), http.StatusFound)
}

// roomPage serves the client app shell for any valid room id.
func (h *handler) roomPage(w http.ResponseWriter, r *http.Request) {
	if !ValidRoomID(chi.URLParam(r, "room")) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.StaticDir, "index.html"))
}

func (h *handler) presence(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if !ValidRoomID(roomID) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid room id"})
		return
	}

	st, err := h.Rooms.Stats(roomID)
	if errors.Is(err, room.ErrNotJoined) {
		h.remotePresence(w, r, roomID)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "room unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RemotePresence is the presence of a room held by another server instance.
// Its message count is not known here.
type RemotePresence struct {
	Room      string `json:"room"`
	Online    int    `json:"online"`
	Server    string `json:"server"`
	UpdatedAt int64  `json:"updatedAt"`
}

// remotePresence answers for a room that is not active in this process from
// the mirrored presence records.
func (h *handler) remotePresence(w http.ResponseWriter, r *http.Request, roomID string) {
	if h.Presence == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "room not active"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rec, err := h.Presence.Get(ctx, roomID)
	if err != nil {
		h.Logger.Warn().Err(err).Str("room", roomID).Msg("presence lookup failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "presence unavailable"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "room not active"})
		return
	}
	writeJSON(w, http.StatusOK, RemotePresence{
		Room:      rec.Room,
		Online:    rec.Online,
		Server:    rec.Server,
		UpdatedAt: rec.UpdatedAt,
	})
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status      string `json:"status"` // "ok" or "degraded"
	Connections int    `json:"connections"`
	ActiveRooms int    `json:"activeRooms"`
	Store       string `json:"store"`
	Uptime      string `json:"uptime"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Connections: h.Upgrader.ConnectionCount(),
		ActiveRooms: h.Rooms.ActiveRooms(),
		Store:       "pass",
		Uptime:      h.Upgrader.Uptime().Round(time.Second).String(),
	}

	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.Logger.Warn().Err(err).Msg("store health check failed")
			resp.Status = "degraded"
			resp.Store = "fail"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP returns the host part of the remote address, which RealIP has
// already replaced with the forwarded client address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
