package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"proctorhub/internal/metrics"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	healthTimeout       = 5 * time.Second
	requestTimeout      = 15 * time.Second
)

// Hub is the read-only view of the hub the API needs.
type Hub interface {
	Rooms(ctx context.Context) ([]types.RoomStats, error)
	Members(ctx context.Context, ref types.RoomRef) ([]types.Member, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
	// WebSocket serves GET /ws when set.
	WebSocket http.Handler
}

// Server is the HTTP surface of the hub: health, room inspection, presence
// history, ICE configuration, metrics and the websocket endpoint.
type Server struct {
	hub        Hub
	journal    interfaces.PresenceJournal
	iceServers []webrtc.ICEServer
	router     chi.Router
	logger     *zap.Logger
	started    time.Time
}

func NewServer(hub Hub, journal interfaces.PresenceJournal, opts Options, logger *zap.Logger) *Server {
	if journal == nil {
		journal = interfaces.NopJournal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:        hub,
		journal:    journal,
		iceServers: opts.ICEServers,
		router:     chi.NewRouter(),
		logger:     logger,
		started:    time.Now(),
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout), jsonContent)

		r.Get("/health", s.healthCheck)
		r.Route("/api", func(r chi.Router) {
			r.Get("/rooms", s.listRooms)
			r.Get("/rooms/{kind}/{key}", s.getRoom)
			r.Get("/rooms/{kind}/{key}/presence", s.roomPresence)
			r.Get("/webrtc/ice-servers", s.getICEServers)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Journal     string         `json:"journal"`
	Hub         string         `json:"hub"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type RoomsResponse struct {
	Rooms  []types.RoomStats      `json:"rooms"`
	Totals map[types.RoomKind]int `json:"totals"`
}

type RoomResponse struct {
	Kind    types.RoomKind `json:"kind"`
	Key     string         `json:"key"`
	Members []types.Member `json:"members"`
}

type PresenceResponse struct {
	Kind   types.RoomKind         `json:"kind"`
	Key    string                 `json:"key"`
	Events []*types.PresenceEvent `json:"events"`
}

type ICEServersResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health reports 503 when the journal or the hub loop is unhealthy.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Journal:   "healthy",
		Hub:       "running",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}

	if err := s.journal.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Journal = "error: " + err.Error()
	}
	stats, err := s.hub.Stats(ctx)
	if err != nil {
		resp.Status = "unhealthy"
		resp.Hub = "error: " + err.Error()
	}
	resp.Connections = stats

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.hub.Rooms(r.Context())
	if err != nil {
		s.logger.Warn("room enumeration failed", zap.Error(err))
		s.sendError(w, "Failed to list rooms", http.StatusServiceUnavailable)
		return
	}
	if rooms == nil {
		rooms = []types.RoomStats{}
	}
	totals := map[types.RoomKind]int{
		types.RoomProctoring:      0,
		types.RoomChat:            0,
		types.RoomVideoProctoring: 0,
	}
	for _, room := range rooms {
		totals[room.Kind] += room.Members
	}
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms, Totals: totals})
}

// GET /api/rooms/{kind}/{key}
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.roomRef(w, r)
	if !ok {
		return
	}
	members, err := s.hub.Members(r.Context(), ref)
	if err != nil {
		s.logger.Warn("member enumeration failed", zap.String("room", ref.String()), zap.Error(err))
		s.sendError(w, "Failed to list members", http.StatusServiceUnavailable)
		return
	}
	if len(members) == 0 {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Kind: ref.Kind, Key: ref.Key, Members: members})
}

// GET /api/rooms/{kind}/{key}/presence?limit=N
func (s *Server) roomPresence(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.roomRef(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			s.sendError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.journal.RoomHistory(r.Context(), ref, limit)
	if err != nil {
		s.logger.Error("presence history failed", zap.String("room", ref.String()), zap.Error(err))
		s.sendError(w, "Failed to read presence history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.PresenceEvent{}
	}
	s.writeJSON(w, http.StatusOK, PresenceResponse{Kind: ref.Kind, Key: ref.Key, Events: events})
}

// GET /api/webrtc/ice-servers
func (s *Server) getICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.iceServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	s.writeJSON(w, http.StatusOK, ICEServersResponse{ICEServers: servers})
}

func (s *Server) roomRef(w http.ResponseWriter, r *http.Request) (types.RoomRef, bool) {
	// chi matches against RawPath when it is set, leaving params escaped.
	key := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		var err error
		if key, err = url.PathUnescape(key); err != nil {
			s.sendError(w, "Invalid room key", http.StatusBadRequest)
			return types.RoomRef{}, false
		}
	}
	ref := types.RoomRef{Kind: types.RoomKind(chi.URLParam(r, "kind")), Key: key}
	if err := ref.Validate(); err != nil {
		s.sendError(w, "Unknown room kind or empty key", http.StatusBadRequest)
		return types.RoomRef{}, false
	}
	return ref, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
