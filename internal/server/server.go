// Package server is the in-memory room service: gin REST routes for
// accounts, rooms and chat history, plus the websocket endpoint the event
// channel dials. It backs local development and the integration tests;
// nothing survives a restart.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

const tracerName = "homeroom/server"

// Config tunes a Server. Zero values get sane development defaults.
type Config struct {
	// JWTSecret signs session tokens. Never ship the default.
	JWTSecret string
	// TokenTTL is how long a minted session token stays valid.
	TokenTTL time.Duration
	// HistoryLimit caps the retained chat backlog per room.
	HistoryLimit int
	Logger       *slog.Logger
}

// Server wires the hub to HTTP.
type Server struct {
	cfg    Config
	log    *slog.Logger
	hub    *Hub
	router *gin.Engine
}

// New builds a ready-to-serve Server.
func New(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "homeroom-dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		hub: NewHub(cfg.Logger, cfg.HistoryLimit),
	}
	s.router = gin.New()
	s.registerRoutes()
	return s
}

// Handler exposes the router for an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/api/health", s.handleHealth)
	r.POST("/api/auth/register", s.handleRegister)
	r.POST("/api/auth/login", s.handleLogin)
	r.GET("/ws", s.handleWebSocket)

	authed := r.Group("/api", s.authMiddleware())
	authed.GET("/auth/me", s.handleMe)
	authed.POST("/rooms", s.handleCreateRoom)
	authed.POST("/rooms/join", s.handleJoinByCode)
	authed.GET("/rooms/:id", s.handleGetRoom)
	authed.GET("/rooms/:id/participants", s.handleParticipants)
	authed.GET("/rooms/:id/messages", s.handleMessages)
	authed.DELETE("/rooms/:id", s.handleEndRoom)
}

// cidMiddleware guarantees every request carries a correlation id: an
// incoming header is preserved, otherwise a fresh one is minted. The id is
// echoed on the response and stored on the request context.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Writer.Header().Set(cid.HeaderName, id)
		c.Request = c.Request.WithContext(cid.WithCID(c.Request.Context(), id))
		c.Next()
	}
}

// otelMiddleware wraps each request in a span carrying the method, target
// and correlation id. The tracer is resolved per request so a provider
// installed after construction still sees spans.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(),
			c.Request.Method+" "+c.Request.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			))
		if id := cid.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cid.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "homeroom"})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Email == "" || req.Name == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email, name and password are required"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not hash password"})
		return
	}
	acc, err := s.hub.CreateAccount(req.Email, req.Name, hash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
		return
	}
	s.respondWithToken(c, acc)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req protocol.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	acc, ok := s.hub.AccountByEmail(req.Email)
	if !ok || bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	s.respondWithToken(c, acc)
}

func (s *Server) respondWithToken(c *gin.Context, acc *account) {
	token, err := s.mintToken(acc)
	if err != nil {
		s.log.Error("mint session token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}
	c.JSON(http.StatusOK, protocol.AuthResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        acc.User(),
	})
}

// handleMe answers from the token alone. The claims carry the full public
// identity, so no store lookup is needed.
func (s *Server) handleMe(c *gin.Context) {
	claims := requestClaims(c)
	c.JSON(http.StatusOK, protocol.User{
		ID:    claims.UserID,
		Name:  claims.Name,
		Email: claims.Email,
	})
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req protocol.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room name is required"})
		return
	}

	claims := requestClaims(c)
	room := s.hub.CreateRoom(req.Name, claims.UserID, claims.Name)
	s.log.Info("room created", "room_id", room.ID, "code", room.Code, "host_id", room.HostID)
	c.JSON(http.StatusOK, room)
}

func (s *Server) handleJoinByCode(c *gin.Context) {
	var req protocol.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room code is required"})
		return
	}

	room, ok := s.hub.RoomByCode(req.Code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found or no longer active"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room, ok := s.hub.RoomByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) handleParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Participants(c.Param("id")))
}

func (s *Server) handleMessages(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Messages(c.Param("id")))
}

func (s *Server) handleEndRoom(c *gin.Context) {
	roomID := c.Param("id")
	claims := requestClaims(c)

	inside, err := s.hub.EndRoom(roomID, claims.UserID)
	switch err {
	case nil:
	case ErrNotHost:
		c.JSON(http.StatusForbidden, gin.H{"error": "only the host can end the room"})
		return
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	env, envErr := protocol.NewEnvelope(protocol.EventRoomEnded, roomID, protocol.RoomEnded{RoomID: roomID})
	if envErr == nil {
		for _, client := range inside {
			s.hub.SendEnvelope(client, env)
		}
	}
	s.log.Info("room ended", "room_id", roomID, "notified", len(inside))
	c.JSON(http.StatusOK, gin.H{"message": "room ended"})
}
