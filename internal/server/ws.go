package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

// Connection liveness knobs. Package variables so tests can shrink them.
var (
	PingInterval = 30 * time.Second
	PongTimeout  = 10 * time.Second
	WriteTimeout = 5 * time.Second
)

// handleWebSocket upgrades the connection and runs it until the peer goes
// away. Auth rides on a token query parameter or a bearer header; browser
// websocket APIs cannot set headers, dialers from this module can.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.Request)
	}
	claims, err := s.parseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: claims.UserID,
		name:   claims.Name,
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	s.log.Info("event channel open",
		"user_id", client.userID,
		"cid", cid.CIDFromContext(c.Request.Context()))

	go s.writePump(ctx, client, cancel)
	go s.pingLoop(ctx, client, cancel)

	defer func() {
		// Sweep first so the departure broadcast only reaches the sockets
		// that remain.
		if roomID, userID, name, swept := s.hub.Disconnect(client); swept {
			s.broadcast(roomID, protocol.EventParticipantLeft, protocol.ParticipantLeft{
				UserID: userID,
				Name:   name,
			})
			s.log.Info("participant swept after disconnect", "user_id", userID, "room_id", roomID)
		}
		conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("event channel closed", "user_id", client.userID)
	}()

	s.readPump(ctx, client)
}

func (s *Server) readPump(ctx context.Context, c *wsClient) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			s.log.Debug("websocket read ended", "user_id", c.userID, "error", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("dropping unparseable frame", "user_id", c.userID, "error", err)
			continue
		}
		s.handleEvent(ctx, c, env)
	}
}

func (s *Server) writePump(ctx context.Context, c *wsClient, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, done := context.WithTimeout(ctx, WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			done()
			if err != nil {
				s.log.Debug("websocket write failed", "user_id", c.userID, "error", err)
				cancel()
				return
			}
		}
	}
}

// pingLoop probes the peer and tears the connection down when a pong does
// not come back in time, which unblocks the read pump and triggers the
// sweep.
func (s *Server) pingLoop(ctx context.Context, c *wsClient, cancel context.CancelFunc) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, PongTimeout)
			err := c.conn.Ping(pingCtx)
			done()
			if err != nil {
				s.log.Info("pong missed, dropping connection", "user_id", c.userID)
				cancel()
				c.conn.Close(websocket.StatusPolicyViolation, "pong timeout")
				return
			}
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, c *wsClient, env protocol.Envelope) {
	_, span := otel.Tracer(tracerName).Start(ctx, "event."+string(env.Type),
		trace.WithAttributes(
			attribute.String("event.type", string(env.Type)),
			attribute.String("room.id", env.RoomID),
		))
	if id := cid.CIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String(cid.AttributeName, id))
	}
	defer span.End()

	switch env.Type {
	case protocol.EventJoinRoom:
		s.onJoinRoom(c, env)
	case protocol.EventLeaveRoom:
		s.onLeaveRoom(c, env)
	case protocol.EventToggleMute:
		s.onToggleMute(c, env)
	case protocol.EventToggleVideo:
		s.onToggleVideo(c, env)
	case protocol.EventRaiseHand:
		s.onRaiseHand(c, env)
	case protocol.EventSendMessage:
		s.onSendMessage(c, env)
	case protocol.EventStartPresenting:
		s.onStartPresenting(c, env)
	case protocol.EventStopPresenting:
		s.onStopPresenting(c, env)
	case protocol.EventMuteAll:
		s.onMuteAll(c, env)
	default:
		s.log.Debug("unknown event type", "type", env.Type, "user_id", c.userID)
	}
}

// broadcast builds an envelope and fans it out to the room.
func (s *Server) broadcast(roomID string, t protocol.EventType, payload any) {
	env, err := protocol.NewEnvelope(t, roomID, payload)
	if err != nil {
		s.log.Warn("build broadcast envelope", "type", t, "error", err)
		return
	}
	s.hub.Broadcast(roomID, env)
}

// onJoinRoom registers the membership, tells the room, then seeds the
// joiner. The authoritative snapshot is sent last so the new socket always
// converges on the full state no matter how the frames interleave with the
// join broadcast.
func (s *Server) onJoinRoom(c *wsClient, env protocol.Envelope) {
	var p protocol.JoinRoomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		s.log.Debug("dropping malformed join_room", "user_id", c.userID)
		return
	}
	name := p.Name
	if name == "" {
		name = c.name
	}

	part, snap, err := s.hub.Join(p.RoomID, c.userID, name, c)
	if err != nil {
		s.log.Warn("join_room rejected", "user_id", c.userID, "room_id", p.RoomID, "error", err)
		return
	}
	s.log.Info("participant joined", "user_id", c.userID, "room_id", p.RoomID, "role", part.Role)

	s.broadcast(p.RoomID, protocol.EventParticipantJoined, protocol.ParticipantJoined{Participant: part})

	stateEnv, err := protocol.NewEnvelope(protocol.EventRoomState, p.RoomID, snap)
	if err != nil {
		s.log.Warn("build room_state envelope", "error", err)
		return
	}
	s.hub.SendEnvelope(c, stateEnv)
}

func (s *Server) onLeaveRoom(c *wsClient, env protocol.Envelope) {
	var p protocol.LeaveRoomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	name, ok := s.hub.Leave(p.RoomID, c.userID)
	if !ok {
		return
	}
	s.log.Info("participant left", "user_id", c.userID, "room_id", p.RoomID)
	s.broadcast(p.RoomID, protocol.EventParticipantLeft, protocol.ParticipantLeft{
		UserID: c.userID,
		Name:   name,
	})
}

func (s *Server) onToggleMute(c *wsClient, env protocol.Envelope) {
	var p protocol.ToggleMutePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	if !s.hub.SetMuted(p.RoomID, c.userID, p.IsMuted) {
		return
	}
	muted := p.IsMuted
	s.broadcast(p.RoomID, protocol.EventParticipantUpdated, protocol.ParticipantUpdated{
		UserID:  c.userID,
		IsMuted: &muted,
	})
}

func (s *Server) onToggleVideo(c *wsClient, env protocol.Envelope) {
	var p protocol.ToggleVideoPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	if !s.hub.SetVideo(p.RoomID, c.userID, p.IsVideoOn) {
		return
	}
	on := p.IsVideoOn
	s.broadcast(p.RoomID, protocol.EventParticipantUpdated, protocol.ParticipantUpdated{
		UserID:    c.userID,
		IsVideoOn: &on,
	})
}

func (s *Server) onRaiseHand(c *wsClient, env protocol.Envelope) {
	var p protocol.RaiseHandPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	name, ok := s.hub.SetHand(p.RoomID, c.userID, p.IsHandRaised)
	if !ok {
		return
	}
	s.broadcast(p.RoomID, protocol.EventHandRaised, protocol.HandRaised{
		UserID:       c.userID,
		Name:         name,
		IsHandRaised: p.IsHandRaised,
	})
}

func (s *Server) onSendMessage(c *wsClient, env protocol.Envelope) {
	var p protocol.SendMessagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" || p.Content == "" {
		return
	}
	userName := p.UserName
	if userName == "" {
		userName = c.name
	}
	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		UserID:    c.userID,
		UserName:  userName,
		Content:   p.Content,
		Timestamp: time.Now().UTC(),
	}
	if !s.hub.AppendMessage(p.RoomID, msg) {
		return
	}
	s.broadcast(p.RoomID, protocol.EventNewMessage, protocol.NewMessage{ChatMessage: msg})
}

func (s *Server) onStartPresenting(c *wsClient, env protocol.Envelope) {
	var p protocol.StartPresentingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	name, ok := s.hub.StartPresenting(p.RoomID, c.userID, p.ContentURL)
	if !ok {
		return
	}
	s.log.Info("presentation started", "user_id", c.userID, "room_id", p.RoomID)
	s.broadcast(p.RoomID, protocol.EventPresentationStarted, protocol.PresentationStarted{
		UserID:     c.userID,
		Name:       name,
		ContentURL: p.ContentURL,
	})
}

func (s *Server) onStopPresenting(c *wsClient, env protocol.Envelope) {
	var p protocol.StopPresentingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	if !s.hub.StopPresenting(p.RoomID, c.userID) {
		return
	}
	s.broadcast(p.RoomID, protocol.EventPresentationStopped, protocol.PresentationStopped{
		UserID: c.userID,
	})
}

// onMuteAll mutes every student on the host's behalf. Each student gets a
// regular participant_updated patch so clients converge through the same
// path as individual toggles; the all_muted advisory follows for UI notice
// only.
func (s *Server) onMuteAll(c *wsClient, env protocol.Envelope) {
	var p protocol.MuteAllPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	students, err := s.hub.MuteStudents(p.RoomID, c.userID)
	if err != nil {
		s.log.Warn("mute_all rejected", "user_id", c.userID, "room_id", p.RoomID, "error", err)
		return
	}
	muted := true
	for _, st := range students {
		s.broadcast(p.RoomID, protocol.EventParticipantUpdated, protocol.ParticipantUpdated{
			UserID:  st.UserID,
			IsMuted: &muted,
		})
	}
	s.broadcast(p.RoomID, protocol.EventAllMuted, protocol.AllMuted{RoomID: p.RoomID})
	s.log.Info("room muted", "room_id", p.RoomID, "students", len(students))
}
