package server

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"homeroom/pkg/protocol"
)

const sendBufferSize = 256

// account is a registered user. The password hash never leaves the hub.
type account struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}

// User returns the public view of the account.
func (a *account) User() protocol.User {
	return protocol.User{ID: a.ID, Name: a.Name, Email: a.Email}
}

// wsClient is one connected event-channel socket. The send channel is
// drained by the connection's write pump; pushes are non-blocking so a
// stalled socket can never back up a broadcast.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	name   string

	// roomID is the room this socket currently occupies. Guarded by Hub.mu.
	roomID string
}

// liveRoom is the authoritative state of one active room.
type liveRoom struct {
	info         protocol.Room
	participants map[string]*protocol.Participant // by user id
	order        []string                         // arrival order of user ids
	clients      map[string]*wsClient             // by user id
	messages     []protocol.ChatMessage
	smartboard   string
}

// snapshotLocked copies the participant list in arrival order. Callers hold
// the hub lock.
func (lr *liveRoom) snapshotLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(lr.order))
	for _, id := range lr.order {
		if p, ok := lr.participants[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Hub owns every account, room and connected socket. All state lives in
// process memory; a restart starts from nothing.
type Hub struct {
	mu              sync.RWMutex
	accountsByEmail map[string]*account
	accountsByID    map[string]*account
	rooms           map[string]*liveRoom
	roomsByCode     map[string]string // join code -> room id

	historyLimit int
	log          *slog.Logger
}

// NewHub returns an empty hub. historyLimit caps the retained chat backlog
// per room.
func NewHub(log *slog.Logger, historyLimit int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Hub{
		accountsByEmail: make(map[string]*account),
		accountsByID:    make(map[string]*account),
		rooms:           make(map[string]*liveRoom),
		roomsByCode:     make(map[string]string),
		historyLimit:    historyLimit,
		log:             log,
	}
}

// CreateAccount registers a new user. The email is normalized to lower case
// and must be unused.
func (h *Hub) CreateAccount(email, name string, passwordHash []byte) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.accountsByEmail[email]; taken {
		return nil, ErrEmailTaken
	}
	a := &account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	h.accountsByEmail[email] = a
	h.accountsByID[a.ID] = a
	return a, nil
}

// AccountByEmail looks up a registered user.
func (h *Hub) AccountByEmail(email string) (*account, bool) {
	email = strings.ToLower(strings.TrimSpace(email))

	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.accountsByEmail[email]
	return a, ok
}

// CreateRoom opens a new active room hosted by the given user and returns
// its record, join code included.
func (h *Hub) CreateRoom(name, hostID, hostName string) protocol.Room {
	room := protocol.Room{
		ID:        uuid.New().String(),
		Name:      name,
		Code:      newRoomCode(),
		HostID:    hostID,
		HostName:  hostName,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.rooms[room.ID] = &liveRoom{
		info:         room,
		participants: make(map[string]*protocol.Participant),
		clients:      make(map[string]*wsClient),
	}
	h.roomsByCode[room.Code] = room.ID
	return room
}

// newRoomCode mints a short join code students can type.
func newRoomCode() string {
	return strings.ToUpper(uuid.New().String()[:8])
}

// RoomByID returns the room record, active or not.
func (h *Hub) RoomByID(id string) (protocol.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	lr, ok := h.rooms[id]
	if !ok {
		return protocol.Room{}, false
	}
	return lr.info, true
}

// RoomByCode resolves a join code to its room. Ended rooms do not resolve.
func (h *Hub) RoomByCode(code string) (protocol.Room, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))

	h.mu.RLock()
	defer h.mu.RUnlock()

	id, ok := h.roomsByCode[code]
	if !ok {
		return protocol.Room{}, false
	}
	lr, ok := h.rooms[id]
	if !ok || !lr.info.IsActive {
		return protocol.Room{}, false
	}
	return lr.info, true
}

// Join adds the user to the room and binds the socket to it. A repeat join
// by the same user replaces the previous membership and socket outright;
// the stale socket's sweep then matches nothing. The returned snapshot is
// the state the joiner should be seeded with.
func (h *Hub) Join(roomID, userID, name string, c *wsClient) (protocol.Participant, protocol.RoomState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return protocol.Participant{}, protocol.RoomState{}, ErrRoomNotFound
	}
	if !lr.info.IsActive {
		return protocol.Participant{}, protocol.RoomState{}, ErrRoomInactive
	}

	role := protocol.RoleStudent
	if lr.info.HostID == userID {
		role = protocol.RoleTeacher
	}
	p := &protocol.Participant{
		ID:      uuid.New().String(),
		UserID:  userID,
		Name:    name,
		Role:    role,
		IsMuted: true,
	}

	if _, rejoining := lr.participants[userID]; !rejoining {
		lr.order = append(lr.order, userID)
	}
	lr.participants[userID] = p
	lr.clients[userID] = c
	if c != nil {
		c.roomID = roomID
	}

	snap := protocol.RoomState{
		Participants:      lr.snapshotLocked(),
		SmartboardContent: lr.smartboard,
	}
	return *p, snap, nil
}

// Leave removes the user's membership regardless of which socket asks. The
// display name of the departed participant is returned for the broadcast.
func (h *Hub) Leave(roomID, userID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return "", false
	}
	p, ok := lr.participants[userID]
	if !ok {
		return "", false
	}
	delete(lr.participants, userID)
	lr.order = lo.Without(lr.order, userID)
	if c, ok := lr.clients[userID]; ok {
		c.roomID = ""
		delete(lr.clients, userID)
	}
	return p.Name, true
}

// Disconnect sweeps the membership bound to this exact socket. If the user
// meanwhile rejoined on a newer socket, the sweep is a no-op.
func (h *Hub) Disconnect(c *wsClient) (roomID, userID, name string, swept bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c == nil || c.roomID == "" {
		return "", "", "", false
	}
	lr, ok := h.rooms[c.roomID]
	if !ok {
		return "", "", "", false
	}
	if lr.clients[c.userID] != c {
		return "", "", "", false
	}
	p, ok := lr.participants[c.userID]
	if !ok {
		return "", "", "", false
	}
	roomID = c.roomID
	delete(lr.participants, c.userID)
	delete(lr.clients, c.userID)
	lr.order = lo.Without(lr.order, c.userID)
	c.roomID = ""
	return roomID, c.userID, p.Name, true
}

// SetMuted flips the participant's microphone flag.
func (h *Hub) SetMuted(roomID, userID string, muted bool) bool {
	return h.patch(roomID, userID, func(p *protocol.Participant) {
		p.IsMuted = muted
	})
}

// SetVideo flips the participant's camera flag.
func (h *Hub) SetVideo(roomID, userID string, on bool) bool {
	return h.patch(roomID, userID, func(p *protocol.Participant) {
		p.IsVideoOn = on
	})
}

// SetHand flips the participant's raised hand and returns their display
// name for the notification.
func (h *Hub) SetHand(roomID, userID string, raised bool) (string, bool) {
	name := ""
	ok := h.patch(roomID, userID, func(p *protocol.Participant) {
		p.IsHandRaised = raised
		name = p.Name
	})
	return name, ok
}

func (h *Hub) patch(roomID, userID string, apply func(*protocol.Participant)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	p, ok := lr.participants[userID]
	if !ok {
		return false
	}
	apply(p)
	return true
}

// StartPresenting makes the user the room's only presenter and records the
// shared content. Any previous presenter is silently demoted; the broadcast
// that follows carries the new presenter, which is all clients need to
// converge.
func (h *Hub) StartPresenting(roomID, userID, contentURL string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return "", false
	}
	p, ok := lr.participants[userID]
	if !ok {
		return "", false
	}
	for _, other := range lr.participants {
		other.IsPresenting = false
	}
	p.IsPresenting = true
	lr.smartboard = contentURL
	return p.Name, true
}

// StopPresenting clears the user's presenter flag and the shared content.
func (h *Hub) StopPresenting(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	p, ok := lr.participants[userID]
	if !ok {
		return false
	}
	p.IsPresenting = false
	lr.smartboard = ""
	return true
}

// MuteStudents mutes every student in the room on behalf of the host and
// returns them, post-mutation, so the caller can fan out one patch per
// student. The host's own flag is untouched.
func (h *Hub) MuteStudents(roomID, requesterID string) ([]protocol.Participant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if lr.info.HostID != requesterID {
		return nil, ErrNotHost
	}
	for _, p := range lr.participants {
		if p.Role == protocol.RoleStudent {
			p.IsMuted = true
		}
	}
	return lo.Filter(lr.snapshotLocked(), func(p protocol.Participant, _ int) bool {
		return p.Role == protocol.RoleStudent
	}), nil
}

// AppendMessage stores a chat message, trimming the backlog to the history
// limit.
func (h *Hub) AppendMessage(roomID string, msg protocol.ChatMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok || !lr.info.IsActive {
		return false
	}
	lr.messages = append(lr.messages, msg)
	if len(lr.messages) > h.historyLimit {
		lr.messages = lr.messages[len(lr.messages)-h.historyLimit:]
	}
	return true
}

// Messages returns the retained backlog, oldest first.
func (h *Hub) Messages(roomID string) []protocol.ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]protocol.ChatMessage, 0)
	if lr, ok := h.rooms[roomID]; ok {
		out = append(out, lr.messages...)
	}
	return out
}

// Participants returns the current roster in arrival order. Unknown rooms
// yield an empty list.
func (h *Hub) Participants(roomID string) []protocol.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if lr, ok := h.rooms[roomID]; ok {
		return lr.snapshotLocked()
	}
	return []protocol.Participant{}
}

// EndRoom deactivates the room, clears its live state and returns the
// sockets that were inside so the caller can notify them. Only the host may
// end a room.
func (h *Hub) EndRoom(roomID, requesterID string) ([]*wsClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lr, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if lr.info.HostID != requesterID {
		return nil, ErrNotHost
	}
	lr.info.IsActive = false

	inside := lo.Values(lr.clients)
	for _, c := range inside {
		c.roomID = ""
	}
	lr.participants = make(map[string]*protocol.Participant)
	lr.clients = make(map[string]*wsClient)
	lr.order = nil
	lr.messages = nil
	lr.smartboard = ""
	return inside, nil
}

// Broadcast marshals the envelope once and pushes it to every socket in the
// room. Sockets with a full buffer are skipped rather than waited on.
func (h *Hub) Broadcast(roomID string, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("marshal broadcast envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	var targets []*wsClient
	if lr, ok := h.rooms[roomID]; ok {
		targets = lo.Values(lr.clients)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.push(c, data)
	}
}

// SendEnvelope delivers the envelope to a single socket.
func (h *Hub) SendEnvelope(c *wsClient, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("marshal envelope", "type", env.Type, "error", err)
		return
	}
	h.push(c, data)
}

func (h *Hub) push(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("send buffer full, dropping frame", "user_id", c.userID)
	}
}
