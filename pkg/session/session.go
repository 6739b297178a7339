// Package session coordinates one user's presence in one room: it loads
// the REST snapshot, joins the event stream, folds every server event into
// the roster and chat log, and re-joins whenever the shared channel comes
// back from an outage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"homeroom/internal/chatlog"
	"homeroom/internal/intent"
	"homeroom/internal/roster"
	"homeroom/pkg/channel"
	"homeroom/pkg/media"
	"homeroom/pkg/protocol"
)

// Phase is the session lifecycle. Ended and errored are terminal.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseJoining Phase = "joining"
	PhaseLive    Phase = "live"
	PhaseEnded   Phase = "ended"
	PhaseErrored Phase = "errored"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrSessionEnded   = errors.New("session already ended")
	ErrNotLive        = errors.New("session is not live")
)

// rejoinTimeout bounds the join emit fired from a connection-state
// transition. Mutable for tests.
var rejoinTimeout = 10 * time.Second

// SnapshotAPI is the REST surface the session reads before joining.
type SnapshotAPI interface {
	Room(ctx context.Context, roomID string) (protocol.Room, error)
	Messages(ctx context.Context, roomID string) ([]protocol.ChatMessage, error)
}

// Channel is the slice of the shared event channel the session uses. It is
// satisfied by *channel.Channel.
type Channel interface {
	Emit(ctx context.Context, t protocol.EventType, roomID string, payload any) error
	Subscribe(t protocol.EventType, fn channel.Handler) channel.Subscription
	OnStateChange(fn channel.StateHandler) channel.Subscription
	Unsubscribe(sub channel.Subscription)
	State() channel.State
}

type Config struct {
	Channel  Channel
	API      SnapshotAPI
	Media    media.Session
	RoomID   string
	UserID   string
	UserName string
	Listener Listener
	Logger   *slog.Logger
}

// Session is safe for concurrent use. Create one per joined room; the
// channel underneath may be shared by many sessions.
type Session struct {
	ch       Channel
	api      SnapshotAPI
	roomID   string
	userID   string
	userName string
	listener Listener
	log      *slog.Logger

	roster  *roster.Roster
	chat    *chatlog.Log
	intents *intent.Controller

	mu           sync.RWMutex
	phase        Phase
	room         protocol.Room
	presenterID  string
	presentation string
	subs         []channel.Subscription
	started      bool
}

func New(cfg Config) *Session {
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		ch:       cfg.Channel,
		api:      cfg.API,
		roomID:   cfg.RoomID,
		userID:   cfg.UserID,
		userName: cfg.UserName,
		listener: cfg.Listener,
		log:      cfg.Logger.With("room_id", cfg.RoomID, "user_id", cfg.UserID),
		roster:   roster.New(cfg.Logger),
		chat:     chatlog.New(cfg.Logger),
		phase:    PhaseLoading,
	}
	s.intents = intent.NewController(intent.Config{
		Emitter:   cfg.Channel,
		Media:     cfg.Media,
		RoomID:    cfg.RoomID,
		UserID:    cfg.UserID,
		UserName:  cfg.UserName,
		Logger:    cfg.Logger,
		OnFailure: cfg.Listener.OnIntentFailure,
	})
	return s
}

// Start fetches the snapshot, subscribes every handler, and emits the join.
// It returns once the join is on the wire; the session turns live when the
// first room_state lands. A snapshot failure is terminal.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.phase != PhaseLoading {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.started = true
	s.mu.Unlock()

	room, err := s.api.Room(ctx, s.roomID)
	if err != nil {
		s.setPhase(PhaseErrored)
		return fmt.Errorf("load room: %w", err)
	}
	history, err := s.api.Messages(ctx, s.roomID)
	if err != nil {
		s.setPhase(PhaseErrored)
		return fmt.Errorf("load chat history: %w", err)
	}
	// Leave may have run while the fetches were in flight; a snapshot for a
	// session that is already over gets discarded, not applied.
	if s.Phase() == PhaseEnded {
		return ErrSessionEnded
	}

	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	s.chat.Seed(history)

	// Handlers must be in place before the join goes out: the snapshot can
	// arrive on the heels of the join emit.
	s.subscribeAll()
	s.setPhase(PhaseJoining)

	if err := s.emitJoin(ctx); err != nil {
		// Not fatal: the connection-state handler joins again as soon as
		// the channel comes up.
		s.log.Warn("join emit failed, waiting for connection", "error", err)
	}
	return nil
}

func (s *Session) emitJoin(ctx context.Context) error {
	return s.ch.Emit(ctx, protocol.EventJoinRoom, s.roomID, protocol.JoinRoomPayload{
		RoomID: s.roomID,
		UserID: s.userID,
		Name:   s.userName,
	})
}

func (s *Session) subscribeAll() {
	handle := func(t protocol.EventType, fn func(protocol.Event)) channel.Subscription {
		return s.ch.Subscribe(t, func(ev protocol.Event) {
			if ph := s.Phase(); ph == PhaseEnded || ph == PhaseErrored {
				return
			}
			fn(ev)
		})
	}

	subs := []channel.Subscription{
		handle(protocol.EventRoomState, s.onRoomState),
		handle(protocol.EventParticipantJoined, s.onRosterEvent),
		handle(protocol.EventParticipantLeft, s.onRosterEvent),
		handle(protocol.EventParticipantUpdated, s.onRosterEvent),
		handle(protocol.EventHandRaised, s.onHandRaised),
		handle(protocol.EventNewMessage, s.onNewMessage),
		handle(protocol.EventPresentationStarted, s.onPresentationStarted),
		handle(protocol.EventPresentationStopped, s.onPresentationStopped),
		handle(protocol.EventAllMuted, s.onAllMuted),
		handle(protocol.EventRoomEnded, s.onRoomEnded),
		s.ch.OnStateChange(s.onConnectionChange),
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// onConnectionChange is the reconnect rule: on every transition back to
// connected while the session is joining or live, join again. The server
// treats the new socket as a stranger until it does, and the room_state
// that answers the join replaces whatever went stale during the outage.
func (s *Session) onConnectionChange(st channel.State) {
	s.listener.OnConnectionChange(st)
	if st != channel.StateConnected {
		return
	}
	ph := s.Phase()
	if ph != PhaseJoining && ph != PhaseLive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
	defer cancel()
	if err := s.emitJoin(ctx); err != nil {
		s.log.Warn("re-join emit failed", "error", err)
	}
}

func (s *Session) onRoomState(ev protocol.Event) {
	snap, ok := ev.(*protocol.RoomState)
	if !ok {
		return
	}
	s.roster.Apply(ev)
	s.intents.Resolve(ev)

	s.mu.Lock()
	s.presentation = snap.SmartboardContent
	s.presenterID = ""
	for _, p := range snap.Participants {
		if p.IsPresenting {
			s.presenterID = p.UserID
			break
		}
	}
	s.mu.Unlock()

	if s.Phase() == PhaseJoining {
		s.setPhase(PhaseLive)
	}
	s.listener.OnRosterChange()
}

func (s *Session) onRosterEvent(ev protocol.Event) {
	s.roster.Apply(ev)
	s.intents.Resolve(ev)
	s.listener.OnRosterChange()
}

func (s *Session) onHandRaised(ev protocol.Event) {
	e, ok := ev.(*protocol.HandRaised)
	if !ok {
		return
	}
	s.roster.Apply(ev)
	s.intents.Resolve(ev)
	s.listener.OnRosterChange()
	s.listener.OnHandRaised(e.UserID, e.Name, e.IsHandRaised)
}

func (s *Session) onNewMessage(ev protocol.Event) {
	e, ok := ev.(*protocol.NewMessage)
	if !ok {
		return
	}
	if s.chat.Append(e.ChatMessage) {
		s.listener.OnMessage(e.ChatMessage)
	}
}

func (s *Session) onPresentationStarted(ev protocol.Event) {
	e, ok := ev.(*protocol.PresentationStarted)
	if !ok {
		return
	}
	s.roster.Apply(ev)
	s.intents.Resolve(ev)
	s.mu.Lock()
	s.presenterID = e.UserID
	s.presentation = e.ContentURL
	s.mu.Unlock()
	s.listener.OnRosterChange()
	s.listener.OnPresentationStarted(e.UserID, e.Name, e.ContentURL)
}

func (s *Session) onPresentationStopped(ev protocol.Event) {
	e, ok := ev.(*protocol.PresentationStopped)
	if !ok {
		return
	}
	s.roster.Apply(ev)
	s.intents.Resolve(ev)
	s.mu.Lock()
	if s.presenterID == e.UserID {
		s.presenterID = ""
		s.presentation = ""
	}
	s.mu.Unlock()
	s.listener.OnRosterChange()
	s.listener.OnPresentationStopped(e.UserID)
}

// onAllMuted only notifies. The flag changes ride in as individual
// participant_updated patches, so nothing is bulk-written here.
func (s *Session) onAllMuted(ev protocol.Event) {
	if _, ok := ev.(*protocol.AllMuted); !ok {
		return
	}
	s.listener.OnAllMuted()
}

func (s *Session) onRoomEnded(ev protocol.Event) {
	if _, ok := ev.(*protocol.RoomEnded); !ok {
		return
	}
	s.teardown()
	s.setPhase(PhaseEnded)
	s.listener.OnRoomEnded()
}

// Leave announces the departure best-effort and tears the session down.
// Safe to call at any point in the lifecycle, more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseEnded || s.phase == PhaseErrored {
		s.mu.Unlock()
		return nil
	}
	announce := s.phase == PhaseLive || s.phase == PhaseJoining
	s.mu.Unlock()

	if announce {
		err := s.ch.Emit(ctx, protocol.EventLeaveRoom, s.roomID, protocol.LeaveRoomPayload{
			RoomID: s.roomID,
			UserID: s.userID,
		})
		if err != nil {
			s.log.Debug("leave emit failed", "error", err)
		}
	}
	s.teardown()
	s.setPhase(PhaseEnded)
	return nil
}

// teardown releases exactly this session's channel subscriptions. The
// channel itself stays up for other sessions.
func (s *Session) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.ch.Unsubscribe(sub)
	}
	s.intents.Close()
}

// setPhase moves the lifecycle forward. Terminal phases stick.
func (s *Session) setPhase(ph Phase) {
	s.mu.Lock()
	if s.phase == ph || s.phase == PhaseEnded || s.phase == PhaseErrored {
		s.mu.Unlock()
		return
	}
	s.phase = ph
	s.mu.Unlock()
	s.listener.OnPhaseChange(ph)
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) Room() protocol.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Participants returns the display-ordered roster with the local user's
// optimistic state layered in.
func (s *Session) Participants() []protocol.Participant {
	parts := s.roster.Ordered(s.userID)
	for i := range parts {
		if parts[i].UserID == s.userID {
			parts[i] = s.intents.SelfView(parts[i])
		}
	}
	return parts
}

// Self returns the local participant as views should render it: server
// truth with pending intents applied.
func (s *Session) Self() (protocol.Participant, bool) {
	p, ok := s.roster.Get(s.userID)
	if !ok {
		return protocol.Participant{}, false
	}
	return s.intents.SelfView(p), true
}

func (s *Session) Messages() []protocol.ChatMessage {
	return s.chat.Messages()
}

// Presentation returns the active content reference and its presenter.
func (s *Session) Presentation() (contentURL, presenterID string, active bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presentation, s.presenterID, s.presenterID != ""
}

// RosterVersion increments on every roster change, for cheap redraw checks.
func (s *Session) RosterVersion() uint64 {
	return s.roster.Version()
}

func (s *Session) ToggleMute(ctx context.Context) error {
	self, ok := s.liveSelf()
	if !ok {
		return ErrNotLive
	}
	return s.intents.SetMuted(ctx, !self.IsMuted)
}

func (s *Session) ToggleVideo(ctx context.Context) error {
	self, ok := s.liveSelf()
	if !ok {
		return ErrNotLive
	}
	return s.intents.SetVideoOn(ctx, !self.IsVideoOn)
}

func (s *Session) ToggleHand(ctx context.Context) error {
	self, ok := s.liveSelf()
	if !ok {
		return ErrNotLive
	}
	return s.intents.SetHandRaised(ctx, !self.IsHandRaised)
}

func (s *Session) StartPresenting(ctx context.Context, contentURL string) error {
	if _, ok := s.liveSelf(); !ok {
		return ErrNotLive
	}
	return s.intents.StartPresenting(ctx, contentURL)
}

func (s *Session) StopPresenting(ctx context.Context) error {
	if _, ok := s.liveSelf(); !ok {
		return ErrNotLive
	}
	return s.intents.StopPresenting(ctx)
}

// MuteAll asks the server to mute every student. The server enforces that
// only the host may do this.
func (s *Session) MuteAll(ctx context.Context) error {
	if s.Phase() != PhaseLive {
		return ErrNotLive
	}
	return s.intents.MuteAll(ctx, s.Room().HostID)
}

// SendChat emits the message and waits for nothing: the log appends when
// the server's new_message broadcast comes back with the assigned id.
func (s *Session) SendChat(ctx context.Context, content string) error {
	if s.Phase() != PhaseLive {
		return ErrNotLive
	}
	return s.ch.Emit(ctx, protocol.EventSendMessage, s.roomID, protocol.SendMessagePayload{
		RoomID:   s.roomID,
		UserID:   s.userID,
		UserName: s.userName,
		Content:  content,
	})
}

func (s *Session) liveSelf() (protocol.Participant, bool) {
	if s.Phase() != PhaseLive {
		return protocol.Participant{}, false
	}
	return s.Self()
}
