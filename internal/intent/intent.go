// Package intent tracks the local user's in-flight state flips. A toggle
// flips an optimistic value, emits the matching event, and waits for the
// server echo to confirm it. The optimistic value lives here as an overlay;
// the roster only ever holds what the server said.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"homeroom/pkg/media"
	"homeroom/pkg/protocol"
)

// Kind names one togglable piece of self state.
type Kind string

const (
	KindMute       Kind = "mute"
	KindVideo      Kind = "video"
	KindHand       Kind = "hand"
	KindPresenting Kind = "presenting"
)

// mediaRevertTimeout bounds the compensating emit after a media failure.
// Mutable for tests.
var mediaRevertTimeout = 5 * time.Second

// Emitter is the slice of the event channel the controller needs.
type Emitter interface {
	Emit(ctx context.Context, t protocol.EventType, roomID string, payload any) error
}

type Config struct {
	Emitter  Emitter
	Media    media.Session
	RoomID   string
	UserID   string
	UserName string
	Logger   *slog.Logger
	// OnFailure is called off the caller's goroutine when an intent that
	// already went out on the wire has to be undone, such as a media toggle
	// failing after the emit succeeded.
	OnFailure func(Kind, error)
}

// pendingIntent is one kind's in-flight state. target always holds the
// newest requested value; outstanding counts emits still awaiting an echo,
// so a superseded toggle's echo cannot end the intent early.
type pendingIntent struct {
	target      bool
	content     string
	outstanding int
}

type mediaOp struct {
	kind   Kind
	target bool
}

type Controller struct {
	emitter   Emitter
	media     media.Session
	roomID    string
	userID    string
	userName  string
	log       *slog.Logger
	onFailure func(Kind, error)

	mu      sync.Mutex
	pending map[Kind]*pendingIntent

	ops       chan mediaOp
	closeOnce sync.Once
	done      chan struct{}
}

func NewController(cfg Config) *Controller {
	if cfg.Media == nil {
		cfg.Media = media.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		emitter:   cfg.Emitter,
		media:     cfg.Media,
		roomID:    cfg.RoomID,
		userID:    cfg.UserID,
		userName:  cfg.UserName,
		log:       cfg.Logger,
		onFailure: cfg.OnFailure,
		pending:   make(map[Kind]*pendingIntent),
		ops:       make(chan mediaOp, 16),
		done:      make(chan struct{}),
	}
	go c.mediaLoop()
	return c
}

// Close stops the media worker. Pending map state is left as is; the
// session tears the controller down only after unsubscribing.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.ops) })
	<-c.done
}

func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.set(ctx, KindMute, muted, "")
}

func (c *Controller) SetVideoOn(ctx context.Context, on bool) error {
	return c.set(ctx, KindVideo, on, "")
}

func (c *Controller) SetHandRaised(ctx context.Context, raised bool) error {
	return c.set(ctx, KindHand, raised, "")
}

func (c *Controller) StartPresenting(ctx context.Context, contentURL string) error {
	return c.set(ctx, KindPresenting, true, contentURL)
}

func (c *Controller) StopPresenting(ctx context.Context) error {
	return c.set(ctx, KindPresenting, false, "")
}

// MuteAll is a fire-once host action: no local flip, no pending state. The
// per-student patches that follow do the mutating.
func (c *Controller) MuteAll(ctx context.Context, hostID string) error {
	return c.emitter.Emit(ctx, protocol.EventMuteAll, c.roomID, protocol.MuteAllPayload{
		RoomID: c.roomID,
		HostID: hostID,
	})
}

// set flips the optimistic value, emits, and schedules the media change.
// A new intent for a kind already pending supersedes it: the newest target
// wins and the old echo is absorbed without ending the intent.
func (c *Controller) set(ctx context.Context, kind Kind, target bool, content string) error {
	c.mu.Lock()
	p := c.pending[kind]
	if p == nil {
		p = &pendingIntent{}
		c.pending[kind] = p
	}
	p.target = target
	p.content = content
	p.outstanding++
	c.mu.Unlock()

	if err := c.emit(ctx, kind, target, content); err != nil {
		c.rollback(kind)
		return fmt.Errorf("%s intent: %w", kind, err)
	}
	c.scheduleMedia(kind, target)
	return nil
}

func (c *Controller) emit(ctx context.Context, kind Kind, value bool, content string) error {
	switch kind {
	case KindMute:
		return c.emitter.Emit(ctx, protocol.EventToggleMute, c.roomID, protocol.ToggleMutePayload{
			RoomID: c.roomID, UserID: c.userID, IsMuted: value,
		})
	case KindVideo:
		return c.emitter.Emit(ctx, protocol.EventToggleVideo, c.roomID, protocol.ToggleVideoPayload{
			RoomID: c.roomID, UserID: c.userID, IsVideoOn: value,
		})
	case KindHand:
		return c.emitter.Emit(ctx, protocol.EventRaiseHand, c.roomID, protocol.RaiseHandPayload{
			RoomID: c.roomID, UserID: c.userID, IsHandRaised: value,
		})
	case KindPresenting:
		if value {
			return c.emitter.Emit(ctx, protocol.EventStartPresenting, c.roomID, protocol.StartPresentingPayload{
				RoomID: c.roomID, UserID: c.userID, ContentURL: content,
			})
		}
		return c.emitter.Emit(ctx, protocol.EventStopPresenting, c.roomID, protocol.StopPresentingPayload{
			RoomID: c.roomID, UserID: c.userID,
		})
	}
	return fmt.Errorf("unknown intent kind %q", kind)
}

// rollback drops the whole pending entry for kind. Echoes of earlier emits
// for the same kind then flow straight into the roster, which is the truth
// we reverted to.
func (c *Controller) rollback(kind Kind) {
	c.mu.Lock()
	delete(c.pending, kind)
	c.mu.Unlock()
}

// Resolve consumes a server event that may answer a pending intent. Events
// about other users are ignored.
func (c *Controller) Resolve(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.ParticipantUpdated:
		if e.UserID != c.userID {
			return
		}
		if e.IsMuted != nil {
			c.resolve(KindMute, *e.IsMuted)
		}
		if e.IsVideoOn != nil {
			c.resolve(KindVideo, *e.IsVideoOn)
		}
		if e.IsHandRaised != nil {
			c.resolve(KindHand, *e.IsHandRaised)
		}
		if e.IsPresenting != nil {
			c.resolve(KindPresenting, *e.IsPresenting)
		}
	case *protocol.HandRaised:
		if e.UserID == c.userID {
			c.resolve(KindHand, e.IsHandRaised)
		}
	case *protocol.PresentationStarted:
		if e.UserID == c.userID {
			c.resolve(KindPresenting, true)
		}
	case *protocol.PresentationStopped:
		if e.UserID == c.userID {
			c.resolve(KindPresenting, false)
		}
	case *protocol.RoomState:
		// A snapshot follows every (re)join and replaces all state. Echoes
		// for emits from before the reconnect may never arrive, so pending
		// intents would otherwise mask the snapshot forever.
		c.clearAll()
	}
}

func (c *Controller) resolve(kind Kind, serverValue bool) {
	c.mu.Lock()
	p, ok := c.pending[kind]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.outstanding--
	if p.outstanding > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.pending, kind)
	corrected := p.target != serverValue
	c.mu.Unlock()
	if corrected {
		c.log.Debug("server corrected optimistic value", "kind", kind, "server_value", serverValue)
	}
}

func (c *Controller) clearAll() {
	c.mu.Lock()
	c.pending = make(map[Kind]*pendingIntent)
	c.mu.Unlock()
}

// Pending reports whether an intent of kind is awaiting its echo.
func (c *Controller) Pending(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[kind]
	return ok
}

// SelfView lays the pending optimistic values over the server's view of the
// local participant.
func (c *Controller) SelfView(base protocol.Participant) protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[KindMute]; ok {
		base.IsMuted = p.target
	}
	if p, ok := c.pending[KindVideo]; ok {
		base.IsVideoOn = p.target
	}
	if p, ok := c.pending[KindHand]; ok {
		base.IsHandRaised = p.target
	}
	if p, ok := c.pending[KindPresenting]; ok {
		base.IsPresenting = p.target
	}
	return base
}

// scheduleMedia hands the device change to the media worker. Ops apply in
// order; a full queue drops the op rather than blocking an event handler.
func (c *Controller) scheduleMedia(kind Kind, target bool) {
	if kind != KindMute && kind != KindVideo {
		return
	}
	select {
	case c.ops <- mediaOp{kind: kind, target: target}:
	default:
		c.log.Warn("media op queue full, dropping", "kind", kind)
	}
}

func (c *Controller) mediaLoop() {
	defer close(c.done)
	for op := range c.ops {
		var err error
		switch op.kind {
		case KindMute:
			err = c.media.SetMicrophoneEnabled(!op.target)
		case KindVideo:
			err = c.media.SetCameraEnabled(op.target)
		}
		if err != nil {
			c.log.Warn("media toggle failed", "kind", op.kind, "error", err)
			c.revertAfterMediaFailure(op.kind, op.target, err)
		}
	}
}

// revertAfterMediaFailure undoes an intent whose event went out but whose
// device change failed: the optimistic flag comes back down and a
// compensating toggle tells the server, so every client converges on the
// state the device is really in.
func (c *Controller) revertAfterMediaFailure(kind Kind, target bool, cause error) {
	c.mu.Lock()
	if p, ok := c.pending[kind]; ok {
		if p.target != target {
			// a newer intent superseded this one; let it play out
			c.mu.Unlock()
			return
		}
		delete(c.pending, kind)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mediaRevertTimeout)
	defer cancel()
	if err := c.emit(ctx, kind, !target, ""); err != nil {
		c.log.Warn("compensating emit failed", "kind", kind, "error", err)
	}
	if c.onFailure != nil {
		c.onFailure(kind, cause)
	}
}
