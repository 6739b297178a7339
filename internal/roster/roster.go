// Package roster holds the client-side view of who is in the room. It is
// fed exclusively by server events and snapshots; optimistic local state is
// layered on top by the intent controller, never written here.
package roster

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"homeroom/pkg/protocol"
)

type Roster struct {
	mu      sync.RWMutex
	byUser  map[string]*protocol.Participant
	arrival []string
	version uint64
	log     *slog.Logger
}

func New(log *slog.Logger) *Roster {
	if log == nil {
		log = slog.Default()
	}
	return &Roster{
		byUser: make(map[string]*protocol.Participant),
		log:    log,
	}
}

// Apply folds one server event into the roster. Events that do not touch
// membership are ignored, so callers can feed it the full stream.
func (r *Roster) Apply(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.RoomState:
		r.ReplaceAll(e.Participants)
	case *protocol.ParticipantJoined:
		r.InsertIfAbsent(e.Participant)
	case *protocol.ParticipantLeft:
		r.Remove(e.UserID)
	case *protocol.ParticipantUpdated:
		r.UpsertPatch(*e)
	case *protocol.HandRaised:
		raised := e.IsHandRaised
		r.UpsertPatch(protocol.ParticipantUpdated{UserID: e.UserID, IsHandRaised: &raised})
	case *protocol.PresentationStarted:
		r.setPresenter(e.UserID)
	case *protocol.PresentationStopped:
		r.clearPresenter(e.UserID)
	}
}

// ReplaceAll installs an authoritative snapshot, dropping everything held
// before it. Snapshot order becomes the new arrival order.
func (r *Roster) ReplaceAll(parts []protocol.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byUser = make(map[string]*protocol.Participant, len(parts))
	r.arrival = r.arrival[:0]
	for i := range parts {
		p := parts[i]
		if _, dup := r.byUser[p.UserID]; dup {
			r.log.Warn("duplicate participant in snapshot", "user_id", p.UserID)
			continue
		}
		r.byUser[p.UserID] = &p
		r.arrival = append(r.arrival, p.UserID)
	}
	r.version++
}

// InsertIfAbsent adds a participant announced by a join event. A duplicate
// is a no-op: the snapshot that follows every join may already contain the
// same identity.
func (r *Roster) InsertIfAbsent(p protocol.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUser[p.UserID]; exists {
		return false
	}
	cp := p
	r.byUser[p.UserID] = &cp
	r.arrival = append(r.arrival, p.UserID)
	r.version++
	return true
}

// UpsertPatch merges the set fields of a partial update into an existing
// participant. A patch for an unknown identity is dropped, never inserted;
// the snapshot is the only way new identities enter with full state.
func (r *Roster) UpsertPatch(patch protocol.ParticipantUpdated) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byUser[patch.UserID]
	if !ok {
		r.log.Debug("patch for unknown participant", "user_id", patch.UserID)
		return false
	}
	if patch.IsMuted != nil {
		p.IsMuted = *patch.IsMuted
	}
	if patch.IsVideoOn != nil {
		p.IsVideoOn = *patch.IsVideoOn
	}
	if patch.IsHandRaised != nil {
		p.IsHandRaised = *patch.IsHandRaised
	}
	if patch.IsPresenting != nil {
		p.IsPresenting = *patch.IsPresenting
	}
	r.version++
	return true
}

func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUser[userID]; !exists {
		return false
	}
	delete(r.byUser, userID)
	for i, id := range r.arrival {
		if id == userID {
			r.arrival = append(r.arrival[:i], r.arrival[i+1:]...)
			break
		}
	}
	r.version++
	return true
}

// setPresenter marks userID as the only presenter. The server clears other
// presenters before announcing a new one, so the flag drops everywhere else.
func (r *Roster) setPresenter(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[userID]; !ok {
		r.log.Debug("presentation start for unknown participant", "user_id", userID)
		return
	}
	for id, p := range r.byUser {
		p.IsPresenting = id == userID
	}
	r.version++
}

func (r *Roster) clearPresenter(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byUser[userID]
	if !ok {
		return
	}
	p.IsPresenting = false
	r.version++
}

func (r *Roster) Get(userID string) (protocol.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	return *p, true
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Version increments on every mutation, letting views skip redraws cheaply.
func (r *Roster) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Ordered returns the display order: the teacher first, then the local
// user, then everyone else as they arrived.
func (r *Roster) Ordered(selfID string) []protocol.Participant {
	r.mu.RLock()
	all := make([]protocol.Participant, 0, len(r.arrival))
	for _, id := range r.arrival {
		all = append(all, *r.byUser[id])
	}
	r.mu.RUnlock()

	teachers := lo.Filter(all, func(p protocol.Participant, _ int) bool {
		return p.Role == protocol.RoleTeacher
	})
	self := lo.Filter(all, func(p protocol.Participant, _ int) bool {
		return p.Role != protocol.RoleTeacher && p.UserID == selfID
	})
	others := lo.Filter(all, func(p protocol.Participant, _ int) bool {
		return p.Role != protocol.RoleTeacher && p.UserID != selfID
	})
	return append(append(teachers, self...), others...)
}
