package session

import (
	"homeroom/internal/intent"
	"homeroom/pkg/channel"
	"homeroom/pkg/protocol"
)

// Listener receives session callbacks. They run on the channel's read
// goroutine, so implementations must return quickly and never call back
// into the session synchronously from OnRoomEnded.
type Listener interface {
	OnPhaseChange(Phase)
	OnConnectionChange(channel.State)
	OnRosterChange()
	OnMessage(msg protocol.ChatMessage)
	OnHandRaised(userID, name string, raised bool)
	OnPresentationStarted(userID, name, contentURL string)
	OnPresentationStopped(userID string)
	OnAllMuted()
	OnRoomEnded()
	OnIntentFailure(kind intent.Kind, err error)
}

// NopListener is a no-op Listener for embedding, so consumers implement
// only the callbacks they care about.
type NopListener struct{}

func (NopListener) OnPhaseChange(Phase)                          {}
func (NopListener) OnConnectionChange(channel.State)             {}
func (NopListener) OnRosterChange()                              {}
func (NopListener) OnMessage(protocol.ChatMessage)               {}
func (NopListener) OnHandRaised(string, string, bool)            {}
func (NopListener) OnPresentationStarted(string, string, string) {}
func (NopListener) OnPresentationStopped(string)                 {}
func (NopListener) OnAllMuted()                                  {}
func (NopListener) OnRoomEnded()                                 {}
func (NopListener) OnIntentFailure(intent.Kind, error)           {}
