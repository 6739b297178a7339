// Package media is the engine's boundary to the audio/video plane. The
// engine flips publish state and watches connection health through it;
// frames never pass through the engine itself.
package media

import (
	"context"
	"errors"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

var ErrNotStarted = errors.New("media session not started")

// Session is the media plane as the room engine sees it. Toggle methods are
// called from event handlers and intent resolution, so implementations must
// be safe for concurrent use and must not block on network round trips.
type Session interface {
	Connect(ctx context.Context) error
	SetMicrophoneEnabled(enabled bool) error
	SetCameraEnabled(enabled bool) error
	State() State
	OnStateChange(fn func(State))
	Close() error
}

// Nop is the media plane for sessions that run without one, such as chat or
// observer clients. Every call succeeds.
type Nop struct{}

func (Nop) Connect(context.Context) error   { return nil }
func (Nop) SetMicrophoneEnabled(bool) error { return nil }
func (Nop) SetCameraEnabled(bool) error     { return nil }
func (Nop) State() State                    { return StateDisconnected }
func (Nop) OnStateChange(func(State))       {}
func (Nop) Close() error                    { return nil }
