package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	cidpkg "homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

type WebRTCConfig struct {
	// IngestURL accepts an SDP offer by POST and returns the answer.
	IngestURL string
	// Token is sent as a bearer Authorization header on the offer.
	Token       string
	STUNServers []string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// WebRTCSession publishes the local audio and video tracks to the media
// server over one peer connection. Mic and camera toggles swap the sender's
// track in place, so no renegotiation happens on mute.
type WebRTCSession struct {
	cfg   WebRTCConfig
	log   *slog.Logger
	httpc *http.Client

	mu          sync.RWMutex
	pc          *webrtc.PeerConnection
	audioTrack  *webrtc.TrackLocalStaticSample
	videoTrack  *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	state       State
	observers   []func(State)
}

func NewWebRTCSession(cfg WebRTCConfig) *WebRTCSession {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &WebRTCSession{
		cfg:   cfg,
		log:   cfg.Logger,
		httpc: cfg.HTTPClient,
		state: StateDisconnected,
	}
}

// Connect builds the peer connection, gathers ICE, and runs one offer/answer
// round trip against the ingest endpoint. It returns once the answer is
// applied; the state flips to connected when DTLS comes up.
func (s *WebRTCSession) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: s.cfg.STUNServers}},
	})
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("new peer connection: %w", err)
	}
	fail := func(err error) error {
		pc.Close()
		s.setState(StateFailed)
		return err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "homeroom")
	if err != nil {
		return fail(fmt.Errorf("audio track: %w", err))
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "homeroom")
	if err != nil {
		return fail(fmt.Errorf("video track: %w", err))
	}
	audioSender, err := pc.AddTrack(audio)
	if err != nil {
		return fail(fmt.Errorf("add audio track: %w", err))
	}
	videoSender, err := pc.AddTrack(video)
	if err != nil {
		return fail(fmt.Errorf("add video track: %w", err))
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", st.String())
		s.setState(mapPeerState(st))
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	// Wait for ICE gathering so the offer carries its candidates and the
	// exchange stays a single round trip.
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answer, err := s.exchangeOffer(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return fail(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}

	s.mu.Lock()
	s.pc = pc
	s.audioTrack = audio
	s.videoTrack = video
	s.audioSender = audioSender
	s.videoSender = videoSender
	s.mu.Unlock()
	return nil
}

func (s *WebRTCSession) exchangeOffer(ctx context.Context, offerSDP string) (string, error) {
	body, err := json.Marshal(protocol.MediaOfferRequest{
		Offer: protocol.SessionDescription{SDP: offerSDP, Type: "offer"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.IngestURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	cidpkg.AddHeaderFromContext(req.Header, ctx)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("send offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("media server rejected offer: %s: %s", resp.Status, msg)
	}
	var out protocol.MediaOfferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	if out.Answer.SDP == "" {
		return "", errors.New("media server returned an empty answer")
	}
	return out.Answer.SDP, nil
}

func (s *WebRTCSession) SetMicrophoneEnabled(enabled bool) error {
	s.mu.RLock()
	sender, track := s.audioSender, s.audioTrack
	s.mu.RUnlock()
	if sender == nil {
		return ErrNotStarted
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

func (s *WebRTCSession) SetCameraEnabled(enabled bool) error {
	s.mu.RLock()
	sender, track := s.videoSender, s.videoTrack
	s.mu.RUnlock()
	if sender == nil {
		return ErrNotStarted
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

// AudioTrack exposes the outgoing audio track so a capture pipeline can
// write samples into it. Nil until Connect succeeds.
func (s *WebRTCSession) AudioTrack() *webrtc.TrackLocalStaticSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioTrack
}

// VideoTrack exposes the outgoing video track. Nil until Connect succeeds.
func (s *WebRTCSession) VideoTrack() *webrtc.TrackLocalStaticSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoTrack
}

func (s *WebRTCSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *WebRTCSession) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *WebRTCSession) Close() error {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.audioSender = nil
	s.videoSender = nil
	s.mu.Unlock()
	if pc == nil {
		return nil
	}
	err := pc.Close()
	s.setState(StateDisconnected)
	return err
}

func (s *WebRTCSession) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	observers := make([]func(State), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

func mapPeerState(st webrtc.PeerConnectionState) State {
	switch st {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateDisconnected
	}
}
