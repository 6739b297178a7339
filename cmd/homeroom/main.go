// Command homeroom is a terminal client for live rooms. It signs in against
// the room API, creates or joins a room, then keeps a roster and chat view
// current over the event channel. Room controls are slash commands typed at
// the prompt.
//
// Configuration comes from HOMEROOM_* environment variables, identity and
// room selection from flags:
//
//	homeroom -email t@school.example -password pw -create "Algebra II"
//	homeroom -email s@school.example -password pw -join 3F2A91BC
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pterm/pterm"

	"homeroom/internal/intent"
	"homeroom/internal/restapi"
	"homeroom/pkg/channel"
	"homeroom/pkg/media"
	"homeroom/pkg/protocol"
	"homeroom/pkg/session"
)

type clientConfig struct {
	APIURL string `envconfig:"API_URL" default:"http://localhost:8080"`
	// WSURL overrides the event channel endpoint. Derived from API_URL when
	// empty.
	WSURL string `envconfig:"WS_URL"`
	// MediaURL is the media ingest endpoint. Leave empty to run without a
	// media plane; chat and presence work either way.
	MediaURL string `envconfig:"MEDIA_URL"`
}

type options struct {
	email    string
	password string
	name     string
	register bool
	create   string
	join     string
	debug    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.email, "email", "", "account email")
	flag.StringVar(&opts.password, "password", "", "account password (prompted when empty)")
	flag.StringVar(&opts.name, "name", "", "display name, used with -register")
	flag.BoolVar(&opts.register, "register", false, "create the account before signing in")
	flag.StringVar(&opts.create, "create", "", "create a room with this name and join it")
	flag.StringVar(&opts.join, "join", "", "join the room with this code")
	flag.BoolVar(&opts.debug, "debug", false, "log engine internals to stderr")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	var cfg clientConfig
	if err := envconfig.Process("homeroom", &cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	wsURL, err := eventChannelURL(cfg)
	if err != nil {
		return err
	}
	log := newLogger(opts.debug)

	if opts.email == "" {
		opts.email, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Email").Show()
	}
	if opts.password == "" {
		opts.password, _ = pterm.DefaultInteractiveTextInput.
			WithMask("*").WithDefaultText("Password").Show()
	}

	api := restapi.New(restapi.Config{BaseURL: cfg.APIURL})

	auth, err := signIn(ctx, api, opts)
	if err != nil {
		return err
	}
	api = api.WithToken(auth.AccessToken)
	pterm.Success.Printfln("signed in as %s <%s>", auth.User.Name, auth.User.Email)

	room, err := pickRoom(ctx, api, opts)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("room %q, join code %s", room.Name, room.Code)

	ch := channel.New(channel.Config{
		URL:    wsURL,
		Token:  auth.AccessToken,
		Logger: log,
	})
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect event channel: %w", err)
	}
	defer ch.Close()

	med := newMediaSession(ctx, cfg, auth.AccessToken, log)
	defer med.Close()

	view := newRoomView(auth.User.ID)
	sess := session.New(session.Config{
		Channel:  ch,
		API:      api,
		Media:    med,
		RoomID:   room.ID,
		UserID:   auth.User.ID,
		UserName: auth.User.Name,
		Listener: view,
		Logger:   log,
	})
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	return view.runLoop(ctx, sess)
}

// signIn registers first when asked, otherwise it just logs in. Register
// also signs in; the server returns a session either way.
func signIn(ctx context.Context, api *restapi.Client, opts options) (protocol.AuthResponse, error) {
	if opts.register {
		name := opts.name
		if name == "" {
			name, _ = pterm.DefaultInteractiveTextInput.
				WithDefaultText("Display name").Show()
		}
		auth, err := api.Register(ctx, opts.email, name, opts.password)
		if err != nil {
			return protocol.AuthResponse{}, fmt.Errorf("register: %w", err)
		}
		return auth, nil
	}
	auth, err := api.Login(ctx, opts.email, opts.password)
	if err != nil {
		return protocol.AuthResponse{}, fmt.Errorf("login: %w", err)
	}
	return auth, nil
}

func pickRoom(ctx context.Context, api *restapi.Client, opts options) (protocol.Room, error) {
	switch {
	case opts.create != "":
		room, err := api.CreateRoom(ctx, opts.create)
		if err != nil {
			return protocol.Room{}, fmt.Errorf("create room: %w", err)
		}
		return room, nil
	case opts.join != "":
		room, err := api.JoinByCode(ctx, opts.join)
		if err != nil {
			return protocol.Room{}, fmt.Errorf("join room: %w", err)
		}
		return room, nil
	default:
		code, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room code").Show()
		room, err := api.JoinByCode(ctx, strings.TrimSpace(code))
		if err != nil {
			return protocol.Room{}, fmt.Errorf("join room: %w", err)
		}
		return room, nil
	}
}

// eventChannelURL derives the websocket endpoint from the API base when no
// explicit override is configured.
func eventChannelURL(cfg clientConfig) (string, error) {
	if cfg.WSURL != "" {
		return cfg.WSURL, nil
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid HOMEROOM_API_URL: %s", cfg.APIURL)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

func newMediaSession(ctx context.Context, cfg clientConfig, token string, log *slog.Logger) media.Session {
	if cfg.MediaURL == "" {
		return media.Nop{}
	}
	sess := media.NewWebRTCSession(media.WebRTCConfig{
		IngestURL: cfg.MediaURL,
		Token:     token,
		Logger:    log,
	})
	// A failed media dial is not fatal: presence and chat still work, and
	// publish toggles will report through the intent failure path.
	if err := sess.Connect(ctx); err != nil {
		pterm.Warning.Printfln("media plane unavailable: %v", err)
	}
	return sess
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

const commandHelp = "commands: /mute /video /hand /present <url> /stop /muteall /leave, anything else is chat"

var errLeave = errors.New("leave requested")

// roomView renders the room into a pterm live area and reacts to session
// callbacks. Callbacks only flip flags and queue notices; the draw loop
// owns the terminal.
type roomView struct {
	session.NopListener

	selfID string

	mu      sync.Mutex
	phase   session.Phase
	link    channel.State
	notices []string

	dirty chan struct{}
	ended chan struct{}
	once  sync.Once
}

func newRoomView(selfID string) *roomView {
	return &roomView{
		selfID: selfID,
		phase:  session.PhaseLoading,
		link:   channel.StateConnected,
		dirty:  make(chan struct{}, 1),
		ended:  make(chan struct{}),
	}
}

func (v *roomView) markDirty() {
	select {
	case v.dirty <- struct{}{}:
	default:
	}
}

func (v *roomView) notice(s string) {
	v.mu.Lock()
	v.notices = append(v.notices, time.Now().Format("15:04:05 ")+s)
	if len(v.notices) > 4 {
		v.notices = v.notices[len(v.notices)-4:]
	}
	v.mu.Unlock()
	v.markDirty()
}

func (v *roomView) OnPhaseChange(ph session.Phase) {
	v.mu.Lock()
	v.phase = ph
	v.mu.Unlock()
	if ph == session.PhaseEnded {
		v.once.Do(func() { close(v.ended) })
	}
	v.markDirty()
}

func (v *roomView) OnConnectionChange(st channel.State) {
	v.mu.Lock()
	v.link = st
	v.mu.Unlock()
	if st == channel.StateReconnecting {
		v.notice("connection lost, reconnecting")
	}
	v.markDirty()
}

func (v *roomView) OnRosterChange() { v.markDirty() }

func (v *roomView) OnMessage(protocol.ChatMessage) { v.markDirty() }

func (v *roomView) OnPresentationStopped(string) { v.markDirty() }

func (v *roomView) OnHandRaised(userID, name string, raised bool) {
	if raised && userID != v.selfID {
		v.notice(name + " raised a hand")
		return
	}
	v.markDirty()
}

func (v *roomView) OnPresentationStarted(_, name, contentURL string) {
	v.notice(name + " is presenting " + contentURL)
}

func (v *roomView) OnAllMuted() {
	v.notice("the teacher muted all students")
}

func (v *roomView) OnRoomEnded() {
	v.once.Do(func() { close(v.ended) })
}

func (v *roomView) OnIntentFailure(kind intent.Kind, err error) {
	v.notice(fmt.Sprintf("%s change failed: %v", kind, err))
}

// runLoop owns the screen and stdin until the user leaves, the host ends
// the room, or the context is cancelled.
func (v *roomView) runLoop(ctx context.Context, sess *session.Session) error {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return fmt.Errorf("start live view: %w", err)
	}
	defer area.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-v.ended:
				return
			}
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	area.Update(v.render(sess))
	for {
		select {
		case <-ctx.Done():
			return v.leave(sess)
		case <-v.ended:
			area.Update(v.render(sess))
			pterm.Info.Println("the room has ended")
			return nil
		case <-v.dirty:
			area.Update(v.render(sess))
		case <-ticker.C:
			area.Update(v.render(sess))
		case line, ok := <-lines:
			if !ok {
				return v.leave(sess)
			}
			if err := v.execute(ctx, sess, line); err != nil {
				if errors.Is(err, errLeave) {
					return v.leave(sess)
				}
				v.notice(err.Error())
			}
		}
	}
}

func (v *roomView) leave(sess *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Leave(ctx); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	pterm.Info.Println("left the room")
	return nil
}

func (v *roomView) execute(ctx context.Context, sess *session.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	defer v.markDirty()

	if !strings.HasPrefix(line, "/") {
		return sess.SendChat(ctx, line)
	}
	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "mute":
		return sess.ToggleMute(ctx)
	case "video":
		return sess.ToggleVideo(ctx)
	case "hand":
		return sess.ToggleHand(ctx)
	case "present":
		if arg == "" {
			return errors.New("usage: /present <url>")
		}
		return sess.StartPresenting(ctx, arg)
	case "stop":
		return sess.StopPresenting(ctx)
	case "muteall":
		return sess.MuteAll(ctx)
	case "leave", "quit":
		return errLeave
	case "help":
		v.notice(commandHelp)
		return nil
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd)
	}
}

func (v *roomView) render(sess *session.Session) string {
	v.mu.Lock()
	phase := v.phase
	link := v.link
	notices := append([]string(nil), v.notices...)
	v.mu.Unlock()

	room := sess.Room()
	var b strings.Builder

	b.WriteString(pterm.FgCyan.Sprintf("%s  [code %s]  %s / %s\n\n", room.Name, room.Code, phase, link))

	data := pterm.TableData{{"", "name", "role", "mic", "cam", "hand"}}
	for _, p := range sess.Participants() {
		marker := ""
		if p.UserID == v.selfID {
			marker = "*"
		}
		role := string(p.Role)
		if p.IsPresenting {
			role += " (presenting)"
		}
		data = append(data, []string{
			marker,
			p.Name,
			role,
			onOff(!p.IsMuted),
			onOff(p.IsVideoOn),
			flagMark(p.IsHandRaised),
		})
	}
	if table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender(); err == nil {
		b.WriteString(table)
		b.WriteString("\n")
	}

	if contentURL, presenterID, active := sess.Presentation(); active {
		name := presenterID
		for _, p := range sess.Participants() {
			if p.UserID == presenterID {
				name = p.Name
				break
			}
		}
		b.WriteString(pterm.FgYellow.Sprintf("\nsmartboard: %s (by %s)\n", contentURL, name))
	}

	msgs := sess.Messages()
	if len(msgs) > 0 {
		b.WriteString("\n")
		start := 0
		if len(msgs) > 8 {
			start = len(msgs) - 8
		}
		for _, m := range msgs[start:] {
			b.WriteString(fmt.Sprintf("%s %s: %s\n", m.Timestamp.Local().Format("15:04"), m.UserName, m.Content))
		}
	}

	if len(notices) > 0 {
		b.WriteString("\n")
		for _, n := range notices {
			b.WriteString(pterm.FgLightMagenta.Sprint(n) + "\n")
		}
	}

	b.WriteString(pterm.FgGray.Sprint("\n" + commandHelp + "\n"))
	return b.String()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func flagMark(raised bool) string {
	if raised {
		return "raised"
	}
	return ""
}
