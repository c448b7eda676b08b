package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skylark-voice/skylark/pkg/protocol"
)

// ErrNotConnected is returned by Send and SendAudio while the session is
// not connected. Realtime audio has no value once stale, so nothing is
// queued: the operation is logged and dropped.
var ErrNotConnected = errors.New("session: not connected")

// ErrConnectInProgress is returned when Connect is called while a
// connection or reconnection attempt is already running.
var ErrConnectInProgress = errors.New("session: connect already in progress")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default timings and budgets, overridable via [Config].
const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Config fixes a Session's endpoint, identity and policies. The zero
// value is not usable: ServerURL and Credential.Token are required.
type Config struct {
	// ServerURL is the WebSocket endpoint.
	ServerURL string

	// Credential authorises the connection and is reused unchanged
	// across reconnects.
	Credential Credential

	// Strategy selects the credential encoding. Default: query.
	Strategy Strategy

	// SessionID optionally pins a caller-assigned session identity.
	// When empty, the id the server assigns during the handshake is
	// adopted instead.
	SessionID string

	// AudioParams is the capture format announced in the hello.
	AudioParams protocol.AudioParams

	// HandshakeTimeout bounds transport open plus hello/ack exchange.
	HandshakeTimeout time.Duration

	// ReconnectEnabled turns automatic reconnection on.
	ReconnectEnabled bool

	// ReconnectInterval is the fixed backoff between attempts.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts caps consecutive reconnect attempts before
	// the session gives up and reports disconnection.
	MaxReconnectAttempts int

	// Dialer opens the transport; defaults to [DialWebSocket]. Tests
	// substitute an in-memory transport here.
	Dialer Dialer
}

func (c *Config) withDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyQuery
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Dialer == nil {
		c.Dialer = DialWebSocket
	}
}

// Handlers is the fixed set of callback slots for inbound events — one
// slot per message kind, registered as a unit on Connect; the last
// registration wins. Every slot is optional. Callbacks for inbound
// messages run on the session's read goroutine in exact transport
// delivery order and must not block.
type Handlers struct {
	// OnHello receives the server's handshake acknowledgment,
	// including its audio parameters for the playback direction.
	OnHello func(*protocol.ServerMessage)

	// OnTTS receives synthesis lifecycle messages
	// (start/stop/sentence_start with optional text).
	OnTTS func(*protocol.ServerMessage)

	// OnSTT receives the server's recognition of the user's speech.
	OnSTT func(*protocol.ServerMessage)

	// OnEmotion receives the free-text emotion label from llm
	// messages.
	OnEmotion func(emotion string)

	// OnMCP receives opaque tool-protocol payloads, verbatim.
	OnMCP func(payload json.RawMessage)

	// OnAudio receives every binary frame. Binary payloads always land
	// here regardless of any JSON framing.
	OnAudio func(frame []byte)

	// OnStateChange observes every lifecycle transition.
	OnStateChange func(State)

	// OnReconnecting fires when an unexpected closure triggers a retry,
	// with the 1-based attempt number.
	OnReconnecting func(attempt int)

	// OnDisconnected fires exactly once per disconnection: with nil
	// after a caller-initiated Disconnect, with the cause after the
	// reconnect budget is exhausted or reconnection is disabled.
	OnDisconnected func(err error)
}

// Session is the connection state machine. It exclusively owns its
// transport, performs the versioned hello handshake, routes inbound
// typed messages and binary frames to the registered handlers, and
// drives bounded reconnection. Create one per logical conversation;
// Connect may be called again after any disconnection.
//
// All exported methods are safe for concurrent use.
type Session struct {
	cfg Config

	mu          sync.Mutex
	state       State
	handlers    Handlers
	transport   Transport
	sessionID   string
	serverAudio *protocol.AudioParams
	attempts    int
	timer       *time.Timer
	readCancel  context.CancelFunc
	closed      bool // caller-initiated disconnect
	gen         int  // connection generation; stale read loops are ignored
}

// New creates a Session with defaults applied. No connection is opened
// until Connect.
func New(cfg Config) *Session {
	cfg.withDefaults()
	return &Session{cfg: cfg, sessionID: cfg.SessionID}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the session identity threaded into outbound control
// messages. Empty until assigned by the caller or the server handshake.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ServerAudioParams returns the playback format announced by the server
// during the last handshake, or nil before the first successful connect.
func (s *Session) ServerAudioParams() *protocol.AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverAudio == nil {
		return nil
	}
	cp := *s.serverAudio
	return &cp
}

// Connect opens the transport, performs the hello handshake and marks
// the session connected — strictly in that order: the session never
// reports connected before the server has acknowledged the hello, so a
// SendAudio immediately after Connect returns always finds a server
// that has agreed to accept it.
//
// Calling Connect while already connected is a no-op. A missing bearer
// token fails synchronously before any transport is created.
func (s *Session) Connect(ctx context.Context, handlers Handlers) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.handlers = handlers
		s.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	if strings.TrimSpace(s.cfg.Credential.Token) == "" {
		s.mu.Unlock()
		return ErrMissingToken
	}
	s.closed = false
	s.attempts = 0
	s.handlers = handlers
	s.state = StateConnecting
	onState := handlers.OnStateChange
	s.mu.Unlock()

	if onState != nil {
		onState(StateConnecting)
	}

	if err := s.establish(ctx); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		onState := s.handlers.OnStateChange
		s.mu.Unlock()
		if onState != nil {
			onState(StateFailed)
		}
		return err
	}
	return nil
}

// Disconnect cancels any pending reconnection synchronously, closes the
// transport and settles in the disconnected state. Safe to call in any
// state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	t := s.transport
	s.transport = nil
	s.gen++
	already := s.state == StateDisconnected
	s.state = StateDisconnected
	onState := s.handlers.OnStateChange
	onDisc := s.handlers.OnDisconnected
	s.mu.Unlock()

	if t != nil {
		_ = t.Close("client disconnect")
	}
	if !already {
		if onState != nil {
			onState(StateDisconnected)
		}
		if onDisc != nil {
			onDisc(nil)
		}
	}
}

// Send serialises one control message and writes it as a text frame.
// While not connected the message is logged and dropped — buffering
// stale realtime traffic serves nobody.
func (s *Session) Send(msg any) error {
	s.mu.Lock()
	t := s.transport
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || t == nil {
		slog.Debug("session: dropping control message while not connected")
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal control message: %w", err)
	}
	return t.WriteMessage(context.Background(), KindText, data)
}

// SendAudio writes one encoded audio frame as a binary message. Frames
// sent while not connected are logged and dropped.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	t := s.transport
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || t == nil {
		slog.Debug("session: dropping audio frame while not connected", "bytes", len(frame))
		return ErrNotConnected
	}
	return t.WriteMessage(context.Background(), KindBinary, frame)
}

// StartListening tells the server to begin consuming the audio stream.
// An empty mode defaults to manual (push-to-talk).
func (s *Session) StartListening(mode string) error {
	if mode == "" {
		mode = protocol.ListenModeManual
	}
	return s.Send(protocol.Listen{
		Type:      protocol.TypeListen,
		SessionID: s.SessionID(),
		State:     protocol.ListenStateStart,
		Mode:      mode,
	})
}

// StopListening tells the server the captured utterance is complete.
func (s *Session) StopListening() error {
	return s.Send(protocol.Listen{
		Type:      protocol.TypeListen,
		SessionID: s.SessionID(),
		State:     protocol.ListenStateStop,
	})
}

// DetectWake reports a locally detected wake phrase.
func (s *Session) DetectWake(text string) error {
	return s.Send(protocol.Listen{
		Type:      protocol.TypeListen,
		SessionID: s.SessionID(),
		State:     protocol.ListenStateDetect,
		Text:      text,
	})
}

// Abort asks the server to cancel in-flight synthesis.
func (s *Session) Abort(reason string) error {
	return s.Send(protocol.Abort{
		Type:      protocol.TypeAbort,
		SessionID: s.SessionID(),
		Reason:    reason,
	})
}

// SendMCP relays an opaque tool-protocol payload to the server.
func (s *Session) SendMCP(payload json.RawMessage) error {
	return s.Send(protocol.MCP{
		Type:      protocol.TypeMCP,
		SessionID: s.SessionID(),
		Payload:   payload,
	})
}

// establish runs the full dial + handshake sequence and, on success,
// installs the transport and starts the read loop. It is shared by
// Connect and the reconnect path; each reconnect is a complete fresh
// handshake, not a resume.
func (s *Session) establish(ctx context.Context) error {
	desc, err := BuildConnection(s.cfg.ServerURL, s.cfg.Credential, s.cfg.Strategy)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	t, err := s.cfg.Dialer(hctx, desc)
	if err != nil {
		return fmt.Errorf("session: open transport: %w", err)
	}

	if desc.AuthPayload != nil {
		if err := writeJSON(hctx, t, desc.AuthPayload); err != nil {
			_ = t.Close("auth failed")
			return fmt.Errorf("session: send auth payload: %w", err)
		}
	}

	hello := protocol.NewHello(s.cfg.Credential.ProtocolVersion, s.cfg.AudioParams)
	if err := writeJSON(hctx, t, hello); err != nil {
		_ = t.Close("handshake failed")
		return fmt.Errorf("session: send hello: %w", err)
	}

	ack, err := awaitHello(hctx, t)
	if err != nil {
		_ = t.Close("handshake failed")
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close("session closed")
		return errors.New("session: disconnected during handshake")
	}
	s.transport = t
	s.attempts = 0
	if s.cfg.SessionID == "" && ack.SessionID != "" {
		s.sessionID = ack.SessionID
	}
	if ack.AudioParams != nil {
		cp := *ack.AudioParams
		s.serverAudio = &cp
	}
	s.gen++
	gen := s.gen
	rctx, rcancel := context.WithCancel(context.Background())
	s.readCancel = rcancel
	s.state = StateConnected
	onState := s.handlers.OnStateChange
	onHello := s.handlers.OnHello
	s.mu.Unlock()

	if onState != nil {
		onState(StateConnected)
	}
	if onHello != nil {
		onHello(ack)
	}

	go s.readLoop(rctx, t, gen)
	return nil
}

// awaitHello reads until the server's hello acknowledgment arrives.
// Anything else received before it — early binary frames, stray control
// messages — is dropped: the handshake has not completed, so there is no
// session to route them to.
func awaitHello(ctx context.Context, t Transport) (*protocol.ServerMessage, error) {
	for {
		kind, data, err := t.ReadMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: handshake: %w", err)
		}
		if kind != KindText {
			continue
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			slog.Warn("session: dropping malformed pre-handshake message", "err", err)
			continue
		}
		if msg.Type == protocol.TypeHello {
			return msg, nil
		}
	}
}

// readLoop dispatches inbound traffic until the transport fails or the
// session is torn down. One goroutine per connection keeps dispatch in
// exact delivery order.
func (s *Session) readLoop(ctx context.Context, t Transport, gen int) {
	for {
		kind, data, err := t.ReadMessage(ctx)
		if err != nil {
			s.handleClosed(gen, err)
			return
		}

		if kind == KindBinary {
			s.mu.Lock()
			onAudio := s.handlers.OnAudio
			s.mu.Unlock()
			if onAudio != nil {
				onAudio(data)
			}
			continue
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			slog.Warn("session: dropping malformed control message", "err", err)
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch routes one inbound control message to its handler slot.
// Unknown types are logged and ignored; they never fail the connection.
func (s *Session) dispatch(msg *protocol.ServerMessage) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	switch msg.Type {
	case protocol.TypeHello:
		if h.OnHello != nil {
			h.OnHello(msg)
		}
	case protocol.TypeTTS:
		if h.OnTTS != nil {
			h.OnTTS(msg)
		}
	case protocol.TypeSTT:
		if h.OnSTT != nil {
			h.OnSTT(msg)
		}
	case protocol.TypeLLM:
		if h.OnEmotion != nil {
			h.OnEmotion(msg.Emotion)
		}
	case protocol.TypeMCP:
		if h.OnMCP != nil {
			h.OnMCP(msg.Payload)
		}
	default:
		slog.Warn("session: ignoring unknown message type", "type", msg.Type)
	}
}

// handleClosed reacts to an unexpected transport failure while
// connected. Caller-initiated teardown never lands here: Disconnect
// bumps the generation first, so a stale read loop returns quietly.
func (s *Session) handleClosed(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.closed || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.readCancel = nil

	if s.cfg.ReconnectEnabled && s.attempts < s.cfg.MaxReconnectAttempts {
		s.attempts++
		attempt := s.attempts
		s.state = StateReconnecting
		s.timer = time.AfterFunc(s.cfg.ReconnectInterval, s.redial)
		onState := s.handlers.OnStateChange
		onRec := s.handlers.OnReconnecting
		s.mu.Unlock()

		slog.Warn("session: transport closed unexpectedly, scheduling reconnect",
			"attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "cause", cause)
		if onState != nil {
			onState(StateReconnecting)
		}
		if onRec != nil {
			onRec(attempt)
		}
		return
	}

	s.state = StateDisconnected
	onState := s.handlers.OnStateChange
	onDisc := s.handlers.OnDisconnected
	s.mu.Unlock()

	if onState != nil {
		onState(StateDisconnected)
	}
	if onDisc != nil {
		onDisc(cause)
	}
}

// redial runs one reconnect attempt: a full connect sequence with a
// fresh handshake. The session identity is preserved; nothing else is
// assumed to resume.
func (s *Session) redial() {
	s.mu.Lock()
	if s.closed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateConnecting
	onState := s.handlers.OnStateChange
	s.mu.Unlock()

	if onState != nil {
		onState(StateConnecting)
	}

	err := s.establish(context.Background())
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.attempts < s.cfg.MaxReconnectAttempts {
		s.attempts++
		attempt := s.attempts
		s.state = StateReconnecting
		s.timer = time.AfterFunc(s.cfg.ReconnectInterval, s.redial)
		onState := s.handlers.OnStateChange
		onRec := s.handlers.OnReconnecting
		s.mu.Unlock()

		slog.Warn("session: reconnect attempt failed, retrying",
			"attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "err", err)
		if onState != nil {
			onState(StateReconnecting)
		}
		if onRec != nil {
			onRec(attempt)
		}
		return
	}

	s.state = StateDisconnected
	onState = s.handlers.OnStateChange
	onDisc := s.handlers.OnDisconnected
	s.mu.Unlock()

	if onState != nil {
		onState(StateDisconnected)
	}
	if onDisc != nil {
		onDisc(fmt.Errorf("session: reconnect budget exhausted: %w", err))
	}
}

// writeJSON marshals v and writes it as one text message.
func writeJSON(ctx context.Context, t Transport, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return t.WriteMessage(ctx, KindText, data)
}
