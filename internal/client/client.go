// Package client wires the persisted identity, the session state
// machine, and the audio pipelines into a single voice client. It owns
// the glue the packages underneath deliberately avoid: metrics
// recording, event fan-out to the embedding application, and pipeline
// lifecycle tied to session state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skylark-voice/skylark/internal/config"
	"github.com/skylark-voice/skylark/internal/identity"
	"github.com/skylark-voice/skylark/internal/observe"
	"github.com/skylark-voice/skylark/pkg/audio"
	"github.com/skylark-voice/skylark/pkg/protocol"
	"github.com/skylark-voice/skylark/pkg/session"
)

// Events is the callback surface the embedding application (UI, avatar,
// logs) attaches to. All fields are optional; nil callbacks are
// skipped. Callbacks run on the session's read goroutine and must not
// block.
type Events struct {
	// OnTranscript delivers recognised user speech.
	OnTranscript func(text string)

	// OnTTSState delivers synthesis lifecycle changes: start, stop,
	// sentence_start.
	OnTTSState func(state string)

	// OnTTSSentence delivers the text of the sentence about to be
	// spoken.
	OnTTSSentence func(text string)

	// OnEmotion delivers the assistant's emotion hint.
	OnEmotion func(emotion string)

	// OnMCP delivers an opaque tool-protocol payload for the embedding
	// application to interpret.
	OnMCP func(payload json.RawMessage)

	// OnSessionState delivers connection state transitions.
	OnSessionState func(state session.State)

	// OnPlaybackState delivers playing/idle transitions of the speaker
	// pipeline.
	OnPlaybackState func(state audio.PlaybackState)
}

// Options configures a [Client].
type Options struct {
	Config   *config.Config
	Identity identity.Identity

	// Source is the microphone. May be nil when the client is used
	// receive-only; StartVoice then fails.
	Source audio.Source

	// Sink is the speaker.
	Sink audio.Sink

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Dialer overrides the WebSocket dialer. Tests inject fakes here.
	Dialer session.Dialer
}

// Client is the assembled voice client. Create one with [New], connect
// with [Client.Connect], and drive the microphone with
// [Client.StartVoice] / [Client.StopVoice].
type Client struct {
	cfg     *config.Config
	events  Events
	metrics *observe.Metrics

	sess    *session.Session
	capture *audio.Capture
	player  *audio.Player

	mu        sync.Mutex
	voiceStop context.CancelFunc
	connected bool
}

// New assembles a client from the given options. It does not touch the
// network; call [Client.Connect] for that.
func New(opts Options, events Events) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("client: config is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("client: sink is required")
	}
	m := opts.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	cfg := opts.Config

	playCodec := audio.NewCodec()
	if err := playCodec.InitDecoder(cfg.Audio.PlaybackSampleRate, cfg.Audio.Channels, cfg.Audio.FrameDurationMs); err != nil {
		return nil, fmt.Errorf("client: init playback decoder: %w", err)
	}
	player := audio.NewPlayer(playCodec, opts.Sink, cfg.Audio.MaxQueueDepth)

	c := &Client{
		cfg:     cfg,
		events:  events,
		metrics: m,
		player:  player,
	}
	player.OnStateChange(func(s audio.PlaybackState) {
		if events.OnPlaybackState != nil {
			events.OnPlaybackState(s)
		}
	})

	if opts.Source != nil {
		capCodec := audio.NewCodec()
		capture := audio.NewCapture(audio.CaptureConfig{
			SampleRate: cfg.Audio.CaptureSampleRate,
			Channels:   cfg.Audio.Channels,
			FrameMs:    cfg.Audio.FrameDurationMs,
		}, capCodec)
		if err := capture.Initialize(opts.Source); err != nil {
			return nil, fmt.Errorf("client: init capture: %w", err)
		}
		c.capture = capture
	}

	c.sess = session.New(session.Config{
		ServerURL: cfg.Server.URL,
		Credential: session.Credential{
			Token:           cfg.Server.Token,
			DeviceID:        opts.Identity.DeviceID,
			ClientID:        opts.Identity.ClientID,
			ProtocolVersion: cfg.Server.ProtocolVersion,
		},
		Strategy: session.Strategy(cfg.Server.AuthStrategy),
		AudioParams: protocol.AudioParams{
			Format:        "opus",
			SampleRate:    cfg.Audio.CaptureSampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: cfg.Audio.FrameDurationMs,
		},
		HandshakeTimeout:     time.Duration(cfg.Server.HandshakeTimeoutMs) * time.Millisecond,
		ReconnectEnabled:     cfg.Reconnect.IsEnabled(),
		ReconnectInterval:    time.Duration(cfg.Reconnect.IntervalMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		Dialer:               opts.Dialer,
	})

	return c, nil
}

// Connect establishes the session and wires inbound traffic into the
// playback pipeline and the event callbacks.
func (c *Client) Connect(ctx context.Context) error {
	start := time.Now()
	err := c.sess.Connect(ctx, c.handlers())
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	c.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())

	// The server's hello may announce a different playback format than
	// the config assumed.
	if p := c.sess.ServerAudioParams(); p != nil && p.SampleRate != c.cfg.Audio.PlaybackSampleRate {
		slog.Info("server playback format differs from config",
			"config_rate", c.cfg.Audio.PlaybackSampleRate,
			"server_rate", p.SampleRate,
		)
	}
	return nil
}

// handlers builds the session handler set. Kept separate from Connect
// so reconnects reuse the same wiring.
func (c *Client) handlers() session.Handlers {
	ctx := context.Background()
	return session.Handlers{
		OnAudio: func(frame []byte) {
			c.metrics.FramesReceived.Add(ctx, 1)
			c.player.Enqueue(frame)
			c.metrics.PlaybackQueueDepth.Record(ctx, int64(c.player.QueueDepth()))
		},
		OnTTS: func(msg *protocol.ServerMessage) {
			c.metrics.RecordMessage(ctx, protocol.TypeTTS)
			if c.events.OnTTSState != nil && msg.State != "" {
				c.events.OnTTSState(msg.State)
			}
			if c.events.OnTTSSentence != nil && msg.State == protocol.TTSStateSentenceStart && msg.Text != "" {
				c.events.OnTTSSentence(msg.Text)
			}
		},
		OnSTT: func(msg *protocol.ServerMessage) {
			c.metrics.RecordMessage(ctx, protocol.TypeSTT)
			if c.events.OnTranscript != nil && msg.Text != "" {
				c.events.OnTranscript(msg.Text)
			}
		},
		OnEmotion: func(emotion string) {
			c.metrics.RecordMessage(ctx, protocol.TypeLLM)
			if c.events.OnEmotion != nil {
				c.events.OnEmotion(emotion)
			}
		},
		OnMCP: func(payload json.RawMessage) {
			c.metrics.RecordMessage(ctx, protocol.TypeMCP)
			if c.events.OnMCP != nil {
				c.events.OnMCP(payload)
			}
		},
		OnStateChange: func(s session.State) {
			c.mu.Lock()
			was := c.connected
			now := s == session.StateConnected
			c.connected = now
			c.mu.Unlock()
			if now && !was {
				c.metrics.ActiveSessions.Add(ctx, 1)
			} else if was && !now {
				c.metrics.ActiveSessions.Add(ctx, -1)
			}
			if c.events.OnSessionState != nil {
				c.events.OnSessionState(s)
			}
		},
		OnReconnecting: func(attempt int) {
			c.metrics.ReconnectAttempts.Add(ctx, 1)
			slog.Info("reconnecting", "attempt", attempt)
		},
		OnDisconnected: func(err error) {
			c.StopVoice()
			c.player.Stop()
			if err != nil {
				slog.Warn("session ended", "error", err)
			}
		},
	}
}

// StartVoice opens the microphone pipeline and tells the server to
// listen. The mode is one of the protocol listen modes (auto, manual,
// realtime).
func (c *Client) StartVoice(ctx context.Context, mode string) error {
	if c.capture == nil {
		return errors.New("client: no capture source configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voiceStop != nil {
		return nil // already recording
	}

	if err := c.sess.StartListening(mode); err != nil {
		return fmt.Errorf("client: start listening: %w", err)
	}

	vctx, cancel := context.WithCancel(ctx)
	err := c.capture.StartRecording(vctx, func(frame []byte) {
		if err := c.sess.SendAudio(frame); err != nil {
			c.metrics.RecordDroppedFrame(vctx, observe.DropDisconnected)
			return
		}
		c.metrics.FramesSent.Add(vctx, 1)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("client: start recording: %w", err)
	}
	c.voiceStop = cancel
	return nil
}

// StopVoice closes the microphone pipeline and tells the server to stop
// listening. Safe to call when not recording.
func (c *Client) StopVoice() {
	c.mu.Lock()
	cancel := c.voiceStop
	c.voiceStop = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.capture.StopRecording()
	if err := c.sess.StopListening(); err != nil && !errors.Is(err, session.ErrNotConnected) {
		slog.Warn("stop listening", "error", err)
	}
}

// DetectWake reports a locally detected wake word to the server.
func (c *Client) DetectWake(text string) error {
	return c.sess.DetectWake(text)
}

// Abort asks the server to cancel in-flight synthesis and clears any
// queued playback so the cancellation is audible immediately.
func (c *Client) Abort(reason string) error {
	c.player.Stop()
	return c.sess.Abort(reason)
}

// SendMCP relays an opaque tool-protocol payload to the server.
func (c *Client) SendMCP(payload json.RawMessage) error {
	return c.sess.SendMCP(payload)
}

// Session exposes the underlying session for state inspection.
func (c *Client) Session() *session.Session {
	return c.sess
}

// PlaybackDropped reports how many frames the playback queue has
// discarded since the client was created.
func (c *Client) PlaybackDropped() uint64 {
	return c.player.Dropped()
}

// Ready reports whether the session currently has an acknowledged
// connection. Suitable as a readiness check.
func (c *Client) Ready(context.Context) error {
	if c.sess.State() != session.StateConnected {
		return fmt.Errorf("session state is %s", c.sess.State())
	}
	return nil
}

// Close tears the client down: microphone, playback, then session.
func (c *Client) Close() error {
	c.StopVoice()
	c.player.Stop()
	c.sess.Disconnect()

	var errs []error
	if c.capture != nil {
		if err := c.capture.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.player.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
