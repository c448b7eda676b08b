// Package protocol defines the JSON control messages exchanged with a
// Skylark voice server. Every message carries a "type" discriminator;
// binary audio frames travel outside this package entirely, on the
// transport's binary framing.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators. Outbound and inbound sets overlap: "hello"
// is sent by both sides, "listen" and "abort" are client-only, "tts",
// "stt" and "llm" are server-only. "mcp" is an opaque passthrough in
// both directions.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeTTS    = "tts"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeMCP    = "mcp"
)

// Listen states for the "listen" message.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// Listen modes describing how capture was triggered.
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TTS states reported by the server while synthesising speech.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
)

// AudioParams announces the audio format one side produces. The client
// sends its capture format in the hello; the server replies with the
// format of the frames it will stream back (typically 24 kHz).
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Features advertises optional protocol capabilities in the hello.
type Features struct {
	MCP bool `json:"mcp"`
}

// Hello is the client's opening handshake message. The session is not
// usable until the server acknowledges it with its own hello.
type Hello struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	Features    Features    `json:"features"`
	AudioParams AudioParams `json:"audio_params"`
}

// NewHello builds the canonical client hello for the given protocol
// version and capture format.
func NewHello(version int, params AudioParams) Hello {
	return Hello{
		Type:        TypeHello,
		Version:     version,
		Transport:   "websocket",
		Features:    Features{MCP: true},
		AudioParams: params,
	}
}

// Listen tells the server to start, stop, or wake-word-detect on the
// client's audio stream.
type Listen struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Abort asks the server to cancel in-flight synthesis.
type Abort struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// MCP carries an opaque tool-protocol payload. The client never
// interprets the payload; it is relayed verbatim between the server and
// the embedding application.
type MCP struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// AuthPayload is the in-band credential object used by the "handshake"
// auth strategy: it is the first payload written after the transport
// opens, before the hello.
type AuthPayload struct {
	Token           string `json:"token"`
	DeviceID        string `json:"device_id"`
	ClientID        string `json:"client_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// ServerMessage is the inbound envelope. All fields are optional; which
// ones are populated depends on Type. Keeping one struct per connection
// read avoids a decode-dispatch-decode round trip for every message.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// hello ack
	Transport   string       `json:"transport,omitempty"`
	Version     int          `json:"version,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`

	// tts / stt / listen echoes
	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`

	// llm
	Emotion string `json:"emotion,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseServerMessage decodes an inbound text frame. It fails on
// malformed JSON or a missing type discriminator; unknown-but-valid
// types parse fine and are left to the dispatcher to ignore.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode server message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: server message missing type discriminator")
	}
	return &msg, nil
}
