package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"
)

// ErrUndecodable is returned by [Codec.Decode] when a payload is neither
// a valid Opus packet nor plausible raw PCM16. The caller drops that
// single frame; subsequent frames are unaffected.
var ErrUndecodable = errors.New("audio: payload is neither opus nor pcm16")

// Hooks for tests to simulate platforms without a native Opus codec.
var (
	newOpusEncoder = func(sampleRate, channels int) (*gopus.Encoder, error) {
		return gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	}
	newOpusDecoder = gopus.NewDecoder
)

// maxOpusPacket caps the encoded size of a single frame. Opus voice
// frames are far smaller in practice.
const maxOpusPacket = 4000

// Codec hides Opus availability behind one encode/decode surface with a
// deterministic raw-PCM16 fallback on both paths. Callers never need to
// know which path is active: encoded output always arrives through the
// callback given to [Codec.InitEncoder], and [Codec.Decode] always
// yields float samples or an error for that one frame.
//
// A Codec is safe for concurrent use by the capture and playback
// pipelines.
type Codec struct {
	mu sync.Mutex

	enc          *gopus.Encoder
	encFrameSize int // samples per channel per frame
	encChannels  int
	onEncoded    func([]byte)
	pending      []int16 // buffered samples awaiting a full frame

	dec          *gopus.Decoder
	decFrameSize int
	decChannels  int
}

// NewCodec returns a Codec with no encoder or decoder initialised.
func NewCodec() *Codec {
	return &Codec{}
}

// InitEncoder prepares the Opus encoder for the given capture format and
// registers the callback that receives each encoded packet. It reports
// false when no Opus encoder is available for the format — an expected
// branch, not an error: the caller then feeds raw PCM frames through the
// same callback contract instead of calling [Codec.Encode].
func (c *Codec) InitEncoder(sampleRate, channels, frameMs int, onEncoded func([]byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc, err := newOpusEncoder(sampleRate, channels)
	if err != nil {
		slog.Info("audio: opus encoder unavailable, using pcm fallback",
			"sample_rate", sampleRate, "channels", channels, "err", err)
		c.enc = nil
		return false
	}
	c.enc = enc
	c.encFrameSize = sampleRate * frameMs / 1000
	c.encChannels = channels
	c.onEncoded = onEncoded
	c.pending = c.pending[:0]
	return true
}

// EncoderReady reports whether InitEncoder succeeded.
func (c *Codec) EncoderReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc != nil
}

// Encode accepts float PCM samples and emits complete Opus packets via
// the registered callback. Output is asynchronous from the caller's
// perspective: partial frames are buffered until enough samples arrive,
// so a given call may emit zero, one, or several packets.
func (c *Codec) Encode(samples []float32) error {
	pcm := float32sToInt16s(samples)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return errors.New("audio: encoder not initialised")
	}
	c.pending = append(c.pending, pcm...)
	return c.drainPendingLocked(false)
}

// Flush encodes any buffered partial frame, zero-padded to a full frame
// length. Callers must invoke Flush before treating capture as stopped
// or the trailing audio is lost.
func (c *Codec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return nil
	}
	return c.drainPendingLocked(true)
}

// drainPendingLocked emits every complete frame in the pending buffer.
// When pad is set, a trailing partial frame is zero-padded and emitted
// too. Caller holds c.mu.
func (c *Codec) drainPendingLocked(pad bool) error {
	full := c.encFrameSize * c.encChannels
	for len(c.pending) >= full {
		frame := c.pending[:full]
		packet, err := c.enc.Encode(frame, c.encFrameSize, maxOpusPacket)
		if err != nil {
			return fmt.Errorf("audio: opus encode: %w", err)
		}
		c.pending = c.pending[full:]
		if c.onEncoded != nil {
			c.onEncoded(packet)
		}
	}
	if pad && len(c.pending) > 0 {
		frame := make([]int16, full)
		copy(frame, c.pending)
		c.pending = c.pending[:0]
		packet, err := c.enc.Encode(frame, c.encFrameSize, maxOpusPacket)
		if err != nil {
			return fmt.Errorf("audio: opus encode tail: %w", err)
		}
		if c.onEncoded != nil {
			c.onEncoded(packet)
		}
	}
	return nil
}

// InitDecoder prepares the Opus decoder for the negotiated playback
// format. Without it, [Codec.Decode] goes straight to the PCM16
// fallback.
func (c *Codec) InitDecoder(sampleRate, channels, frameMs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dec, err := newOpusDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("audio: create opus decoder: %w", err)
	}
	c.dec = dec
	c.decFrameSize = sampleRate * frameMs / 1000
	c.decChannels = channels
	return nil
}

// Decode turns one received opaque frame into float PCM samples at the
// playback format. It first attempts an Opus decode; a failure there is
// expected and handled by reinterpreting the same bytes as raw
// little-endian PCM16 normalised by 1/32768. Only when both paths fail
// does Decode return [ErrUndecodable].
func (c *Codec) Decode(payload []byte) ([]float32, error) {
	c.mu.Lock()
	dec := c.dec
	frameSize := c.decFrameSize
	c.mu.Unlock()

	if dec != nil {
		c.mu.Lock()
		pcm, err := dec.Decode(payload, frameSize, false)
		c.mu.Unlock()
		if err == nil {
			return int16sToFloat32s(pcm), nil
		}
	}

	// Raw PCM16 fallback: any even, non-empty byte count qualifies.
	if len(payload) >= 2 && len(payload)%2 == 0 {
		return PCM16ToFloat32(payload), nil
	}
	return nil, ErrUndecodable
}

func float32sToInt16s(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		if s >= 0 {
			out[i] = int16(s * 32767)
		} else {
			out[i] = int16(s * 32768)
		}
	}
	return out
}

func int16sToFloat32s(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / 32768
	}
	return out
}
