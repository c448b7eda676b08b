package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Source is the microphone boundary. Implementations own the device:
// opening it (including any echo-cancellation / noise-suppression /
// auto-gain configuration the backend offers), permission handling, and
// chunking. Start delivers little-endian PCM16 chunks of arbitrary size
// at the capture sample rate; the channel closes when the source is
// exhausted or the context is cancelled. Close releases the device and
// must be idempotent.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// CaptureState describes whether the capture pipeline is delivering
// frames.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureRecording
)

// String returns the human-readable name of the capture state.
func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// CaptureConfig fixes the capture format for the lifetime of a Capture.
type CaptureConfig struct {
	// SampleRate in Hz of the source's PCM (e.g. 16000).
	SampleRate int

	// Channels of the source's PCM; mono for voice.
	Channels int

	// FrameMs is the fixed frame duration delivered downstream.
	FrameMs int
}

// Capture bridges a [Source] to a per-frame callback. It re-chunks the
// source's arbitrary-size PCM into exact fixed-duration frames and runs
// them through the codec when Opus is available, otherwise it emits the
// raw PCM16 frames through the same callback — callers cannot tell which
// path is active.
//
// Initialize once, then start/stop any number of times; Dispose releases
// the source for good.
type Capture struct {
	cfg   CaptureConfig
	codec *Codec

	mu       sync.Mutex
	source   Source
	state    CaptureState
	onFrame  func([]byte)
	cancel   context.CancelFunc
	opus     bool
	opusInit bool
	rem      []byte // partial PCM frame carried between chunks

	wg sync.WaitGroup
}

// NewCapture creates a capture pipeline for the given format. The codec
// is shared with the rest of the client and must outlive the Capture.
func NewCapture(cfg CaptureConfig, codec *Codec) *Capture {
	return &Capture{cfg: cfg, codec: codec}
}

// Initialize attaches the microphone source. It must be called once
// before the first StartRecording and the source is then reused across
// start/stop cycles.
func (c *Capture) Initialize(source Source) error {
	if source == nil {
		return errors.New("audio: capture source must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		return errors.New("audio: capture already initialised")
	}
	c.source = source
	return nil
}

// State returns the current capture state.
func (c *Capture) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartRecording begins delivering fixed-duration frames to onFrame.
// The first call attempts Opus encoder initialisation; when the codec
// reports the format unsupported, capture silently degrades to raw PCM
// frames with the identical callback contract. A device/permission
// failure from the source is returned to the caller immediately.
func (c *Capture) StartRecording(ctx context.Context, onFrame func([]byte)) error {
	c.mu.Lock()
	if c.source == nil {
		c.mu.Unlock()
		return errors.New("audio: capture not initialised")
	}
	if c.state == CaptureRecording {
		c.mu.Unlock()
		return nil
	}

	if !c.opusInit {
		c.opus = c.codec.InitEncoder(c.cfg.SampleRate, c.cfg.Channels, c.cfg.FrameMs, func(packet []byte) {
			c.deliver(packet)
		})
		c.opusInit = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	chunks, err := c.source.Start(runCtx)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("audio: start capture source: %w", err)
	}

	c.onFrame = onFrame
	c.cancel = cancel
	c.state = CaptureRecording
	c.rem = c.rem[:0]
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, chunks)
	return nil
}

// StopRecording halts frame delivery, flushes the codec so no trailing
// audio is lost, and releases the callback reference. Calling it while
// idle is a no-op.
func (c *Capture) StopRecording() {
	c.mu.Lock()
	if c.state != CaptureRecording {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if err := c.codec.Flush(); err != nil {
		slog.Warn("audio: codec flush on stop", "err", err)
	}

	c.mu.Lock()
	c.state = CaptureIdle
	c.onFrame = nil
	c.cancel = nil
	c.rem = c.rem[:0]
	c.mu.Unlock()
}

// Dispose stops any active recording and releases the source.
// Idempotent.
func (c *Capture) Dispose() error {
	c.StopRecording()

	c.mu.Lock()
	source := c.source
	c.source = nil
	c.mu.Unlock()

	if source == nil {
		return nil
	}
	return source.Close()
}

// run consumes source chunks until the channel closes or the context is
// cancelled.
func (c *Capture) run(ctx context.Context, chunks <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			c.consume(chunk)
		case <-ctx.Done():
			return
		}
	}
}

// consume routes one source chunk down the active path.
func (c *Capture) consume(chunk []byte) {
	if c.opus {
		// The codec buffers partial frames internally and emits
		// complete packets via the InitEncoder callback.
		if err := c.codec.Encode(PCM16ToFloat32(chunk)); err != nil {
			slog.Warn("audio: encode capture chunk", "err", err)
		}
		return
	}

	// PCM path: carry a remainder so frames stay exactly one frame
	// duration long regardless of the source's chunking.
	frameBytes := c.cfg.SampleRate * c.cfg.FrameMs / 1000 * c.cfg.Channels * 2

	c.mu.Lock()
	c.rem = append(c.rem, chunk...)
	var frames [][]byte
	for len(c.rem) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, c.rem[:frameBytes])
		c.rem = c.rem[frameBytes:]
		frames = append(frames, frame)
	}
	c.mu.Unlock()

	for _, frame := range frames {
		c.deliver(frame)
	}
}

// deliver hands one outbound frame to the registered callback, if any.
func (c *Capture) deliver(frame []byte) {
	c.mu.Lock()
	onFrame := c.onFrame
	c.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}
