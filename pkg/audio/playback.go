package audio

import (
	"context"
	"log/slog"
	"sync"
)

// Sink is the speaker boundary. Play renders one decoded buffer and
// returns on natural completion (or earlier when the context is
// cancelled); implementations own the output device. Close releases it
// and must be idempotent.
type Sink interface {
	Play(ctx context.Context, pcm []float32) error
	Close() error
}

// PlaybackState describes whether the player currently renders audio.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackPlaying
)

// String returns the human-readable name of the playback state.
func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Player renders received audio frames in strict arrival order with no
// gaps between queued frames. Frames are opaque bytes; each is decoded
// independently (Opus, falling back to raw PCM16) right before it plays,
// so one undecodable frame drops alone without disturbing its
// neighbours.
//
// Transitions into playing and back to idle are observable via
// [Player.OnStateChange]; the player knows nothing about what the
// observer does with them.
type Player struct {
	codec *Codec
	sink  Sink

	// maxDepth bounds the pending queue; 0 means unbounded. On
	// overflow the oldest frames are dropped: for live voice the
	// newest audio is the valuable audio.
	maxDepth int

	mu      sync.Mutex
	queue   [][]byte
	running bool
	cancel  context.CancelFunc
	onState func(PlaybackState)
	dropped uint64

	// notifyMu serialises state notifications across loop restarts so
	// an observer always sees playing strictly before the matching
	// idle. Never held together with a public method's use of mu.
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

// NewPlayer creates a playback pipeline over the given codec and sink.
// maxQueueDepth of 0 leaves the queue unbounded.
func NewPlayer(codec *Codec, sink Sink, maxQueueDepth int) *Player {
	return &Player{codec: codec, sink: sink, maxDepth: maxQueueDepth}
}

// OnStateChange registers the observer for playing/idle transitions.
// Only one observer is kept; the last registration wins. The callback
// runs on the playback goroutine and must not block.
func (p *Player) OnStateChange(fn func(PlaybackState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// State returns the current playback state.
func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return PlaybackPlaying
	}
	return PlaybackIdle
}

// QueueDepth returns the number of frames waiting to play.
func (p *Player) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the number of frames discarded by the overflow policy.
func (p *Player) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Enqueue appends one received frame to the FIFO and starts playback
// immediately when nothing is playing.
func (p *Player) Enqueue(frame []byte) {
	p.mu.Lock()
	if p.maxDepth > 0 && len(p.queue) >= p.maxDepth {
		over := len(p.queue) - p.maxDepth + 1
		p.queue = p.queue[over:]
		p.dropped += uint64(over)
		slog.Warn("audio: playback queue overflow, dropped oldest frames",
			"dropped", over, "max_depth", p.maxDepth)
	}
	p.queue = append(p.queue, frame)

	if !p.running {
		p.running = true
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.loop(ctx)
	}
	p.mu.Unlock()
}

// Stop halts in-flight playback, clears the queue, and transitions to
// idle. Used on session teardown or an explicit abort. Safe to call
// when idle.
func (p *Player) Stop() {
	p.mu.Lock()
	p.queue = nil
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Close stops playback and releases the sink.
func (p *Player) Close() error {
	p.Stop()
	return p.sink.Close()
}

// loop plays queued frames head-first until the queue drains or the
// context is cancelled, then reports idle exactly once. Both state
// notifications are emitted under notifyMu, and running only flips
// back to false inside the idle notification's critical section, so
// an observer always sees playing strictly before the matching idle
// even when a successor loop starts immediately.
func (p *Player) loop(ctx context.Context) {
	defer p.wg.Done()

	p.notifyMu.Lock()
	p.mu.Lock()
	notify := p.onState
	p.mu.Unlock()
	if notify != nil {
		notify(PlaybackPlaying)
	}
	p.notifyMu.Unlock()

	for {
		p.mu.Lock()
		if ctx.Err() != nil || len(p.queue) == 0 {
			p.mu.Unlock()
			if p.finish(ctx) {
				return
			}
			continue
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		pcm, err := p.codec.Decode(frame)
		if err != nil {
			slog.Warn("audio: dropping undecodable playback frame",
				"bytes", len(frame), "err", err)
			continue
		}

		if err := p.sink.Play(ctx, pcm); err != nil {
			if ctx.Err() != nil {
				continue // Stop was requested; loop exits above.
			}
			slog.Warn("audio: sink playback", "err", err)
		}
	}
}

// finish re-checks the exit condition under notifyMu and, if it still
// holds, stops the loop and reports idle. Returns false when frames
// arrived in the window before notifyMu was taken, in which case the
// loop keeps playing.
func (p *Player) finish(ctx context.Context) bool {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if ctx.Err() == nil && len(p.queue) > 0 {
		p.mu.Unlock()
		return false
	}
	if ctx.Err() != nil {
		// Stop owns this cancellation and is draining the queue;
		// frames racing in after it are cleared too.
		p.queue = nil
	}
	p.running = false
	p.cancel = nil
	notify := p.onState
	p.mu.Unlock()

	if notify != nil {
		notify(PlaybackIdle)
	}
	return true
}
