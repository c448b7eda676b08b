// Package wavio adapts WAV files to the capture and playback pipeline
// interfaces, standing in for real microphone and speaker devices in
// the demo CLI and in tests.
package wavio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/skylark-voice/skylark/pkg/audio"
)

// FileSource streams a 16-bit PCM WAV file as microphone chunks. When
// Realtime is set, chunks are paced at the frame duration so the stream
// behaves like a live microphone; otherwise they are delivered as fast
// as the consumer drains them.
type FileSource struct {
	path     string
	cfg      audio.CaptureConfig
	realtime bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewFileSource opens path for streaming with the given capture format.
// The file's sample rate and channel count must match cfg.
func NewFileSource(path string, cfg audio.CaptureConfig, realtime bool) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavio: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavio: %q is not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wavio: %q has bit depth %d, want 16", path, dec.BitDepth)
	}
	if int(dec.SampleRate) != cfg.SampleRate {
		return nil, fmt.Errorf("wavio: %q has sample rate %d, want %d", path, dec.SampleRate, cfg.SampleRate)
	}
	if int(dec.NumChans) != cfg.Channels {
		return nil, fmt.Errorf("wavio: %q has %d channels, want %d", path, dec.NumChans, cfg.Channels)
	}

	return &FileSource{
		path:     path,
		cfg:      cfg,
		realtime: realtime,
		done:     make(chan struct{}),
	}, nil
}

// Start begins streaming. The returned channel closes when the file is
// exhausted, the context is cancelled, or the source is closed.
func (s *FileSource) Start(ctx context.Context) (<-chan []byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavio: open %q: %w", s.path, err)
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()

	samplesPerFrame := s.cfg.SampleRate * s.cfg.FrameMs / 1000 * s.cfg.Channels
	out := make(chan []byte, 4)

	go func() {
		defer close(out)
		defer f.Close()

		var ticker *time.Ticker
		if s.realtime {
			ticker = time.NewTicker(time.Duration(s.cfg.FrameMs) * time.Millisecond)
			defer ticker.Stop()
		}

		buf := &gaudio.IntBuffer{
			Format: &gaudio.Format{NumChannels: s.cfg.Channels, SampleRate: s.cfg.SampleRate},
			Data:   make([]int, samplesPerFrame),
		}
		for {
			n, err := dec.PCMBuffer(buf)
			if err != nil || n == 0 {
				return
			}
			chunk := make([]byte, n*2)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint16(chunk[i*2:], uint16(int16(buf.Data[i])))
			}

			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

// Close stops any in-flight stream.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// FileSink writes played PCM to a 16-bit WAV file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *wav.Encoder
	rate int
	ch   int
}

// NewFileSink creates (or truncates) path as a 16-bit PCM WAV file with
// the given playback format.
func NewFileSink(path string, sampleRate, channels int) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavio: create %q: %w", path, err)
	}
	return &FileSink{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, channels, 1),
		rate: sampleRate,
		ch:   channels,
	}, nil
}

// Play appends one decoded buffer to the file.
func (s *FileSink) Play(_ context.Context, pcm []float32) error {
	samples := audio.BytesToInt16s(audio.Float32ToPCM16(pcm))
	buf := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: s.ch, SampleRate: s.rate},
		Data:   make([]int, len(samples)),
	}
	for i, v := range samples {
		buf.Data[i] = int(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("wavio: sink already closed")
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("wavio: write wav: %w", err)
	}
	return nil
}

// Close finalises the WAV header and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	err := errors.Join(s.enc.Close(), s.f.Close())
	s.enc = nil
	if err != nil {
		return fmt.Errorf("wavio: close sink: %w", err)
	}
	return nil
}

var (
	_ audio.Source = (*FileSource)(nil)
	_ audio.Sink   = (*FileSink)(nil)
)
