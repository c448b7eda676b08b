package client_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skylark-voice/skylark/internal/client"
	"github.com/skylark-voice/skylark/internal/config"
	"github.com/skylark-voice/skylark/internal/identity"
	"github.com/skylark-voice/skylark/pkg/audio"
	"github.com/skylark-voice/skylark/pkg/session"
)

// fakeTransport is an in-memory Transport that acknowledges the client
// hello and records every outbound write.
type fakeTransport struct {
	mu      sync.Mutex
	writes  []fakeWrite
	inbound chan fakeWrite
	closed  bool
}

type fakeWrite struct {
	kind session.MessageKind
	data []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan fakeWrite, 64)}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) (session.MessageKind, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case w, ok := <-t.inbound:
		if !ok {
			return 0, nil, context.Canceled
		}
		return w.kind, w.data, nil
	}
}

func (t *fakeTransport) WriteMessage(_ context.Context, kind session.MessageKind, data []byte) error {
	t.mu.Lock()
	t.writes = append(t.writes, fakeWrite{kind: kind, data: append([]byte(nil), data...)})
	t.mu.Unlock()

	if kind == session.KindText && strings.Contains(string(data), `"type":"hello"`) {
		t.inbound <- fakeWrite{kind: session.KindText, data: []byte(
			`{"type":"hello","transport":"websocket","session_id":"sess-1",` +
				`"audio_params":{"format":"opus","sample_rate":24000,"channels":1,"frame_duration":60}}`,
		)}
	}
	return nil
}

func (t *fakeTransport) Close(string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// serverSend injects an inbound message as if the server had sent it.
func (t *fakeTransport) serverSend(kind session.MessageKind, data []byte) {
	t.inbound <- fakeWrite{kind: kind, data: data}
}

// textWrites returns outbound text payloads matching the substring.
func (t *fakeTransport) textWrites(substr string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, w := range t.writes {
		if w.kind == session.KindText && strings.Contains(string(w.data), substr) {
			out = append(out, string(w.data))
		}
	}
	return out
}

func (t *fakeTransport) binaryWriteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.writes {
		if w.kind == session.KindBinary {
			n++
		}
	}
	return n
}

// memorySink records every PCM buffer played.
type memorySink struct {
	mu     sync.Mutex
	played [][]float32
}

func (s *memorySink) Play(_ context.Context, pcm []float32) error {
	s.mu.Lock()
	s.played = append(s.played, append([]float32(nil), pcm...))
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

// chunkSource delivers the given PCM16 chunks once started.
type chunkSource struct {
	chunks [][]byte
}

func (s *chunkSource) Start(context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	return ch, nil
}

func (s *chunkSource) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  url: wss://voice.example.com/ws
  token: test-token
reconnect:
  enabled: false
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testIdentity() identity.Identity {
	return identity.Identity{
		DeviceID: "aa:bb:cc:dd:ee:ff",
		ClientID: "11111111-2222-3333-4444-555555555555",
	}
}

func newTestClient(t *testing.T, source audio.Source, events client.Events) (*client.Client, *fakeTransport, *memorySink) {
	t.Helper()
	ft := newFakeTransport()
	sink := &memorySink{}
	c, err := client.New(client.Options{
		Config:   testConfig(t),
		Identity: testIdentity(),
		Source:   source,
		Sink:     sink,
		Dialer: func(context.Context, session.ConnectionDescriptor) (session.Transport, error) {
			return ft, nil
		},
	}, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ft, sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectPlaysReceivedAudio(t *testing.T) {
	c, ft, sink := newTestClient(t, nil, client.Events{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A raw PCM16 frame; the codec falls back to PCM when the payload
	// is not an opus packet.
	frame := make([]byte, 480)
	for i := range frame {
		frame[i] = byte(i)
	}
	ft.serverSend(session.KindBinary, frame)

	waitFor(t, func() bool { return sink.count() == 1 }, "frame never reached the sink")
}

func TestEventRouting(t *testing.T) {
	var (
		mu         sync.Mutex
		transcript string
		sentences  []string
		ttsStates  []string
		emotion    string
		mcpPayload string
	)
	events := client.Events{
		OnTranscript: func(text string) {
			mu.Lock()
			transcript = text
			mu.Unlock()
		},
		OnTTSState: func(state string) {
			mu.Lock()
			ttsStates = append(ttsStates, state)
			mu.Unlock()
		},
		OnTTSSentence: func(text string) {
			mu.Lock()
			sentences = append(sentences, text)
			mu.Unlock()
		},
		OnEmotion: func(e string) {
			mu.Lock()
			emotion = e
			mu.Unlock()
		},
		OnMCP: func(p json.RawMessage) {
			mu.Lock()
			mcpPayload = string(p)
			mu.Unlock()
		},
	}
	c, ft, _ := newTestClient(t, nil, events)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ft.serverSend(session.KindText, []byte(`{"type":"stt","text":"hello there"}`))
	ft.serverSend(session.KindText, []byte(`{"type":"tts","state":"start"}`))
	ft.serverSend(session.KindText, []byte(`{"type":"tts","state":"sentence_start","text":"Hi!"}`))
	ft.serverSend(session.KindText, []byte(`{"type":"llm","emotion":"happy"}`))
	ft.serverSend(session.KindText, []byte(`{"type":"mcp","payload":{"method":"ping"}}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return transcript != "" && emotion != "" && mcpPayload != "" && len(ttsStates) == 2
	}, "events never arrived")

	mu.Lock()
	defer mu.Unlock()
	if transcript != "hello there" {
		t.Errorf("transcript = %q", transcript)
	}
	if want := []string{"start", "sentence_start"}; len(ttsStates) != 2 || ttsStates[0] != want[0] || ttsStates[1] != want[1] {
		t.Errorf("tts states = %v, want %v", ttsStates, want)
	}
	if len(sentences) != 1 || sentences[0] != "Hi!" {
		t.Errorf("sentences = %v", sentences)
	}
	if emotion != "happy" {
		t.Errorf("emotion = %q", emotion)
	}
	if mcpPayload != `{"method":"ping"}` {
		t.Errorf("mcp payload = %q", mcpPayload)
	}
}

func TestStartVoiceStreamsFrames(t *testing.T) {
	// One exact 60 ms frame at 16 kHz mono PCM16.
	chunk := make([]byte, 1920)
	source := &chunkSource{chunks: [][]byte{chunk}}

	c, ft, _ := newTestClient(t, source, client.Events{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.StartVoice(context.Background(), "manual"); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}

	waitFor(t, func() bool { return ft.binaryWriteCount() == 1 }, "audio frame never sent")

	if got := ft.textWrites(`"state":"start"`); len(got) != 1 {
		t.Errorf("listen start messages = %d, want 1", len(got))
	}

	c.StopVoice()
	if got := ft.textWrites(`"state":"stop"`); len(got) != 1 {
		t.Errorf("listen stop messages = %d, want 1", len(got))
	}
}

func TestStartVoiceTwiceIsIdempotent(t *testing.T) {
	source := &chunkSource{}
	c, ft, _ := newTestClient(t, source, client.Events{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.StartVoice(context.Background(), "auto"); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	if err := c.StartVoice(context.Background(), "auto"); err != nil {
		t.Fatalf("second StartVoice: %v", err)
	}
	if got := ft.textWrites(`"state":"start"`); len(got) != 1 {
		t.Errorf("listen start messages = %d, want 1", len(got))
	}
}

func TestStartVoiceWithoutSource(t *testing.T) {
	c, _, _ := newTestClient(t, nil, client.Events{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.StartVoice(context.Background(), "manual"); err == nil {
		t.Fatal("expected error without a capture source")
	}
}

func TestAbortSendsAbortMessage(t *testing.T) {
	c, ft, _ := newTestClient(t, nil, client.Events{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Abort("user interrupt"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if got := ft.textWrites(`"type":"abort"`); len(got) != 1 {
		t.Errorf("abort messages = %d, want 1", len(got))
	}
}

func TestReadyReflectsSessionState(t *testing.T) {
	c, _, _ := newTestClient(t, nil, client.Events{})
	if err := c.Ready(context.Background()); err == nil {
		t.Fatal("Ready should fail before Connect")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Ready(context.Background()); err != nil {
		t.Errorf("Ready after Connect: %v", err)
	}
}

func TestNewRequiresSink(t *testing.T) {
	_, err := client.New(client.Options{Config: testConfig(t)}, client.Events{})
	if err == nil {
		t.Fatal("expected error without a sink")
	}
}
