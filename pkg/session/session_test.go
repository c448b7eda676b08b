package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skylark-voice/skylark/pkg/protocol"
)

// fakeTransport is an in-memory Transport scripted by tests. When
// autoAck is set it answers the client hello with a server hello, which
// is enough to complete the handshake.
type fakeTransport struct {
	mu      sync.Mutex
	written []fakeMsg
	inbound chan fakeMsg
	closed  chan struct{}
	once    sync.Once
	autoAck bool
	ackJSON string
}

type fakeMsg struct {
	kind MessageKind
	data []byte
}

func newFakeTransport(autoAck bool) *fakeTransport {
	return &fakeTransport{
		inbound: make(chan fakeMsg, 32),
		closed:  make(chan struct{}),
		autoAck: autoAck,
		ackJSON: `{"type":"hello","transport":"websocket","session_id":"srv-42","audio_params":{"format":"opus","sample_rate":24000,"channels":1,"frame_duration":60}}`,
	}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) (MessageKind, []byte, error) {
	select {
	case msg := <-t.inbound:
		return msg.kind, msg.data, nil
	case <-t.closed:
		return 0, nil, errors.New("fake transport closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteMessage(_ context.Context, kind MessageKind, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("fake transport closed")
	default:
	}
	t.mu.Lock()
	t.written = append(t.written, fakeMsg{kind: kind, data: append([]byte(nil), data...)})
	t.mu.Unlock()

	if t.autoAck && kind == KindText {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == protocol.TypeHello {
			t.inject(KindText, []byte(t.ackJSON))
		}
	}
	return nil
}

func (t *fakeTransport) Close(string) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// fail simulates an unexpected server-side closure.
func (t *fakeTransport) fail() { _ = t.Close("") }

func (t *fakeTransport) inject(kind MessageKind, data []byte) {
	select {
	case t.inbound <- fakeMsg{kind: kind, data: data}:
	case <-t.closed:
	}
}

func (t *fakeTransport) writtenMessages() []fakeMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]fakeMsg, len(t.written))
	copy(out, t.written)
	return out
}

func (t *fakeTransport) countHellos() int {
	n := 0
	for _, m := range t.writtenMessages() {
		var probe struct {
			Type string `json:"type"`
		}
		if m.kind == KindText && json.Unmarshal(m.data, &probe) == nil && probe.Type == protocol.TypeHello {
			n++
		}
	}
	return n
}

// fakeDialer hands out transports in order and records every dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
	failAfter  int // dials beyond this index return an error; -1 = never
}

func newFakeDialer(transports ...*fakeTransport) *fakeDialer {
	return &fakeDialer{transports: transports, failAfter: -1}
}

func (d *fakeDialer) dial(context.Context, ConnectionDescriptor) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dials
	d.dials++
	if d.failAfter >= 0 && idx >= d.failAfter {
		return nil, errors.New("dial refused")
	}
	if idx >= len(d.transports) {
		return nil, errors.New("no transport scripted for dial")
	}
	return d.transports[idx], nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func testConfig(d *fakeDialer) Config {
	return Config{
		ServerURL:  "wss://voice.example.test/chat",
		Credential: Credential{Token: "tok-1", DeviceID: "aa:bb:cc:dd:ee:ff", ClientID: "c-1", ProtocolVersion: 1},
		AudioParams: protocol.AudioParams{
			Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60,
		},
		HandshakeTimeout: 500 * time.Millisecond,
		Dialer:           d.dial,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestConnectHandshakeOrdering(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)
	rec := &stateRecorder{}

	s := New(testConfig(dialer))
	err := s.Connect(context.Background(), Handlers{OnStateChange: rec.record})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []State{StateConnecting, StateConnected}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("state sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}

	// The hello must be on the wire before the session reported
	// connected.
	if n := ft.countHellos(); n != 1 {
		t.Fatalf("hello count = %d, want 1", n)
	}

	// A frame sent right after Connect returns must never be rejected
	// as not-connected.
	if err := s.SendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("sendAudio immediately after connect: %v", err)
	}

	if got := s.SessionID(); got != "srv-42" {
		t.Errorf("sessionID = %q, want srv-42 (adopted from server hello)", got)
	}
	if ap := s.ServerAudioParams(); ap == nil || ap.SampleRate != 24000 {
		t.Errorf("server audio params = %+v, want 24000 Hz", ap)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)

	s := New(testConfig(dialer))
	if err := s.Connect(context.Background(), Handlers{}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := s.Connect(context.Background(), Handlers{}); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if dialer.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 (no second transport)", dialer.dialCount())
	}
	if n := ft.countHellos(); n != 1 {
		t.Errorf("hello count = %d, want 1 (no second handshake)", n)
	}
}

func TestConnectMissingToken(t *testing.T) {
	dialer := newFakeDialer()
	cfg := testConfig(dialer)
	cfg.Credential.Token = ""

	s := New(cfg)
	err := s.Connect(context.Background(), Handlers{})
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	if dialer.dialCount() != 0 {
		t.Errorf("dial count = %d, want 0 (precondition must fail before any transport)", dialer.dialCount())
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ft := newFakeTransport(false) // never acks the hello
	dialer := newFakeDialer(ft)
	cfg := testConfig(dialer)
	cfg.HandshakeTimeout = 30 * time.Millisecond

	s := New(cfg)
	err := s.Connect(context.Background(), Handlers{})
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)

	var (
		mu   sync.Mutex
		ttsN int
	)
	s := New(testConfig(dialer))
	err := s.Connect(context.Background(), Handlers{
		OnTTS: func(*protocol.ServerMessage) {
			mu.Lock()
			ttsN++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.inject(KindText, []byte(`{"type":"unknown_banana","x":1}`))
	ft.inject(KindText, []byte(`{"type":"tts","state":"start"}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ttsN == 1
	}, "tts dispatch after unknown type")

	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected (unknown type must not fail the connection)", s.State())
	}
}

func TestInboundDispatchOrderAndRouting(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)

	var (
		mu     sync.Mutex
		events []string
	)
	push := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	s := New(testConfig(dialer))
	err := s.Connect(context.Background(), Handlers{
		OnTTS:     func(m *protocol.ServerMessage) { push("tts:" + m.State) },
		OnEmotion: func(e string) { push("llm:" + e) },
		OnMCP:     func(json.RawMessage) { push("mcp") },
		OnAudio:   func(f []byte) { push(fmt.Sprintf("audio:%d", len(f))) },
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.inject(KindText, []byte(`{"type":"tts","state":"start"}`))
	ft.inject(KindBinary, []byte{1, 2, 3})
	ft.inject(KindText, []byte(`{"type":"llm","emotion":"happy"}`))
	ft.inject(KindText, []byte(`{"type":"mcp","payload":{}}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, "all four dispatches")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"tts:start", "audio:3", "llm:happy", "mcp"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	s := New(testConfig(newFakeDialer()))
	if err := s.Send(protocol.Listen{Type: protocol.TypeListen, State: protocol.ListenStateStart}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)
	dialer.failAfter = 1 // every dial after the first is refused

	cfg := testConfig(dialer)
	cfg.ReconnectEnabled = true
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3

	var (
		mu       sync.Mutex
		discN    int
		discErr  error
		attempts []int
	)
	s := New(cfg)
	err := s.Connect(context.Background(), Handlers{
		OnReconnecting: func(n int) {
			mu.Lock()
			attempts = append(attempts, n)
			mu.Unlock()
		},
		OnDisconnected: func(err error) {
			mu.Lock()
			discN++
			discErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.fail()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return discN > 0
	}, "disconnection notice")

	// Give any stray 4th attempt a chance to show itself.
	time.Sleep(5 * cfg.ReconnectInterval)

	mu.Lock()
	defer mu.Unlock()
	if discN != 1 {
		t.Errorf("disconnected notifications = %d, want exactly 1", discN)
	}
	if discErr == nil {
		t.Error("disconnection error = nil, want budget-exhausted cause")
	}
	if len(attempts) != 3 {
		t.Errorf("reconnect attempts = %v, want exactly 3", attempts)
	}
	if got := dialer.dialCount(); got != 4 {
		t.Errorf("dial count = %d, want 4 (1 connect + 3 retries)", got)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}

func TestReconnectSuccessFreshHandshake(t *testing.T) {
	ft1 := newFakeTransport(true)
	ft2 := newFakeTransport(true)
	dialer := newFakeDialer(ft1, ft2)

	cfg := testConfig(dialer)
	cfg.ReconnectEnabled = true
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3

	rec := &stateRecorder{}
	s := New(cfg)
	if err := s.Connect(context.Background(), Handlers{OnStateChange: rec.record}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft1.fail()

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateConnected && dialer.dialCount() == 2 }, "reconnect")

	if n := ft2.countHellos(); n != 1 {
		t.Errorf("fresh hello on new transport = %d, want 1", n)
	}

	got := rec.snapshot()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}
	if len(got) != len(want) {
		t.Fatalf("state sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)
	dialer.failAfter = 1

	cfg := testConfig(dialer)
	cfg.ReconnectEnabled = true
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.MaxReconnectAttempts = 10

	s := New(cfg)
	if err := s.Connect(context.Background(), Handlers{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.fail()
	waitFor(t, time.Second, func() bool { return s.State() == StateReconnecting }, "reconnecting state")

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", s.State())
	}

	dialsAtDisconnect := dialer.dialCount()
	time.Sleep(3 * cfg.ReconnectInterval)
	if got := dialer.dialCount(); got != dialsAtDisconnect {
		t.Errorf("dial count grew from %d to %d after Disconnect; pending timer must be cancelled", dialsAtDisconnect, got)
	}
}

func TestReconnectDisabledNotifiesOnce(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)

	var (
		mu    sync.Mutex
		discN int
	)
	s := New(testConfig(dialer)) // reconnect disabled by default in testConfig
	err := s.Connect(context.Background(), Handlers{
		OnDisconnected: func(error) {
			mu.Lock()
			discN++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ft.fail()
	waitFor(t, time.Second, func() bool { return s.State() == StateDisconnected }, "disconnected state")

	mu.Lock()
	defer mu.Unlock()
	if discN != 1 {
		t.Errorf("disconnected notifications = %d, want 1", discN)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", dialer.dialCount())
	}
}

func TestHandshakeStrategySendsAuthFirst(t *testing.T) {
	ft := newFakeTransport(true)
	dialer := newFakeDialer(ft)
	cfg := testConfig(dialer)
	cfg.Strategy = StrategyHandshake

	s := New(cfg)
	if err := s.Connect(context.Background(), Handlers{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msgs := ft.writtenMessages()
	if len(msgs) < 2 {
		t.Fatalf("written messages = %d, want auth then hello", len(msgs))
	}
	var auth protocol.AuthPayload
	if err := json.Unmarshal(msgs[0].data, &auth); err != nil || auth.Token != "tok-1" {
		t.Errorf("first payload = %s, want auth object", msgs[0].data)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msgs[1].data, &probe); err != nil || probe.Type != protocol.TypeHello {
		t.Errorf("second payload = %s, want hello", msgs[1].data)
	}
}
