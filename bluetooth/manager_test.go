package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTransport struct {
	mu         sync.Mutex
	writes     [][]byte
	features   string
	featureErr error
	release    chan struct{}
	failWrites bool
	maxWrite   int
}

func (t *fakeTransport) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errors.New("gatt write failed")
	}
	t.writes = append(t.writes, cloneBytes(p))
	return nil
}

func (t *fakeTransport) MaxWriteSize() int {
	if t.maxWrite == 0 {
		return DefaultMaxWriteSize
	}
	return t.maxWrite
}

func (t *fakeTransport) ReadFeatures(ctx context.Context) (string, error) {
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return t.features, t.featureErr
}

func (t *fakeTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

type fakeLink struct {
	mu          sync.Mutex
	next        *fakeTransport
	events      LinkEvents
	connected   bool
	disconnects int
}

func (l *fakeLink) Connect(ctx context.Context, events LinkEvents) error {
	l.mu.Lock()
	l.events = events
	l.connected = true
	t := l.next
	l.mu.Unlock()

	events.Connected(t)
	events.Ready()
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	was := l.connected
	l.connected = false
	l.disconnects++
	events := l.events
	l.mu.Unlock()

	if was {
		events.Disconnected(nil)
	}
	return nil
}

func (l *fakeLink) use(t *fakeTransport) {
	l.mu.Lock()
	l.next = t
	l.mu.Unlock()
}

func recordingListener() (Listener, chan string) {
	events := make(chan string, 100)
	return Listener{
		OnConnected:    func() { events <- "connected" },
		OnReady:        func() { events <- "ready" },
		OnDisconnected: func() { events <- "disconnected" },
		OnMessage:      func(msg []byte) { events <- "message:" + string(msg) },
		OnError:        func(err error) { events <- "error:" + err.Error() },
	}, events
}

// waitEvent skips events until one with the given prefix arrives
func waitEvent(t *testing.T, events <-chan string, prefix string) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", prefix)
			return ""
		}
	}
}

func waitWrites(t *testing.T, tr *fakeTransport, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := tr.Writes(); len(w) >= n {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, have %d", n, len(tr.Writes()))
	return nil
}

func newTestSession(t *testing.T, link Link, listener Listener) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FeatureProbeTimeout = 500 * time.Millisecond
	// session goroutines may outlive the test, so no test-bound logger
	s := NewSession(link, cfg, listener, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionFramedConnect(t *testing.T) {
	tr := &fakeTransport{features: "protocol,foo"}
	link := &fakeLink{next: tr}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)

	if st := s.Status(); st.State != CONNECTION_STATE_DISCONNECTED {
		t.Errorf("Expected disconnected before connect, got %s", st.State)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitEvent(t, events, "connected")
	waitEvent(t, events, "ready")

	st := s.Status()
	if st.Variant != VariantFramed || st.State != CONNECTION_STATE_CONNECTED || !st.Ready {
		t.Errorf("Unexpected status %+v", st)
	}

	if !s.Send("hi") {
		t.Fatal("Expected send to succeed")
	}
	writes := waitWrites(t, tr, 1)
	if !bytes.Equal(writes[0], []byte{0xEE, 'h', 'i', 0xFE, 0xFF}) {
		t.Errorf("Expected framed single message, got % X", writes[0])
	}

	if !s.Ping() {
		t.Fatal("Expected ping on a framed session")
	}
	writes = waitWrites(t, tr, 2)
	if !bytes.Equal(writes[1], []byte{0xCC, 0xFE, 0xFF}) {
		t.Errorf("Expected ping request, got % X", writes[1])
	}
}

func TestSessionSendWithoutConnection(t *testing.T) {
	s := newTestSession(t, &fakeLink{}, Listener{})
	if s.Send("nobody home") {
		t.Error("Expected send without a connection to fail")
	}
	if s.Ping() {
		t.Error("Expected ping without a connection to fail")
	}
}

func TestSessionSendBeforeHandlerSelected(t *testing.T) {
	tr := &fakeTransport{features: "protocol", release: make(chan struct{})}
	link := &fakeLink{next: tr}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)
	s.cfg.FeatureProbeTimeout = 5 * time.Second

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if s.Send("too early") {
		t.Error("Expected send during feature probe to fail")
	}
	if s.Ping() {
		t.Error("Expected ping during feature probe to fail")
	}
	if st := s.Status(); st.State != CONNECTION_STATE_NEGOTIATING {
		t.Errorf("Expected negotiating, got %s", st.State)
	}

	// notifications that beat the probe are replayed once the handler exists,
	// up to maxEarlyNotifications of them
	link.events.Received(Encode(TagSingle, []byte("early")))
	for i := 1; i <= maxEarlyNotifications; i++ {
		link.events.Received(Encode(TagSingle, []byte(fmt.Sprintf("m%d", i))))
	}
	close(tr.release)

	waitEvent(t, events, "ready")
	if ev := waitEvent(t, events, "message:"); ev != "message:early" {
		t.Errorf("Expected early message, got %q", ev)
	}
	for i := 1; i < maxEarlyNotifications; i++ {
		want := fmt.Sprintf("message:m%d", i)
		if ev := waitEvent(t, events, "message:"); ev != want {
			t.Fatalf("Expected %q, got %q", want, ev)
		}
	}
	select {
	case ev := <-events:
		if strings.HasPrefix(ev, "message:") {
			t.Errorf("Expected notifications past the buffer limit to be dropped, got %q", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

type failingLink struct {
	err error
}

func (l failingLink) Connect(ctx context.Context, events LinkEvents) error { return l.err }
func (l failingLink) Disconnect() error { return nil }

func TestSessionConnectFailureReportsError(t *testing.T) {
	listener, events := recordingListener()
	s := newTestSession(t, failingLink{err: fmt.Errorf("%w: tx", ErrCharacteristicNotFound)}, listener)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Fatalf("Expected ErrCharacteristicNotFound, got %v", err)
	}
	ev := waitEvent(t, events, "error:")
	if !strings.Contains(ev, ErrCharacteristicNotFound.Error()) {
		t.Errorf("Expected characteristic error, got %q", ev)
	}
	if st := s.Status(); st.State != CONNECTION_STATE_DISCONNECTED {
		t.Errorf("Expected disconnected, got %s", st.State)
	}
}

func TestSessionRawFallback(t *testing.T) {
	tr := &fakeTransport{featureErr: errors.New("no descriptor")}
	link := &fakeLink{next: tr}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitEvent(t, events, "ready")

	if st := s.Status(); st.Variant != VariantRaw {
		t.Errorf("Expected raw variant, got %s", st.Variant)
	}
	if s.Ping() {
		t.Error("Expected ping to be unsupported on raw sessions")
	}
	if !s.Send("plain") {
		t.Fatal("Expected send to succeed")
	}
	if w := waitWrites(t, tr, 1); string(w[0]) != "plain" {
		t.Errorf("Expected verbatim write, got %q", w[0])
	}

	link.events.Received([]byte("reply"))
	if ev := waitEvent(t, events, "message:"); ev != "message:reply" {
		t.Errorf("Expected reply, got %q", ev)
	}
}

func TestSessionPeripheralPing(t *testing.T) {
	tr := &fakeTransport{features: "protocol"}
	link := &fakeLink{next: tr}
	var mu sync.Mutex
	counts := map[string]int{}
	readyCh := make(chan struct{}, 10)
	listener := Listener{
		OnConnected: func() {
			mu.Lock()
			counts["connected"]++
			mu.Unlock()
		},
		OnReady: func() {
			mu.Lock()
			counts["ready"]++
			mu.Unlock()
			readyCh <- struct{}{}
		},
	}
	s := newTestSession(t, link, listener)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	<-readyCh

	link.events.Received([]byte{0xCC, 0xFE, 0xFF})
	writes := waitWrites(t, tr, 1)
	if len(writes) != 1 || !bytes.Equal(writes[0], PingResponseFrame) {
		t.Errorf("Expected one ping response, got % X", writes)
	}
	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected ready after ping request")
	}

	mu.Lock()
	defer mu.Unlock()
	if counts["connected"] != 1 || counts["ready"] != 2 {
		t.Errorf("Expected 1 connected and 2 ready, got %v", counts)
	}
}

func TestSessionWriteFailureDisconnects(t *testing.T) {
	tr := &fakeTransport{features: "protocol", failWrites: true}
	link := &fakeLink{next: tr}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitEvent(t, events, "ready")

	if !s.Send("doomed") {
		t.Fatal("Expected send to be accepted")
	}
	if ev := waitEvent(t, events, "error:"); !strings.Contains(ev, "gatt write failed") {
		t.Errorf("Expected transport error, got %q", ev)
	}
	waitEvent(t, events, "disconnected")

	if s.Send("after") {
		t.Error("Expected send after failure to fail")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.disconnects != 1 {
		t.Errorf("Expected one disconnect, got %d", link.disconnects)
	}
}

func TestSessionReconnectClearsReassembly(t *testing.T) {
	first := &fakeTransport{features: "protocol"}
	link := &fakeLink{next: first}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitEvent(t, events, "ready")
	link.events.Received(Encode(TagChunkStart, []byte("stale-")))
	link.events.Received(Encode(TagChunkMiddle, []byte("bytes-")))

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	waitEvent(t, events, "disconnected")

	link.use(&fakeTransport{features: "protocol"})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to reconnect: %v", err)
	}
	waitEvent(t, events, "ready")
	link.events.Received(Encode(TagChunkMiddle, []byte("orphan")))
	link.events.Received(Encode(TagChunkStart, []byte("fresh")))
	link.events.Received(Encode(TagChunkEnd, []byte("!")))

	if ev := waitEvent(t, events, "message:"); ev != "message:fresh!" {
		t.Errorf("Expected only the new message, got %q", ev)
	}
}

func TestSessionIgnoresStaleProbe(t *testing.T) {
	first := &fakeTransport{features: "simple", release: make(chan struct{})}
	link := &fakeLink{next: first}
	listener, events := recordingListener()
	s := newTestSession(t, link, listener)
	s.cfg.FeatureProbeTimeout = 5 * time.Second

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}

	second := &fakeTransport{features: "protocol"}
	link.use(second)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to reconnect: %v", err)
	}
	waitEvent(t, events, "ready")
	close(first.release)

	if st := s.Status(); st.Variant != VariantFramed {
		t.Errorf("Expected the second connection's variant, got %s", st.Variant)
	}
}

func TestSessionCloseStopsConnect(t *testing.T) {
	s := NewSession(&fakeLink{next: &fakeTransport{}}, nil, Listener{}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := s.Connect(context.Background()); err == nil {
		t.Error("Expected connect on a closed session to fail")
	}
	if err := NewSession(nil, nil, Listener{}, nil).Connect(context.Background()); !errors.Is(err, ErrNoLink) {
		t.Errorf("Expected ErrNoLink, got %v", err)
	}
}
