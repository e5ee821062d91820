package linker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/walink/internal/creds"
)

type sinkEvent struct {
	name    string
	payload any
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) Emit(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name, payload})
}

func (s *fakeSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.name
	}
	return out
}

func (s *fakeSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

func (s *fakeSink) payloadAt(i int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.events) {
		return nil
	}
	return s.events[i].payload
}

type fakeClient struct {
	mu         sync.Mutex
	connCB     func(ConnEvent)
	credCB     func(creds.Bundle)
	registered bool

	pairingCode string
	pairingErr  error
	pairCalls   int

	connectErr     error
	logoutCalls    int
	terminateCalls int
}

func (c *fakeClient) OnConnectionEvent(fn func(ConnEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connCB = fn
}

func (c *fakeClient) OnCredentialUpdate(fn func(creds.Bundle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credCB = fn
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) IsRegistered() bool { return c.registered }

func (c *fakeClient) RequestPairingCode(ctx context.Context, identifier string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairCalls++
	if c.pairingErr != nil {
		return "", c.pairingErr
	}
	return c.pairingCode, nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return nil
}

func (c *fakeClient) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateCalls++
}

func (c *fakeClient) logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

func (c *fakeClient) terminates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminateCalls
}

func (c *fakeClient) emitConn(ev ConnEvent) {
	c.mu.Lock()
	cb := c.connCB
	c.mu.Unlock()
	cb(ev)
}

func (c *fakeClient) emitCreds(b creds.Bundle) {
	c.mu.Lock()
	cb := c.credCB
	c.mu.Unlock()
	cb(b)
}

type fakeDialer struct {
	client *fakeClient
	err    error
	calls  int
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ClientConfig) (ProtocolClient, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, client *fakeClient, store CredentialStore) (*Orchestrator, *fakeSink) {
	t.Helper()
	if store == nil {
		store = creds.NewStore(t.TempDir())
	}
	sink := &fakeSink{}
	orch, err := New("15550109999", sink, Options{
		Store:    store,
		Dialer:   &fakeDialer{client: client},
		Registry: NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orch, sink
}

func TestPairingFlowEmitsOrderedEvents(t *testing.T) {
	client := &fakeClient{pairingCode: "ABCD1234"}
	orch, sink := newTestOrchestrator(t, client, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(context.Background()) }()

	// Wait for the awaiting-confirmation status so the open event cannot
	// interleave with the pairing emissions.
	waitFor(t, "pairing flow", func() bool {
		return sink.count("status") >= 2
	})

	// Connection opens, then the first credential update lands; extraction
	// must wait for the save before reading the bundle back.
	client.emitConn(ConnEvent{Kind: ConnOpened})
	client.emitCreds(creds.Bundle{"foo": 1})

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"status", "pairing-code", "status", "status", "session-id", "status"}
	got := sink.names()
	if len(got) != len(want) {
		t.Fatalf("event sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	if p := sink.payloadAt(3); p != "CONNECTED" {
		t.Errorf("expected CONNECTED status, got %v", p)
	}
	if p := sink.payloadAt(5); p != "DISCONNECTED_AFTER_SESSION_ID" {
		t.Errorf("expected DISCONNECTED_AFTER_SESSION_ID status, got %v", p)
	}

	payload, ok := sink.payloadAt(4).(map[string]any)
	if !ok {
		t.Fatalf("session-id payload has wrong shape: %v", sink.payloadAt(4))
	}
	bundle, ok := payload["sessionId"].(creds.Bundle)
	if !ok {
		t.Fatalf("sessionId is not a bundle: %T", payload["sessionId"])
	}
	// JSON round-trip through the store turns numbers into float64.
	if bundle["foo"] != float64(1) {
		t.Errorf("bundle foo = %v, want 1", bundle["foo"])
	}

	if n := client.logouts(); n != 1 {
		t.Errorf("logout calls = %d, want 1", n)
	}
	if n := client.terminates(); n != 0 {
		t.Errorf("terminate calls = %d, want 0", n)
	}
	if code, _ := sink.payloadAt(1).(map[string]any); code["code"] != "ABCD-1234" {
		t.Errorf("pairing code payload = %v, want ABCD-1234", code)
	}
}

func TestTransientCloseIsSilent(t *testing.T) {
	client := &fakeClient{pairingCode: "ABCD1234"}
	orch, sink := newTestOrchestrator(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	waitFor(t, "pairing code request", func() bool {
		return sink.count("pairing-code") == 1
	})

	client.emitConn(ConnEvent{Kind: ConnOpened})
	// Transient close before any credential update: the stack retries on
	// its own, nothing is surfaced and nothing torn down.
	for _, code := range []int{CodeConnectionClosed, CodeConnectionLost, CodeRestartRequired} {
		client.emitConn(ConnEvent{Kind: ConnClosed, Code: code})
	}

	if n := sink.count("error"); n != 0 {
		t.Errorf("error events = %d, want 0", n)
	}
	if n := sink.count("session-id"); n != 0 {
		t.Errorf("session-id events = %d, want 0", n)
	}
	if n := client.terminates(); n != 0 {
		t.Errorf("terminate calls = %d, want 0", n)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	// Cancellation, not the transient close, releases the connection.
	if n := client.terminates(); n != 1 {
		t.Errorf("terminate calls after cancel = %d, want 1", n)
	}
}

func TestTerminalCloseEmitsOneErrorAndTerminatesOnce(t *testing.T) {
	for _, tc := range []struct {
		name string
		code int
	}{
		{"logged out", CodeLoggedOut},
		{"replaced", CodeConnectionReplaced},
		{"bad session", CodeBadSession},
		{"timed out", CodeTimedOut},
		{"unknown", 999},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{pairingCode: "ABCD1234"}
			orch, sink := newTestOrchestrator(t, client, nil)

			runErr := make(chan error, 1)
			go func() { runErr <- orch.Run(context.Background()) }()

			waitFor(t, "pairing code request", func() bool {
				return sink.count("pairing-code") == 1
			})

			client.emitConn(ConnEvent{Kind: ConnClosed, Code: tc.code})
			// A late duplicate close must not double anything.
			client.emitConn(ConnEvent{Kind: ConnClosed, Code: tc.code})

			if err := <-runErr; !errors.Is(err, ErrTerminalDisconnect) {
				t.Fatalf("Run = %v, want terminal disconnect", err)
			}
			if n := sink.count("error"); n != 1 {
				t.Errorf("error events = %d, want 1", n)
			}
			if n := sink.count("complete"); n != 1 {
				t.Errorf("complete events = %d, want 1", n)
			}
			if n := client.terminates(); n != 1 {
				t.Errorf("terminate calls = %d, want 1", n)
			}
			if got := orch.State(); got != StateClosed {
				t.Errorf("state = %s, want closed", got)
			}
		})
	}
}

type failingReadStore struct {
	*creds.Store
}

func (s failingReadStore) ReadFinal(identifier string) (creds.Bundle, error) {
	return nil, errors.New("unreadable")
}

func TestExtractionFailureTerminatesOnce(t *testing.T) {
	client := &fakeClient{pairingCode: "ABCD1234"}
	store := failingReadStore{creds.NewStore(t.TempDir())}
	orch, sink := newTestOrchestrator(t, client, store)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(context.Background()) }()

	waitFor(t, "pairing code request", func() bool {
		return sink.count("pairing-code") == 1
	})

	client.emitConn(ConnEvent{Kind: ConnOpened})
	client.emitCreds(creds.Bundle{"foo": 1})

	if err := <-runErr; !errors.Is(err, ErrExtraction) {
		t.Fatalf("Run = %v, want extraction error", err)
	}
	if n := sink.count("error"); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
	if n := sink.count("session-id"); n != 0 {
		t.Errorf("session-id events = %d, want 0", n)
	}
	if n := client.terminates(); n != 1 {
		t.Errorf("terminate calls = %d, want 1", n)
	}
}

func TestPairingRequestFailure(t *testing.T) {
	client := &fakeClient{pairingErr: errors.New("refused")}
	orch, sink := newTestOrchestrator(t, client, nil)

	err := orch.Run(context.Background())
	if !errors.Is(err, ErrPairingRequest) {
		t.Fatalf("Run = %v, want pairing request error", err)
	}
	if n := sink.count("error"); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
	if n := client.terminates(); n != 1 {
		t.Errorf("terminate calls = %d, want 1", n)
	}
}

func TestExistingSessionSkipsPairing(t *testing.T) {
	store := creds.NewStore(t.TempDir())
	if err := store.Save("15550109999", creds.Bundle{"jid": "x@s.whatsapp.net"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	client := &fakeClient{registered: true}
	orch, sink := newTestOrchestrator(t, client, store)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(context.Background()) }()

	waitFor(t, "existing-session status", func() bool {
		return sink.count("status") >= 2
	})

	// No credential update arrives on a pure reconnect; the persisted
	// bundle satisfies the read-after-save requirement.
	client.emitConn(ConnEvent{Kind: ConnOpened})

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.pairCalls != 0 {
		t.Errorf("pairing requested for registered session")
	}
	if n := sink.count("session-id"); n != 1 {
		t.Errorf("session-id events = %d, want 1", n)
	}
	if n := client.logouts(); n != 1 {
		t.Errorf("logout calls = %d, want 1", n)
	}
}

func TestConcurrentAttemptsForSameIdentifierRejected(t *testing.T) {
	client := &fakeClient{pairingCode: "ABCD1234"}
	store := creds.NewStore(t.TempDir())
	registry := NewRegistry()

	first, err := New("15550109999", &fakeSink{}, Options{
		Store: store, Dialer: &fakeDialer{client: client}, Registry: registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- first.Run(ctx) }()

	waitFor(t, "first attempt active", func() bool { return registry.Len() == 1 })

	secondSink := &fakeSink{}
	second, err := New("15550109999", secondSink, Options{
		Store: store, Dialer: &fakeDialer{client: &fakeClient{}}, Registry: registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Run(context.Background()); !errors.Is(err, ErrLinkActive) {
		t.Fatalf("second Run = %v, want ErrLinkActive", err)
	}
	if n := secondSink.count("error"); n != 1 {
		t.Errorf("second attempt error events = %d, want 1", n)
	}

	cancel()
	<-runErr
	waitFor(t, "registry release", func() bool { return registry.Len() == 0 })
}

func TestStorageFailureFailsFastWithoutDialing(t *testing.T) {
	// A regular file where the sessions root should be makes MkdirAll fail.
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "sessions")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	dialer := &fakeDialer{client: &fakeClient{}}
	sink := &fakeSink{}
	orch, err := New("15550109999", sink, Options{
		Store:    creds.NewStore(blocker),
		Dialer:   dialer,
		Registry: NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := orch.Run(context.Background()); !errors.Is(err, creds.ErrStorage) {
		t.Fatalf("Run = %v, want storage error", err)
	}
	if dialer.calls != 0 {
		t.Errorf("dialer called despite storage failure")
	}
	if n := sink.count("error"); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
}
