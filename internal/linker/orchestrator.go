// Package linker drives one session-linking attempt end-to-end: it asks the
// protocol client for a QR or pairing code, follows connection-state
// transitions, persists credential updates, and hands the final credential
// bundle to the event sink before tearing the connection down.
package linker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/walink/internal/creds"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// State is the linking attempt's lifecycle position.
type State int

const (
	StateInit State = iota
	StateLinking
	StateConnected
	StateExtracted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLinking:
		return "linking"
	case StateConnected:
		return "connected"
	case StateExtracted:
		return "extracted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an orchestrator. Store, Dialer and Registry are
// required; the rest have defaults.
type Options struct {
	Store    CredentialStore
	Dialer   Dialer
	Registry *Registry
	Logger   *slog.Logger

	// DisplayName is shown on the phone as the linked client name.
	DisplayName string

	// Retry cache bounds, per attempt.
	RetryCacheSize int
	RetryCacheTTL  time.Duration
}

// Orchestrator owns exactly one linking attempt for one identifier. It is
// created per request and is done once Run returns.
type Orchestrator struct {
	identifier string
	sink       EventSink
	store      CredentialStore
	dialer     Dialer
	registry   *Registry
	log        *slog.Logger
	opts       Options

	runCtx context.Context

	// mu guards state, client and terminated. Connection events and
	// credential updates arrive from the client's event loop and must not
	// interleave mid-transition.
	mu         sync.Mutex
	state      State
	client     ProtocolClient
	terminated bool

	savedOnce sync.Once
	savedCh   chan struct{} // closed after the first credential save

	doneOnce sync.Once
	doneCh   chan struct{}
	runErr   error
}

// New validates the inputs and builds an orchestrator. The identifier is
// assumed normalized already; only existence is checked here.
func New(identifier string, sink EventSink, opts Options) (*Orchestrator, error) {
	if identifier == "" {
		return nil, fmt.Errorf("empty account identifier")
	}
	if sink == nil {
		return nil, fmt.Errorf("nil event sink")
	}
	if opts.Store == nil || opts.Dialer == nil || opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires a store, dialer and registry")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.RetryCacheSize <= 0 {
		opts.RetryCacheSize = defaultRetryCacheSize
	}
	if opts.RetryCacheTTL <= 0 {
		opts.RetryCacheTTL = defaultRetryCacheTTL
	}
	return &Orchestrator{
		identifier: identifier,
		sink:       sink,
		store:      opts.Store,
		dialer:     opts.Dialer,
		registry:   opts.Registry,
		log:        log.With("identifier", identifier),
		opts:       opts,
		savedCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run drives the attempt until it reaches a terminal outcome or ctx is
// cancelled. The underlying connection is released exactly once on every
// path.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.registry.Acquire(o.identifier); err != nil {
		o.sink.Emit(protocol.EventError, "A linking attempt is already running for this number. Finish or cancel it first.")
		return err
	}
	defer o.registry.Release(o.identifier)

	o.runCtx = ctx
	o.sink.Emit(protocol.EventStatus, fmt.Sprintf("Initiating connection for %s...", o.identifier))

	bundle, err := o.store.Load(o.identifier)
	if err != nil {
		// Fail fast: no connection is attempted without storage.
		o.log.Error("session storage unavailable", "error", err)
		o.sink.Emit(protocol.EventError, "Could not prepare session storage. Check disk space and permissions.")
		return err
	}
	if len(bundle) > 0 {
		// Credentials already on disk satisfy the read-after-save latch;
		// an existing-session relink may see no further updates.
		o.markSaved()
	}

	cache := expirable.NewLRU[string, int](o.opts.RetryCacheSize, nil, o.opts.RetryCacheTTL)
	client, err := o.dialer.Dial(ctx, ClientConfig{
		Identifier:  o.identifier,
		StoreDir:    o.store.Dir(o.identifier),
		RetryCache:  cache,
		Logger:      o.log,
		TerminalQR:  false,
		DisplayName: o.opts.DisplayName,
	})
	if err != nil {
		o.log.Error("protocol client setup failed", "error", err)
		o.sink.Emit(protocol.EventError, "Could not initialize the messaging connection. Please try again.")
		return err
	}

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	// Both listeners are registered before the connection starts.
	client.OnCredentialUpdate(o.handleCredentialUpdate)
	client.OnConnectionEvent(o.handleConnEvent)

	if err := client.Connect(ctx); err != nil {
		o.log.Error("connect failed", "error", err)
		o.sink.Emit(protocol.EventError, "Could not reach the messaging service. Please try again.")
		o.closeNow()
		return err
	}

	if err := o.beginLinking(ctx, client); err != nil {
		return err
	}

	select {
	case <-o.doneCh:
		return o.runErr
	case <-ctx.Done():
		o.log.Info("linking attempt cancelled")
		o.closeNow()
		return ctx.Err()
	}
}

// beginLinking requests a pairing code for unregistered accounts, or just
// announces the existing session. Either way the attempt enters LINKING.
func (o *Orchestrator) beginLinking(ctx context.Context, client ProtocolClient) error {
	if client.IsRegistered() {
		o.mu.Lock()
		if o.state == StateInit {
			o.state = StateLinking
		}
		o.mu.Unlock()
		o.log.Info("existing session found, reconnecting")
		o.sink.Emit(protocol.EventStatus, "Existing session found. Attempting to connect...")
		return nil
	}

	code, err := client.RequestPairingCode(ctx, o.identifier)
	if err != nil {
		o.log.Error("pairing code request failed", "error", err)
		o.sink.Emit(protocol.EventError, "Failed to request a pairing code. Make sure the number is valid and not linked elsewhere.")
		o.closeNow()
		o.finish(fmt.Errorf("%w: %v", ErrPairingRequest, err))
		return fmt.Errorf("%w: %v", ErrPairingRequest, err)
	}

	o.mu.Lock()
	if o.state == StateInit {
		o.state = StateLinking
	}
	closed := o.state == StateClosed
	o.mu.Unlock()
	if closed {
		return nil
	}
	o.sink.Emit(protocol.EventPairingCode, map[string]any{"code": FormatPairingCode(code)})
	o.sink.Emit(protocol.EventStatus, "Awaiting confirmation on your phone...")
	return nil
}

// handleConnEvent is invoked sequentially by the protocol client's event
// loop.
func (o *Orchestrator) handleConnEvent(ev ConnEvent) {
	switch ev.Kind {
	case ConnQR:
		o.handleQR(ev.QR)
	case ConnOpened:
		o.handleOpened()
	case ConnClosed:
		o.handleClosed(ev)
	}
}

func (o *Orchestrator) handleQR(payload string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateInit && o.state != StateLinking {
		return
	}
	o.state = StateLinking
	o.sink.Emit(protocol.EventQR, map[string]any{"qr": payload})
}

func (o *Orchestrator) handleOpened() {
	o.mu.Lock()
	if o.state != StateInit && o.state != StateLinking {
		o.mu.Unlock()
		return
	}
	o.state = StateConnected
	o.sink.Emit(protocol.EventStatus, "CONNECTED")
	o.mu.Unlock()

	o.log.Info("connection opened")
	// Extraction waits for the first credential save and must not hold
	// the state lock while suspended.
	go o.extract()
}

// extract reads the persisted bundle once at least one save has landed,
// emits it, then logs the temporary device out.
func (o *Orchestrator) extract() {
	select {
	case <-o.savedCh:
	case <-o.doneCh:
		return
	case <-o.runCtx.Done():
		return
	}

	bundle, err := o.store.ReadFinal(o.identifier)

	o.mu.Lock()
	if o.state != StateConnected {
		// A terminal close won the race; it already cleaned up.
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.log.Error("credential bundle unreadable", "error", err)
		o.sink.Emit(protocol.EventError, "Failed to read the session credentials after connecting. Please try again.")
		o.terminateLocked()
		o.state = StateClosed
		o.mu.Unlock()
		o.finish(fmt.Errorf("%w: %v", ErrExtraction, err))
		return
	}
	o.state = StateExtracted
	o.sink.Emit(protocol.EventSessionID, map[string]any{"sessionId": bundle})
	client := o.client
	o.mu.Unlock()

	// The attempt succeeded; release the connection by logging the
	// temporary device out. Cleanup failures are logged, never surfaced.
	if err := client.Logout(o.runCtx); err != nil {
		o.log.Warn("logout after extraction failed", "error", err)
	}
	o.sink.Emit(protocol.EventStatus, "DISCONNECTED_AFTER_SESSION_ID")
	o.log.Info("session bundle delivered")
	o.finish(nil)
}

func (o *Orchestrator) handleClosed(ev ConnEvent) {
	o.mu.Lock()
	if o.state == StateClosed || o.state == StateExtracted {
		// Already terminal (or successfully extracted and logged out);
		// nothing left to classify.
		o.mu.Unlock()
		return
	}

	cls := ClassifyClose(ev.Code)
	if cls.Transient {
		// The protocol stack retries these on its own; tearing the
		// connection down here would kill that retry.
		o.log.Warn("transient disconnect, awaiting internal retry",
			"reason", cls.Reason, "code", ev.Code, "error", ev.Err)
		o.mu.Unlock()
		return
	}

	o.log.Error("terminal disconnect", "reason", cls.Reason, "code", ev.Code, "error", ev.Err)
	o.sink.Emit(protocol.EventError, cls.Message)
	o.terminateLocked()
	o.state = StateClosed
	o.sink.Emit(protocol.EventComplete, "Connection attempt finished with error.")
	o.mu.Unlock()
	o.finish(fmt.Errorf("%w: %s (code %d)", ErrTerminalDisconnect, cls.Reason, ev.Code))
}

// handleCredentialUpdate forwards every update to the store in arrival
// order. A failed save is a storage error and ends the attempt.
func (o *Orchestrator) handleCredentialUpdate(update creds.Bundle) {
	if err := o.store.Save(o.identifier, update); err != nil {
		o.log.Error("credential save failed", "error", err)
		o.mu.Lock()
		if o.state != StateClosed {
			o.sink.Emit(protocol.EventError, "Failed to persist session credentials. Check disk space and permissions.")
			o.terminateLocked()
			o.state = StateClosed
			o.sink.Emit(protocol.EventComplete, "Connection attempt finished with error.")
		}
		o.mu.Unlock()
		o.finish(err)
		return
	}
	o.markSaved()
}

func (o *Orchestrator) markSaved() {
	o.savedOnce.Do(func() { close(o.savedCh) })
}

// closeNow force-terminates the connection and marks the attempt CLOSED,
// used for cancellation and setup failures.
func (o *Orchestrator) closeNow() {
	o.mu.Lock()
	if o.state != StateClosed {
		o.terminateLocked()
		o.state = StateClosed
	}
	o.mu.Unlock()
}

// terminateLocked force-closes the client at most once. Callers hold o.mu.
func (o *Orchestrator) terminateLocked() {
	if o.terminated || o.client == nil {
		return
	}
	o.terminated = true
	o.client.Terminate()
}

func (o *Orchestrator) finish(err error) {
	o.doneOnce.Do(func() {
		o.runErr = err
		close(o.doneCh)
	})
}
