package linker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/walink/internal/creds"
)

// EventSink receives lifecycle events from an orchestrator. Emit is
// fire-and-forget and must not block: it may be called from the protocol
// client's event loop. A sink delivers events in submission order.
type EventSink interface {
	Emit(event string, payload any)
}

// ConnEventKind identifies a connection-state event from the protocol client.
type ConnEventKind int

const (
	// ConnOpened means the connection reached the open (authenticated) state.
	ConnOpened ConnEventKind = iota
	// ConnClosed means the connection closed; Code carries the close status.
	ConnClosed
	// ConnQR means a fresh QR linking payload is available.
	ConnQR
)

// ConnEvent is a single connection-state notification.
type ConnEvent struct {
	Kind ConnEventKind
	QR   string // ConnQR: opaque renderable payload
	Code int    // ConnClosed: numeric close status (see reasons.go)
	Err  error  // ConnClosed: underlying error detail, may be nil
}

// ProtocolClient is the contract the orchestrator drives. Implementations
// must invoke the registered callbacks sequentially from a single goroutine
// so that event and credential-update ordering is preserved.
type ProtocolClient interface {
	// OnConnectionEvent registers the connection-state listener.
	// Must be called before Connect.
	OnConnectionEvent(func(ConnEvent))

	// OnCredentialUpdate registers the credential-update listener.
	// Must be called before Connect.
	OnCredentialUpdate(func(creds.Bundle))

	// Connect opens the network connection and starts the event stream.
	Connect(ctx context.Context) error

	// IsRegistered reports whether the stored credentials already belong
	// to a linked device.
	IsRegistered() bool

	// RequestPairingCode asks the server to issue a numeric pairing code
	// for the given identifier.
	RequestPairingCode(ctx context.Context, identifier string) (string, error)

	// Logout unlinks the device and closes the connection.
	Logout(ctx context.Context) error

	// Terminate force-closes the connection without unlinking.
	// Safe to call from a connection-event callback and idempotent.
	Terminate()
}

// ClientConfig carries everything a Dialer needs to construct a client for
// one linking attempt. The retry cache and logger are owned by a single
// orchestrator; nothing here is shared across attempts.
type ClientConfig struct {
	Identifier string
	StoreDir   string // per-identifier session directory

	// RetryCache is a bounded message-retry cache whose lifetime is the
	// orchestrator that created it.
	RetryCache *expirable.LRU[string, int]

	Logger *slog.Logger

	// TerminalQR enables the stack's own terminal QR output. Kept false
	// whenever linking is mediated through an EventSink.
	TerminalQR bool

	// DisplayName is shown on the phone as the linked client name.
	DisplayName string
}

// Dialer constructs protocol clients. The production implementation lives in
// internal/wa; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg ClientConfig) (ProtocolClient, error)
}

// CredentialStore is the durable storage collaborator for one account's
// auth material.
type CredentialStore interface {
	// Dir returns the storage directory for the identifier. It does not
	// create it; Load does.
	Dir(identifier string) string

	// Load ensures the storage location exists and returns the persisted
	// bundle, or a fresh empty one if none exists yet.
	Load(identifier string) (creds.Bundle, error)

	// Save merges a partial update into the persisted bundle. Saves for
	// one identifier are applied in call order.
	Save(identifier string, update creds.Bundle) error

	// ReadFinal returns the bundle as persisted, failing if nothing was
	// ever saved.
	ReadFinal(identifier string) (creds.Bundle, error)
}

// Defaults for the per-attempt retry cache.
const (
	defaultRetryCacheSize = 256
	defaultRetryCacheTTL  = 5 * time.Minute
)
