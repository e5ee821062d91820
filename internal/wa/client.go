package wa

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nextlevelbuilder/walink/internal/creds"
	"github.com/nextlevelbuilder/walink/internal/linker"
)

// qrRefreshInterval is how long one QR code from a batch stays current
// before the next one is surfaced.
const qrRefreshInterval = 20 * time.Second

const defaultDisplayName = "Chrome (Linux)"

// Client wraps one whatsmeow client. Whatsmeow dispatches its events from
// its own goroutines; the wrapper funnels everything through a single queue
// so the orchestrator's callbacks run sequentially and in order.
type Client struct {
	cli       *whatsmeow.Client
	container *sqlstore.Container
	cfg       linker.ClientConfig
	log       *slog.Logger

	connCB func(linker.ConnEvent)
	credCB func(creds.Bundle)

	queue    chan any
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newClient(cli *whatsmeow.Client, container *sqlstore.Container, cfg linker.ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cli:       cli,
		container: container,
		cfg:       cfg,
		log:       log.With("component", "wa"),
		queue:     make(chan any, 64),
		stopCh:    make(chan struct{}),
	}
}

func (c *Client) OnConnectionEvent(fn func(linker.ConnEvent)) {
	c.connCB = fn
}

func (c *Client) OnCredentialUpdate(fn func(creds.Bundle)) {
	c.credCB = fn
}

// Connect wires the whatsmeow event handler, starts the dispatch loop and
// opens the socket.
func (c *Client) Connect(ctx context.Context) error {
	c.cli.AddEventHandler(c.handleEvent)
	go c.dispatchLoop()
	return c.cli.Connect()
}

func (c *Client) IsRegistered() bool {
	return c.cli.Store.ID != nil
}

// RequestPairingCode asks the server for a phone-entry linking code. The
// raw code is returned ungrouped; formatting is the orchestrator's concern.
func (c *Client) RequestPairingCode(ctx context.Context, identifier string) (string, error) {
	name := c.cfg.DisplayName
	if name == "" {
		name = defaultDisplayName
	}
	return c.cli.PairPhone(ctx, identifier, true, whatsmeow.PairClientChrome, name)
}

// Logout unlinks the temporary device and releases the connection.
func (c *Client) Logout(ctx context.Context) error {
	defer c.shutdown()
	return c.cli.Logout(ctx)
}

// Terminate force-closes the connection without unlinking. Idempotent and
// safe to call from a connection-event callback.
func (c *Client) Terminate() {
	c.cli.Disconnect()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.container.Close()
	})
}

// handleEvent maps whatsmeow events onto the abstract event stream. It runs
// on whatsmeow's dispatch goroutine and must not block, so everything goes
// through the buffered queue.
func (c *Client) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		// Snapshot credentials before announcing the open connection so
		// the store is written before the orchestrator reads it back.
		c.push(c.snapshotCreds())
		c.push(linker.ConnEvent{Kind: linker.ConnOpened})
	case *events.PairSuccess:
		c.push(c.snapshotCreds())
	case *events.QR:
		go c.rotateQR(e.Codes)
	case *events.Disconnected:
		// Socket drop without a server code; whatsmeow reconnects.
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: linker.CodeConnectionLost})
	case *events.LoggedOut:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: linker.CodeLoggedOut})
	case *events.StreamReplaced:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: linker.CodeConnectionReplaced})
	case *events.ClientOutdated:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: linker.CodeClientOutdated})
	case *events.KeepAliveTimeout:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: linker.CodeTimedOut})
	case *events.TemporaryBan:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: 403})
	case *events.ConnectFailure:
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: int(e.Reason)})
	case *events.StreamError:
		code := linker.CodeBadSession
		if n, err := strconv.Atoi(e.Code); err == nil {
			code = n
		}
		c.push(linker.ConnEvent{Kind: linker.ConnClosed, Code: code})
	}
}

// rotateQR surfaces the codes of one QR batch in turn, pacing them the way
// the phone expects them to refresh. The retry cache suppresses re-emission
// of codes already shown.
func (c *Client) rotateQR(codes []string) {
	for i, code := range codes {
		if c.cfg.RetryCache != nil {
			if _, seen := c.cfg.RetryCache.Get("qr:" + code); seen {
				continue
			}
			c.cfg.RetryCache.Add("qr:"+code, 1)
		}
		c.push(linker.ConnEvent{Kind: linker.ConnQR, QR: code})
		if i == len(codes)-1 {
			return
		}
		select {
		case <-time.After(qrRefreshInterval):
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) push(item any) {
	select {
	case c.queue <- item:
	case <-c.stopCh:
	default:
		c.log.Warn("event queue full, dropping", "item", item)
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case item := <-c.queue:
			switch v := item.(type) {
			case linker.ConnEvent:
				if c.connCB != nil {
					c.connCB(v)
				}
			case creds.Bundle:
				if c.credCB != nil {
					c.credCB(v)
				}
			}
		}
	}
}

// snapshotCreds exports the device identity as the portable credential
// bundle handed back to the requester.
func (c *Client) snapshotCreds() creds.Bundle {
	s := c.cli.Store
	bundle := creds.Bundle{
		"registered":     s.ID != nil,
		"registrationId": s.RegistrationID,
		"platform":       s.Platform,
		"pushName":       s.PushName,
	}
	if s.ID != nil {
		bundle["jid"] = s.ID.String()
	}
	if s.NoiseKey != nil {
		bundle["noiseKey"] = base64.StdEncoding.EncodeToString(s.NoiseKey.Pub[:])
	}
	if s.IdentityKey != nil {
		bundle["identityKey"] = base64.StdEncoding.EncodeToString(s.IdentityKey.Pub[:])
	}
	if len(s.AdvSecretKey) > 0 {
		bundle["advSecretKey"] = base64.StdEncoding.EncodeToString(s.AdvSecretKey)
	}
	return bundle
}
