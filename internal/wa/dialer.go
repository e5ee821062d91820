// Package wa adapts go.mau.fi/whatsmeow to the linker.ProtocolClient
// contract. Each linking attempt gets its own sqlite-backed device store
// inside the attempt's session directory.
package wa

import (
	"context"
	"fmt"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/walink/internal/linker"
)

// DeviceDBFile is the sqlite file holding whatsmeow's device state, next to
// the exported creds.json in the session directory.
const DeviceDBFile = "device.db"

// Dialer builds whatsmeow-backed protocol clients.
type Dialer struct{}

func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial opens the per-identifier device store and wraps a whatsmeow client
// around it. The stack's own logging stays silent; the orchestrator's slog
// logger is the only log surface.
func (d *Dialer) Dial(ctx context.Context, cfg linker.ClientConfig) (linker.ProtocolClient, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)",
		filepath.Join(cfg.StoreDir, DeviceDBFile))
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	cli.EnableAutoReconnect = true

	return newClient(cli, container, cfg), nil
}
