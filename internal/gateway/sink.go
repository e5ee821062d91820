package gateway

import (
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// qrCacheSize bounds the rendered-QR cache; WA rotates a handful of codes
// per attempt.
const qrCacheSize = 16

// eventSender delivers event frames to one recipient in submission order.
type eventSender interface {
	SendEvent(ev *protocol.EventFrame)
}

// wsSink forwards orchestrator events to one WebSocket client, rendering QR
// payloads into PNG data URIs the browser can drop into an <img> tag.
type wsSink struct {
	client eventSender
	size   int
	cache  *expirable.LRU[string, string]
}

func newSink(client eventSender, qrSize int) *wsSink {
	if qrSize <= 0 {
		qrSize = 256
	}
	return &wsSink{
		client: client,
		size:   qrSize,
		cache:  expirable.NewLRU[string, string](qrCacheSize, nil, 5*time.Minute),
	}
}

// Emit implements linker.EventSink. It never blocks: frames go through the
// client's buffered send channel.
func (s *wsSink) Emit(event string, payload any) {
	if event == protocol.EventQR {
		payload = s.renderQR(payload)
	}
	s.client.SendEvent(protocol.NewEvent(event, payload))
}

// renderQR swaps the raw QR payload for a data URI. On render failure the
// raw payload is passed through so the attempt can still proceed by
// pairing code.
func (s *wsSink) renderQR(payload any) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	raw, ok := m["qr"].(string)
	if !ok || raw == "" {
		return payload
	}

	uri, ok := s.cache.Get(raw)
	if !ok {
		png, err := qrcode.Encode(raw, qrcode.Medium, s.size)
		if err != nil {
			slog.Warn("qr render failed", "error", err)
			return payload
		}
		uri = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		s.cache.Add(raw, uri)
	}
	return map[string]any{"qr": uri}
}
