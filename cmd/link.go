package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/creds"
	"github.com/nextlevelbuilder/walink/internal/linker"
	"github.com/nextlevelbuilder/walink/internal/phone"
	"github.com/nextlevelbuilder/walink/internal/wa"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

func linkCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "link [number]",
		Short: "Run one linking attempt from the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				var err error
				raw, err = promptString("Phone number", "Include the country code, e.g. 2348012345678", "")
				if err != nil || raw == "" {
					return fmt.Errorf("a phone number is required")
				}
			}

			identifier, err := phone.Normalize(raw, cfg.Linking.DefaultRegion)
			if err != nil {
				return fmt.Errorf("invalid phone number %q: include the country code", raw)
			}

			orch, err := linker.New(identifier, &consoleSink{out: out}, linker.Options{
				Store:       creds.NewStore(cfg.SessionsDir()),
				Dialer:      wa.NewDialer(),
				Registry:    linker.NewRegistry(),
				Logger:      slog.Default(),
				DisplayName: cfg.Linking.DisplayName,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Linking %s — confirm on your phone when prompted.\n\n", identifier)
			return orch.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the credential bundle JSON to this file instead of stdout")

	return cmd
}

// consoleSink renders linking events for a terminal: QR codes as ASCII art,
// the bundle as pretty JSON.
type consoleSink struct {
	out string
}

func (s *consoleSink) Emit(event string, payload any) {
	switch event {
	case protocol.EventStatus:
		fmt.Printf("· %v\n", payload)
	case protocol.EventQR:
		if m, ok := payload.(map[string]any); ok {
			if raw, ok := m["qr"].(string); ok {
				if q, err := qrcode.New(raw, qrcode.Medium); err == nil {
					fmt.Println("Scan from WhatsApp > Linked Devices:")
					fmt.Println(q.ToSmallString(false))
				}
			}
		}
	case protocol.EventPairingCode:
		if m, ok := payload.(map[string]any); ok {
			fmt.Printf("\nPairing code: %v\n\n", m["code"])
		}
	case protocol.EventSessionID:
		s.writeBundle(payload)
	case protocol.EventError:
		fmt.Fprintf(os.Stderr, "Error: %v\n", payload)
	case protocol.EventComplete:
		fmt.Printf("· %v\n", payload)
	}
}

func (s *consoleSink) writeBundle(payload any) {
	bundle := payload
	if m, ok := payload.(map[string]any); ok {
		if inner, ok := m["sessionId"]; ok {
			bundle = inner
		}
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not encode bundle: %v\n", err)
		return
	}
	if s.out != "" {
		if err := os.WriteFile(s.out, data, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error: write %s: %v\n", s.out, err)
			return
		}
		fmt.Printf("\nSession bundle written to %s\n", s.out)
		return
	}
	fmt.Printf("\nSession bundle:\n%s\n", data)
}
