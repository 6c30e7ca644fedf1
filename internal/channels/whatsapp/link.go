package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/roelfdiedericks/askbot/internal/credential"
)

// LinkDevice pairs a new device interactively, printing the QR code (or a
// pairing code when phone is set) to out, then disconnects.
func LinkDevice(ctx context.Context, store *credential.SQLStore, phone string, out io.Writer) error {
	// a stale session makes the server reject the new one with 401
	if err := store.Wipe(ctx); err != nil {
		return fmt.Errorf("failed to remove stale devices: %w", err)
	}

	cred := store.New()
	client := whatsmeow.NewClient(cred.Device, NewLogger("link"))
	client.EnableAutoReconnect = false

	// the QR "success" event only means the scan was accepted; the device
	// is usable once Connected fires after the initial sync
	connectedCh := make(chan struct{}, 1)
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Disconnect()

	if phone == "" {
		fmt.Fprintln(out, "Scan the QR code below with your WhatsApp app:")
		fmt.Fprintln(out, "  WhatsApp > Settings > Linked Devices > Link a Device")
		fmt.Fprintln(out)
	}

	pairRequested := false
	for item := range qrChan {
		switch item.Event {
		case "code":
			if phone == "" {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, out)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Waiting for scan...")
				continue
			}
			if pairRequested {
				continue
			}
			pairRequested = true
			code, err := client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
			if err != nil {
				return fmt.Errorf("pairing code request failed: %w", err)
			}
			fmt.Fprintf(out, "Pairing code: %s\n", code)
			fmt.Fprintln(out, "  WhatsApp > Linked Devices > Link with phone number instead")

		case "success":
			fmt.Fprintln(out, "\nLink accepted, completing initial sync...")
			select {
			case <-connectedCh:
			case <-time.After(30 * time.Second):
				return fmt.Errorf("timed out waiting for initial sync, try again")
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(out, "Paired successfully! JID: %s\n", client.Store.ID)
			return nil

		case "timeout":
			return fmt.Errorf("pairing code expired, run the command again")

		default:
			if item.Error != nil {
				return fmt.Errorf("pairing failed: %s: %w", item.Event, item.Error)
			}
			return fmt.Errorf("pairing failed: %s", item.Event)
		}
	}

	return fmt.Errorf("QR channel closed unexpectedly")
}

// UnlinkDevice removes the stored session, requiring a new link
func UnlinkDevice(ctx context.Context, store *credential.SQLStore, out io.Writer) error {
	cred, err := store.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		return fmt.Errorf("no paired devices found")
	}
	if err != nil {
		return err
	}

	if err := store.Wipe(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed device: %s\n", cred.ID())
	fmt.Fprintln(out, "WhatsApp session cleared. Run 'askbot link' to re-pair.")
	return nil
}

// DeviceStatus prints the current pairing state
func DeviceStatus(ctx context.Context, store *credential.SQLStore, out io.Writer) error {
	cred, err := store.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		fmt.Fprintln(out, "Pairing: not paired")
		fmt.Fprintln(out, "Run 'askbot link' to pair a device, or start 'askbot run' and scan the QR code.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Pairing: paired")
	fmt.Fprintf(out, "  JID: %s\n", cred.ID())
	return nil
}
