// Package whatsapp implements transport.Transport over whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/askbot/internal/credential"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// replies longer than this are sent as several messages
const maxWhatsAppMessage = 4000

// Options configures clients built by NewFactory
type Options struct {
	Logger waLog.Logger
}

// Client is one whatsmeow connection attempt
type Client struct {
	cli     *whatsmeow.Client
	cred    *credential.Credential
	handler transport.Handler
	sent    *sentSet

	// set once a disconnect was reported or requested; later close
	// signals for the same connection are dropped
	closed atomic.Bool

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

// NewFactory returns a transport.Factory producing whatsmeow clients
func NewFactory(opts Options) transport.Factory {
	return func(cred *credential.Credential, handler transport.Handler) (transport.Transport, error) {
		return New(cred, handler, opts)
	}
}

// New builds a client for cred. Nothing touches the network until Connect.
func New(cred *credential.Credential, handler transport.Handler, opts Options) (*Client, error) {
	if cred == nil || cred.Device == nil {
		return nil, fmt.Errorf("whatsapp: no device credential")
	}
	if handler == nil {
		return nil, fmt.Errorf("whatsapp: no event handler")
	}
	log := opts.Logger
	if log == nil {
		log = NewLogger("client")
	}

	cli := whatsmeow.NewClient(cred.Device, log)
	// reconnection belongs to the supervisor
	cli.EnableAutoReconnect = false

	c := &Client{
		cli:     cli,
		cred:    cred,
		handler: handler,
		sent:    newSentSet(256),
	}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

// Connect opens the websocket. An unpaired device also starts the QR flow.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cred.Paired() {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp: failed to get QR channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.watchQR(qrChan)
	}

	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}
	L_debug("whatsapp: socket open", "paired", c.cred.Paired())
	return nil
}

// Disconnect closes the connection without reporting a disconnect event
func (c *Client) Disconnect() {
	c.closed.Store(true)

	c.mu.Lock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
	c.mu.Unlock()

	c.cli.RemoveEventHandlers()
	c.cli.Disconnect()
}

// RequestPairingCode links by phone number instead of QR. Only valid while
// the QR flow is active.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := c.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("whatsapp: pairing code request failed: %w", err)
	}
	return code, nil
}

// Send delivers text, split at the message size limit. Only the first chunk
// quotes opts.Quote. Returns the id of the last chunk sent.
func (c *Client) Send(ctx context.Context, chatID, text string, opts transport.SendOptions) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("whatsapp: invalid chat id %q: %w", chatID, err)
	}

	var lastID string
	for i, chunk := range splitMessage(text, maxWhatsAppMessage) {
		var quote *transport.InboundMessage
		if i == 0 {
			quote = opts.Quote
		}

		id := c.cli.GenerateMessageID()
		c.sent.Add(string(id))

		if _, err := c.cli.SendMessage(ctx, jid, buildTextMessage(chunk, quote), whatsmeow.SendRequestExtra{ID: id}); err != nil {
			return lastID, fmt.Errorf("whatsapp: send failed: %w", err)
		}
		lastID = string(id)
	}
	return lastID, nil
}

func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(transport.AuthCodeEvent{Kind: transport.CodeQR, Code: item.Code})
		case "success":
			L_info("whatsapp: QR scan accepted, waiting for sync")
		case "timeout":
			c.reportDisconnect(transport.CauseTimedOut, "QR codes expired")
			c.cli.Disconnect()
		default:
			reason := item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("%s: %v", item.Event, item.Error)
			}
			c.reportDisconnect(transport.CauseBadSession, reason)
			c.cli.Disconnect()
		}
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		msg, ok := inboundFromEvent(v)
		if !ok {
			return
		}
		if c.sent.Contains(msg.ID) {
			L_trace("whatsapp: dropping echo of own message", "id", msg.ID)
			return
		}
		c.emit(transport.MessageEvent{Message: msg})

	case *events.Connected:
		self, selfAlt := c.selfIDs()
		c.emit(transport.ConnectedEvent{Self: self, SelfAlt: selfAlt})

	case *events.PairSuccess:
		L_info("whatsapp: paired", "jid", v.ID.String(), "platform", v.Platform)
		c.emit(transport.CredentialUpdateEvent{})

	default:
		if cause, reason, ok := disconnectCause(evt); ok {
			c.reportDisconnect(cause, reason)
			if cause == transport.CauseConnectionLost {
				// keepalive failures leave the socket half open
				go c.cli.Disconnect()
			}
		}
	}
}

func (c *Client) selfIDs() (string, string) {
	var self, alt string
	if c.cli.Store.ID != nil {
		self = transport.CanonicalUserID(c.cli.Store.ID.String())
	}
	if !c.cli.Store.LID.IsEmpty() {
		alt = transport.CanonicalUserID(c.cli.Store.LID.String())
	}
	return self, alt
}

func (c *Client) reportDisconnect(cause transport.Cause, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	L_debug("whatsapp: connection closed", "cause", cause, "reason", reason)
	c.handler(transport.DisconnectedEvent{Cause: cause, Reason: reason})
}

func (c *Client) emit(e transport.Event) {
	if c.closed.Load() {
		return
	}
	c.handler(e)
}

// buildTextMessage creates a plain or quoting text message
func buildTextMessage(text string, quote *transport.InboundMessage) *waE2E.Message {
	if quote == nil || quote.ID == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(quote.ID),
				Participant:   proto.String(quote.SenderID),
				QuotedMessage: &waE2E.Message{Conversation: proto.String(quote.BodyText)},
			},
		},
	}
}
