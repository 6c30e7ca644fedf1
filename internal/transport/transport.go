// Package transport defines the boundary between the connection supervisor
// and a concrete chat protocol client.
//
// A Transport is bound to one credential and one connection attempt. It
// reports everything it observes as Events through the Handler it was built
// with; the supervisor decides what each event means.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/roelfdiedericks/askbot/internal/credential"
)

// Transport is a single connection attempt
type Transport interface {
	// Connect opens the connection. Progress is reported through events.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Safe to call more than once.
	Disconnect()
	// Send delivers text to chatID and returns the sent message id.
	Send(ctx context.Context, chatID, text string, opts SendOptions) (string, error)
	// RequestPairingCode asks the server for a numeric linking code for phone.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

// Handler receives transport events. Implementations must not block for long.
type Handler func(Event)

// Factory builds a Transport for cred that reports to handler
type Factory func(cred *credential.Credential, handler Handler) (Transport, error)

// SendOptions controls how a reply is delivered
type SendOptions struct {
	// Quote, when set, is shown as the message being replied to
	Quote *InboundMessage
}

// InboundMessage is a received chat message
type InboundMessage struct {
	ID           string
	SenderID     string // canonical sender address
	SenderAltID  string // alternate address (phone vs LID), may be empty
	ChatID       string // where replies go
	IsFromMe     bool
	IsGroup      bool
	PushName     string
	BodyText     string
	QuotedText   string
	QuotedAuthor string // canonical address of the quoted message's sender
	Timestamp    time.Time
}

// CodeKind distinguishes QR payloads from numeric pairing codes
type CodeKind int

const (
	CodeQR CodeKind = iota
	CodePairing
)

func (k CodeKind) String() string {
	if k == CodePairing {
		return "pairing"
	}
	return "qr"
}

// Event is anything a transport reports
type Event interface {
	eventName() string
}

// AuthCodeEvent carries a code the user must enter or scan to link the device
type AuthCodeEvent struct {
	Kind CodeKind
	Code string
}

// ConnectedEvent is emitted once the session is authenticated and online
type ConnectedEvent struct {
	Self    string // canonical address of the linked account
	SelfAlt string // the account's LID address, when known
}

// DisconnectedEvent is emitted when the connection closes for any reason
type DisconnectedEvent struct {
	Cause  Cause
	Reason string
}

// CredentialUpdateEvent is emitted when the device state changed and should be persisted
type CredentialUpdateEvent struct{}

// MessageEvent carries an inbound message
type MessageEvent struct {
	Message InboundMessage
}

func (AuthCodeEvent) eventName() string         { return "auth_code" }
func (ConnectedEvent) eventName() string        { return "connected" }
func (DisconnectedEvent) eventName() string     { return "disconnected" }
func (CredentialUpdateEvent) eventName() string { return "credential_update" }
func (MessageEvent) eventName() string          { return "message" }

// EventName returns a short name for logging
func EventName(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventName()
}

// CanonicalUserID strips the agent and device parts from an address:
// "917001234567:5@s.whatsapp.net" becomes "917001234567@s.whatsapp.net".
// A bare number gets the default user server.
func CanonicalUserID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	user, server, found := strings.Cut(id, "@")
	if !found {
		server = DefaultUserServer
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, '.'); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		return ""
	}
	return user + "@" + server
}

// DefaultUserServer is the server part of individual user addresses
const DefaultUserServer = "s.whatsapp.net"
