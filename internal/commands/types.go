package commands

import (
	"context"
	"time"

	"github.com/roelfdiedericks/askbot/internal/supervisor"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// Session is the live connection commands reply through
type Session interface {
	Send(ctx context.Context, chatID, text string, opts transport.SendOptions) (string, error)
	Snapshot() supervisor.Snapshot
}

// Publisher receives handled-command events; it must not block
type Publisher interface {
	PublishWithSource(topic string, data any, source string)
}

// CommandArgs contains the arguments passed to a command handler
type CommandArgs struct {
	RequestID    string
	Name         string // command token as typed, lowercased, without prefix
	RawArgs      string // everything after the command token, trimmed
	Usage        string // copy of Command.Usage for error messages
	Sender       string // canonical sender id, the ledger key
	IsOwner      bool
	QuotedText   string
	QuotedAuthor string
	Message      transport.InboundMessage
}

// Notification is an extra message sent after the reply
type Notification struct {
	ChatID string
	Text   string
}

// CommandResult contains the result of a command execution
type CommandResult struct {
	Text   string // reply, sent quoting the command message
	Error  error  // set when the handler failed; paid commands are refunded
	Notify []Notification
}

// HandledEvent is published on bus.TopicCommandHandled after every command
type HandledEvent struct {
	RequestID string        `json:"requestId"`
	Command   string        `json:"command"`
	Sender    string        `json:"sender"`
	ChatID    string        `json:"chatId"`
	IsOwner   bool          `json:"isOwner"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func reply(text string) *CommandResult {
	return &CommandResult{Text: text}
}

func failure(text string, err error) *CommandResult {
	return &CommandResult{Text: text, Error: err}
}
