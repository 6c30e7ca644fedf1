package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/askbot/internal/bus"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

var errPanic = errors.New("command panicked")

// Parse splits body into a lowercased command token and trimmed args.
// ok is false unless prefix is the very first text of body.
func Parse(prefix, body string) (name, rawArgs string, ok bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", "", false
	}
	rest := body[len(prefix):]

	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		end = len(rest)
	}
	name = strings.ToLower(rest[:end])
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(rest[end:]), true
}

// Dispatch routes msg on the worker pool. Non-command messages return
// immediately without using a worker.
func (m *Manager) Dispatch(ctx context.Context, msg transport.InboundMessage) {
	if _, _, ok := Parse(m.opts.Prefix, msg.BodyText); !ok {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			L_debug("commands: dropped, shutting down", "msgID", msg.ID)
			return
		}
		defer m.sem.Release(1)
		m.Route(ctx, msg)
	}()
}

// Wait blocks until every dispatched command has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Route handles msg synchronously: parse, authorize, execute, reply.
// Returns nil when msg is not a known command.
func (m *Manager) Route(ctx context.Context, msg transport.InboundMessage) *CommandResult {
	name, rawArgs, ok := Parse(m.opts.Prefix, msg.BodyText)
	if !ok {
		return nil
	}
	cmd := m.Get(name)
	if cmd == nil {
		L_trace("commands: unknown command ignored", "command", name, "sender", msg.SenderID)
		return nil
	}

	snap := m.session.Snapshot()
	args := &CommandArgs{
		RequestID:    uuid.NewString(),
		Name:         name,
		RawArgs:      rawArgs,
		Usage:        cmd.Usage,
		Sender:       msg.SenderID,
		IsOwner:      msg.IsFromMe || snap.IsOwner(msg.SenderID, msg.SenderAltID),
		QuotedText:   msg.QuotedText,
		QuotedAuthor: msg.QuotedAuthor,
		Message:      msg,
	}

	L_info("commands: received",
		"requestID", args.RequestID,
		"command", cmd.Name,
		"sender", args.Sender,
		"owner", args.IsOwner,
		"group", msg.IsGroup)

	start := time.Now()
	result := m.execute(ctx, cmd, args)

	if result != nil && result.Text != "" {
		quote := msg
		if _, err := m.session.Send(ctx, msg.ChatID, result.Text, transport.SendOptions{Quote: &quote}); err != nil {
			L_warn("commands: reply failed", "requestID", args.RequestID, "chat", msg.ChatID, "error", err)
		}
	}
	if result != nil {
		for _, n := range result.Notify {
			if _, err := m.session.Send(ctx, n.ChatID, n.Text, transport.SendOptions{}); err != nil {
				L_warn("commands: notification failed", "requestID", args.RequestID, "chat", n.ChatID, "error", err)
			}
		}
	}

	evt := HandledEvent{
		RequestID: args.RequestID,
		Command:   cmd.Name,
		Sender:    args.Sender,
		ChatID:    msg.ChatID,
		IsOwner:   args.IsOwner,
		Duration:  time.Since(start),
	}
	if result != nil && result.Error != nil {
		evt.Error = result.Error.Error()
	}
	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishWithSource(bus.TopicCommandHandled, evt, "commands")
	}

	L_debug("commands: handled", "requestID", args.RequestID, "command", cmd.Name, "elapsed", evt.Duration.Round(time.Millisecond))
	return result
}

// execute applies the owner gate, precondition and credit gate, then runs the
// handler. Panics become an error reply.
func (m *Manager) execute(ctx context.Context, cmd *Command, args *CommandArgs) (result *CommandResult) {
	charged := false
	defer func() {
		if r := recover(); r != nil {
			L_error("commands: handler panic",
				"requestID", args.RequestID,
				"command", cmd.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			result = failure("❌ Something went wrong handling that command.", fmt.Errorf("%w: %v", errPanic, r))
		}
		if charged && result != nil && result.Error != nil {
			if err := m.ledger.RefundCredit(args.Sender, args.IsOwner); err != nil {
				L_error("commands: refund failed", "requestID", args.RequestID, "sender", args.Sender, "error", err)
			} else {
				L_debug("commands: credit refunded", "requestID", args.RequestID, "sender", args.Sender)
			}
		}
	}()

	if cmd.OwnerOnly && !args.IsOwner {
		return reply("🛑 Owner Only Command.")
	}
	if cmd.Precondition != nil {
		if refusal := cmd.Precondition(args); refusal != "" {
			return reply(refusal)
		}
	}

	if cmd.Paid {
		if !args.IsOwner {
			if left, ok := m.cooldown.Allow(args.Sender); !ok {
				return reply(fmt.Sprintf("❌ Slow down, try again in %ds.", int(left.Seconds()+0.999)))
			}
		}
		ok, err := m.ledger.ConsumeCredit(args.Sender, args.IsOwner)
		if err != nil {
			m.cooldown.Forget(args.Sender)
			L_error("commands: consume credit failed", "requestID", args.RequestID, "sender", args.Sender, "error", err)
			return failure("❌ Could not check your credits, try again later.", err)
		}
		if !ok {
			m.cooldown.Forget(args.Sender)
			return reply("❌ 0 Credits. Ask owner for more.")
		}
		charged = !args.IsOwner
	}

	return cmd.Handler(ctx, args)
}
