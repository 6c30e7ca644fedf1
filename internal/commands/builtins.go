package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roelfdiedericks/askbot/internal/ledger"
	"github.com/roelfdiedericks/askbot/internal/llm"
	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// registerBuiltins registers all built-in commands
func (m *Manager) registerBuiltins() {
	m.Register(&Command{
		Name:         "ask",
		Description:  "Ask the AI (reply to a message to add it as context)",
		Usage:        "[query]",
		Aliases:      []string{"ai"},
		Paid:         true,
		Precondition: m.checkAsk,
		Handler:      m.handleAsk,
	})

	m.Register(&Command{
		Name:         "save",
		Description:  "Save the replied-to message to memory",
		Usage:        "[name]",
		Precondition: m.checkSave,
		Handler:      m.handleSave,
	})

	m.Register(&Command{
		Name:         "get",
		Description:  "Show a saved memory",
		Usage:        "[name]",
		Precondition: m.requireArgs,
		Handler:      m.handleGet,
	})

	m.Register(&Command{
		Name:        "list",
		Description: "List saved memories",
		Handler:     m.handleList,
	})

	m.Register(&Command{
		Name:         "delete",
		Description:  "Delete a saved memory",
		Usage:        "[name]",
		Aliases:      []string{"del"},
		Precondition: m.requireArgs,
		Handler:      m.handleDelete,
	})

	m.Register(&Command{
		Name:         "credit",
		Description:  "Give credits to the replied-to user",
		Usage:        "[amount]",
		OwnerOnly:    true,
		Precondition: checkCredit,
		Handler:      m.handleCredit,
	})

	m.Register(&Command{
		Name:        "balance",
		Description: "Check your credits",
		Handler:     m.handleBalance,
	})

	m.Register(&Command{
		Name:        "ping",
		Description: "Test the bot",
		Handler:     handlePing,
	})

	m.Register(&Command{
		Name:        "alive",
		Description: "Show bot status",
		Handler:     m.handleAlive,
	})

	m.Register(&Command{
		Name:        "help",
		Description: "Show this help",
		Handler:     m.handleHelp,
	})
}

func (m *Manager) usage(args *CommandArgs) string {
	u := m.opts.Prefix + args.Name
	if args.Usage != "" {
		u += " " + args.Usage
	}
	return "❌ Usage: " + u
}

func (m *Manager) requireArgs(args *CommandArgs) string {
	if args.RawArgs == "" {
		return m.usage(args)
	}
	return ""
}

func (m *Manager) checkAsk(args *CommandArgs) string {
	if args.RawArgs == "" && args.QuotedText == "" {
		return m.usage(args) + " (or reply to text)"
	}
	if m.provider == nil {
		return "❌ " + llm.FormatErrorForUser(llm.ErrNotConfigured)
	}
	return ""
}

func (m *Manager) checkSave(args *CommandArgs) string {
	if args.QuotedText == "" {
		return "❌ Reply to a message to save it."
	}
	return m.requireArgs(args)
}

func checkCredit(args *CommandArgs) string {
	if args.QuotedAuthor == "" {
		return "❌ Reply to a user's message to give credits."
	}
	return ""
}

// buildPrompt combines the quoted context and the question
func buildPrompt(quoted, question string) string {
	var b strings.Builder
	if quoted != "" {
		b.WriteString("CONTEXT (User Replied to):\n\"")
		b.WriteString(quoted)
		b.WriteString("\"\n\n")
	}
	if question != "" {
		b.WriteString("QUESTION: ")
		b.WriteString(question)
	}
	return strings.TrimSpace(b.String())
}

func (m *Manager) systemPrompt() string {
	system := fmt.Sprintf("You are %s, a helpful assistant in a chat. Answer concisely.", m.opts.BotName)
	if m.opts.IncludeMemory {
		system += " Knowledge Base: " + m.ledger.KnowledgeJSON()
	}
	return system
}

func (m *Manager) handleAsk(ctx context.Context, args *CommandArgs) *CommandResult {
	text, err := m.provider.Complete(ctx, buildPrompt(args.QuotedText, args.RawArgs), m.systemPrompt())
	if err != nil {
		L_warn("commands: ask failed", "requestID", args.RequestID, "sender", args.Sender, "error", err)
		return failure("❌ "+llm.FormatErrorForUser(err), err)
	}
	return reply(text)
}

func (m *Manager) handleSave(ctx context.Context, args *CommandArgs) *CommandResult {
	if err := m.ledger.SaveMemory(args.RawArgs, args.QuotedText); err != nil {
		L_error("commands: save failed", "requestID", args.RequestID, "key", args.RawArgs, "error", err)
		return failure("❌ Could not save to memory.", err)
	}
	return reply(fmt.Sprintf("✅ Saved %q to memory.", args.RawArgs))
}

func (m *Manager) handleGet(ctx context.Context, args *CommandArgs) *CommandResult {
	value, err := m.ledger.GetMemory(args.RawArgs)
	if errors.Is(err, ledger.ErrNotFound) {
		return reply(fmt.Sprintf("❌ Nothing saved as %q.", args.RawArgs))
	}
	if err != nil {
		return failure("❌ Could not read memory.", err)
	}
	return reply(value)
}

func (m *Manager) handleList(ctx context.Context, args *CommandArgs) *CommandResult {
	keys := m.ledger.ListMemoryKeys()
	if len(keys) == 0 {
		return reply("📭 Memory is empty.")
	}
	return reply("🧠 Saved:\n" + strings.Join(keys, "\n"))
}

func (m *Manager) handleDelete(ctx context.Context, args *CommandArgs) *CommandResult {
	found, err := m.ledger.DeleteMemory(args.RawArgs)
	if err != nil {
		L_error("commands: delete failed", "requestID", args.RequestID, "key", args.RawArgs, "error", err)
		return failure("❌ Could not delete from memory.", err)
	}
	if !found {
		return reply(fmt.Sprintf("❌ Nothing saved as %q.", args.RawArgs))
	}
	return reply(fmt.Sprintf("✅ Deleted %q from memory.", args.RawArgs))
}

// parseAmount reads the first word of raw as a credit amount. Missing or
// non-numeric input selects def.
func parseAmount(raw string, def int) (int, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return def, true
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return def, true
	}
	return n, n >= 0
}

func (m *Manager) handleCredit(ctx context.Context, args *CommandArgs) *CommandResult {
	amount, ok := parseAmount(args.RawArgs, m.opts.DefaultGrant)
	if !ok {
		return reply("❌ Amount must not be negative.")
	}

	balance, err := m.ledger.GrantCredit(args.QuotedAuthor, amount)
	if err != nil {
		L_error("commands: grant failed", "requestID", args.RequestID, "target", args.QuotedAuthor, "error", err)
		return failure("❌ Could not give credits.", err)
	}
	L_info("commands: credits granted", "requestID", args.RequestID, "target", args.QuotedAuthor, "amount", amount, "balance", balance)

	result := reply(fmt.Sprintf("✅ Gave %d credits to that user.", amount))
	if m.opts.NotifyCreditTarget {
		result.Notify = append(result.Notify, Notification{
			ChatID: args.QuotedAuthor,
			Text:   fmt.Sprintf("🎁 You received %d credits. 💳 Credits: %d", amount, balance),
		})
	}
	return result
}

func (m *Manager) handleBalance(ctx context.Context, args *CommandArgs) *CommandResult {
	balance, err := m.ledger.Credits(args.Sender, args.IsOwner)
	if err != nil {
		return failure("❌ Could not check your credits, try again later.", err)
	}
	return reply("💳 Credits: " + balance.String())
}

func handlePing(ctx context.Context, args *CommandArgs) *CommandResult {
	return reply("🏓 Pong!")
}

func (m *Manager) handleAlive(ctx context.Context, args *CommandArgs) *CommandResult {
	snap := m.session.Snapshot()
	users, memories := m.ledger.Stats()

	ai := "ready"
	if m.provider == nil {
		ai = "not configured"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s is alive\n", m.opts.BotName)
	fmt.Fprintf(&b, "⏱️ Uptime: %s\n", time.Since(m.started).Round(time.Second))
	fmt.Fprintf(&b, "📶 Session: %s (reconnects: %d)\n", snap.Status, snap.ReconnectCount)
	fmt.Fprintf(&b, "🤖 AI: %s\n", ai)
	fmt.Fprintf(&b, "👥 Users: %d | 🧠 Memories: %d", users, memories)
	return reply(b.String())
}

// handleHelp returns available commands (generated from registry)
func (m *Manager) handleHelp(ctx context.Context, args *CommandArgs) *CommandResult {
	var user, owner strings.Builder
	for _, cmd := range m.List() {
		line := "🔹 " + m.opts.Prefix + cmd.Name
		if cmd.Usage != "" {
			line += " " + cmd.Usage
		}
		line += " - " + cmd.Description + "\n"

		if cmd.OwnerOnly {
			owner.WriteString(line)
		} else {
			user.WriteString(line)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🤖 *%s*\n----------------\n", strings.ToUpper(m.opts.BotName))
	b.WriteString(user.String())
	if args.IsOwner && owner.Len() > 0 {
		b.WriteString("\n👑 *Owner Cmds:*\n")
		b.WriteString(owner.String())
	}
	return reply(strings.TrimRight(b.String(), "\n"))
}
