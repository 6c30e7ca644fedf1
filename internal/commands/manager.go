// Package commands routes prefixed chat messages to the bot's command handlers.
package commands

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roelfdiedericks/askbot/internal/ledger"
	"github.com/roelfdiedericks/askbot/internal/llm"
)

// Command is one entry in the dispatch table
type Command struct {
	Name        string   // e.g. "ask"
	Description string   // e.g. "Ask the AI"
	Usage       string   // argument hint, e.g. "[query]" (optional)
	Aliases     []string // e.g. ["ai"]
	OwnerOnly   bool
	Paid        bool // consumes one credit before Handler runs
	// Precondition returns a refusal reply, or "" to proceed. It runs before
	// any credit is consumed.
	Precondition func(args *CommandArgs) string
	Handler      CommandHandler
}

// CommandHandler is the function signature for command handlers
type CommandHandler func(ctx context.Context, args *CommandArgs) *CommandResult

// Options configures the router
type Options struct {
	Prefix             string
	BotName            string
	DefaultGrant       int
	NotifyCreditTarget bool
	IncludeMemory      bool
	AskCooldown        time.Duration
	MaxConcurrent      int
	Publisher          Publisher
}

// Manager is the command registry and router
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name and alias (lowercase)

	opts     Options
	ledger   *ledger.Store
	provider llm.Provider // nil when no AI credential is configured
	session  Session
	cooldown *Cooldown
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	started  time.Time
}

// NewManager creates a router with the built-in commands registered
func NewManager(store *ledger.Store, provider llm.Provider, session Session, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "."
	}
	if opts.BotName == "" {
		opts.BotName = "Askbot"
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	m := &Manager{
		commands: make(map[string]*Command),
		opts:     opts,
		ledger:   store,
		provider: provider,
		session:  session,
		cooldown: NewCooldown(opts.AskCooldown),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		started:  time.Now(),
	}
	m.registerBuiltins()
	return m
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name (or alias)
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands (no aliases), sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Prefix returns the configured command prefix
func (m *Manager) Prefix() string {
	return m.opts.Prefix
}
