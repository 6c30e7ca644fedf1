package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/roelfdiedericks/askbot/internal/bus"
	"github.com/roelfdiedericks/askbot/internal/channels/whatsapp"
	"github.com/roelfdiedericks/askbot/internal/commands"
	"github.com/roelfdiedericks/askbot/internal/config"
	"github.com/roelfdiedericks/askbot/internal/credential"
	askhttp "github.com/roelfdiedericks/askbot/internal/http"
	"github.com/roelfdiedericks/askbot/internal/ledger"
	"github.com/roelfdiedericks/askbot/internal/llm"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/paths"
	"github.com/roelfdiedericks/askbot/internal/supervisor"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// RunCmd runs the bot until interrupted
type RunCmd struct{}

func (r *RunCmd) Run(cli *CLI) error {
	cfg, dataDir, err := cli.setup()
	if err != nil {
		return err
	}
	L_info("askbot starting", "version", version, "dataDir", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := credential.Open(ctx, filepath.Join(dataDir, paths.CredentialFile), whatsapp.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()

	store, err := ledger.Open(filepath.Join(dataDir, paths.LedgerFile), ledger.Options{FreeCredits: cfg.FreeCredits()})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	backups, err := store.StartBackups(backupSchedule(cfg), cfg.Ledger.BackupCount)
	if err != nil {
		return fmt.Errorf("failed to schedule ledger backups: %w", err)
	}
	defer backups.Stop()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	events := bus.New()

	var router *commands.Manager
	sup := supervisor.New(creds, whatsapp.NewFactory(whatsapp.Options{Logger: whatsapp.NewLogger("client")}), supervisor.Options{
		TerminalCauses: transport.NewCauseSet(cfg.WhatsApp.TerminalCauses...),
		RetryDelay:     cfg.WhatsApp.RetryDelay.D(),
		WipeDelay:      cfg.WhatsApp.WipeDelay.D(),
		ConnectTimeout: cfg.WhatsApp.ConnectTimeout.D(),
		PairPhone:      cfg.WhatsApp.PairPhone,
		StateDir:       dataDir,
		Publisher:      events,
		OnMessage: func(msg transport.InboundMessage) {
			router.Dispatch(ctx, msg)
		},
		OnAuthCode: func(pc supervisor.PendingCode) {
			if cfg.TerminalQR() {
				printCode(pc)
			}
		},
	})

	router = commands.NewManager(store, provider, sup, commands.Options{
		Prefix:             cfg.Bot.CommandPrefix,
		BotName:            cfg.Bot.Name,
		DefaultGrant:       cfg.Bot.DefaultGrant,
		NotifyCreditTarget: cfg.NotifyCreditTarget(),
		IncludeMemory:      cfg.IncludeMemory(),
		AskCooldown:        cfg.Bot.AskCooldown.D(),
		MaxConcurrent:      cfg.Bot.MaxConcurrent,
		Publisher:          events,
	})

	events.Subscribe(bus.TopicCommandHandled, func(e bus.Event) {
		if h, ok := e.Data.(commands.HandledEvent); ok && h.Error != "" {
			L_debug("command failed", "requestID", h.RequestID, "command", h.Command, "error", h.Error)
		}
	})

	srv, err := askhttp.NewServer(&askhttp.ServerConfig{Listen: cfg.ListenAddr(), BotName: cfg.Bot.Name}, sup, events)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	L_info("status page ready", "addr", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	err = g.Wait()
	SetShuttingDown()
	L_info("askbot shutting down")
	router.Wait()
	events.Wait()
	return err
}

// newProvider builds the AI provider. A missing key is not fatal: ask
// replies that AI is not configured.
func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	p, err := llm.New(ctx, cfg.LLM)
	if errors.Is(err, llm.ErrNotConfigured) {
		L_warn("no API key configured, the ask command is disabled", "driver", cfg.LLM.Driver)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create AI provider: %w", err)
	}
	return p, nil
}

func backupSchedule(cfg *config.Config) string {
	if cfg.Ledger.BackupSchedule == "off" {
		return ""
	}
	return cfg.Ledger.BackupSchedule
}

// printCode shows a pending link code on stdout. QR codes are only drawn on
// a terminal; otherwise the status page has them.
func printCode(pc supervisor.PendingCode) {
	switch pc.Kind {
	case transport.CodeQR:
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			L_info("QR code pending, scan it from the status page")
			return
		}
		fmt.Println("Scan this QR code with WhatsApp (Settings > Linked Devices > Link a Device):")
		qrterminal.GenerateHalfBlock(pc.Code, qrterminal.L, os.Stdout)
	case transport.CodePairing:
		fmt.Println("Enter this code in WhatsApp (Linked Devices > Link with phone number instead):")
		fmt.Printf("\n    %s\n\n", pc.Code)
	}
}

// LinkCmd pairs a device and exits
type LinkCmd struct {
	Phone string `help:"Phone number (digits with country code) to get a pairing code instead of a QR code."`
}

func (l *LinkCmd) Run(cli *CLI) error {
	cfg, dataDir, err := cli.setup()
	if err != nil {
		return err
	}
	if err := refuseIfRunning(dataDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := credential.Open(ctx, filepath.Join(dataDir, paths.CredentialFile), whatsapp.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()

	phone := l.Phone
	if phone == "" {
		phone = cfg.WhatsApp.PairPhone
	}
	return whatsapp.LinkDevice(ctx, creds, phone, os.Stdout)
}

// UnlinkCmd wipes the stored session
type UnlinkCmd struct {
	Force bool `help:"Unlink even if a running bot holds the session."`
}

func (u *UnlinkCmd) Run(cli *CLI) error {
	_, dataDir, err := cli.setup()
	if err != nil {
		return err
	}
	if !u.Force {
		if err := refuseIfRunning(dataDir); err != nil {
			return err
		}
	}

	ctx := context.Background()
	creds, err := credential.Open(ctx, filepath.Join(dataDir, paths.CredentialFile), whatsapp.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()

	return whatsapp.UnlinkDevice(ctx, creds, os.Stdout)
}

// StatusCmd prints pairing, supervisor and ledger state
type StatusCmd struct{}

func (s *StatusCmd) Run(cli *CLI) error {
	cfg, dataDir, err := cli.setup()
	if err != nil {
		return err
	}
	out := os.Stdout
	ctx := context.Background()

	fmt.Fprintf(out, "Data dir: %s\n", dataDir)

	creds, err := credential.Open(ctx, filepath.Join(dataDir, paths.CredentialFile), whatsapp.NewLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()
	if err := whatsapp.DeviceStatus(ctx, creds, out); err != nil {
		return err
	}

	state, err := supervisor.LoadState(dataDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(out, "Supervisor: never started")
	case err != nil:
		fmt.Fprintf(out, "Supervisor: unreadable state (%v)\n", err)
	default:
		running := "stopped"
		if state.Alive() {
			running = fmt.Sprintf("running (pid %d)", state.PID)
		}
		fmt.Fprintf(out, "Supervisor: %s\n", running)
		fmt.Fprintf(out, "  Phase: %s\n", state.Phase)
		fmt.Fprintf(out, "  Reconnects: %d\n", state.ReconnectCount)
		if state.LastReason != "" {
			fmt.Fprintf(out, "  Last disconnect: %s\n", state.LastReason)
		}
		if state.AwaitingCode != "" {
			fmt.Fprintf(out, "  Awaiting %s code, open the status page on %s\n", state.AwaitingCode, cfg.ListenAddr())
		}
		fmt.Fprintf(out, "  Updated: %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	store, err := ledger.Open(filepath.Join(dataDir, paths.LedgerFile), ledger.Options{FreeCredits: cfg.FreeCredits()})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	users, memories := store.Stats()
	fmt.Fprintf(out, "Ledger: %d users, %d memories (%s)\n", users, memories, store.Path())
	return nil
}

// refuseIfRunning fails when a live bot owns the session
func refuseIfRunning(dataDir string) error {
	state, err := supervisor.LoadState(dataDir)
	if err != nil {
		return nil
	}
	if state.Alive() {
		return fmt.Errorf("askbot is running (pid %d), stop it first", state.PID)
	}
	return nil
}
