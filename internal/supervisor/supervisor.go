// Package supervisor keeps the chat session connected.
//
// It runs connection attempts one after another, forever, until its context
// is cancelled. Each attempt loads (or creates) a credential, builds a
// transport and follows its events until the transport reports a disconnect.
// A disconnect whose cause is in the terminal set destroys the stored
// credential before the next attempt; any other cause keeps it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/askbot/internal/bus"
	"github.com/roelfdiedericks/askbot/internal/credential"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// ErrNotConnected is returned by Send while no session is online
var ErrNotConnected = errors.New("not connected")

// Phase is the supervisor's position in the connection lifecycle
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseAwaitingAuth Phase = "awaiting_auth"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseTerminated   Phase = "terminated"
)

// Status is the coarse session state shown to users
type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusAwaitingCode Status = "AwaitingCode"
	StatusConnected    Status = "Connected"
)

// Status maps a phase onto the user-facing session status
func (p Phase) Status() Status {
	switch p {
	case PhaseConnected:
		return StatusConnected
	case PhaseAwaitingAuth:
		return StatusAwaitingCode
	}
	return StatusDisconnected
}

// PendingCode is a link code waiting to be scanned or typed in
type PendingCode struct {
	Kind     transport.CodeKind
	Code     string
	IssuedAt time.Time
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	Seq              uint64
	Phase            Phase
	Status           Status
	OwnerIdentity    string
	OwnerAltIdentity string
	PendingCode      *PendingCode
	ReconnectCount   int
	LastCause        transport.Cause
	LastReason       string
	StartedAt        time.Time
	ConnectedAt      time.Time
}

// IsOwner reports whether any of ids is the linked account
func (s Snapshot) IsOwner(ids ...string) bool {
	if s.OwnerIdentity == "" && s.OwnerAltIdentity == "" {
		return false
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if id == s.OwnerIdentity || id == s.OwnerAltIdentity {
			return true
		}
	}
	return false
}

// Publisher receives state snapshots; it must not block
type Publisher interface {
	PublishWithSource(topic string, data any, source string)
}

// Options configures a Supervisor
type Options struct {
	TerminalCauses transport.CauseSet
	RetryDelay     time.Duration
	WipeDelay      time.Duration
	ConnectTimeout time.Duration
	PairPhone      string // request a numeric pairing code for this number

	StateDir   string // where supervisor.json is written; "" disables
	Publisher  Publisher
	OnMessage  func(transport.InboundMessage)
	OnAuthCode func(PendingCode)
}

// Supervisor owns the session
type Supervisor struct {
	store   credential.Store
	factory transport.Factory
	opts    Options

	running atomic.Bool

	mu      sync.RWMutex
	snap    Snapshot
	current transport.Transport
}

// New creates a supervisor. Zero durations fall back to sensible defaults.
func New(store credential.Store, factory transport.Factory, opts Options) *Supervisor {
	if opts.TerminalCauses == nil {
		opts.TerminalCauses = transport.NewCauseSet(int(transport.CauseLoggedOut))
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.WipeDelay <= 0 {
		opts.WipeDelay = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &Supervisor{
		store:   store,
		factory: factory,
		opts:    opts,
		snap:    Snapshot{Phase: PhaseIdle, Status: StatusDisconnected},
	}
}

// Snapshot returns the current session state
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.PendingCode != nil {
		pc := *snap.PendingCode
		snap.PendingCode = &pc
	}
	return snap
}

// Send delivers text through the live transport
func (s *Supervisor) Send(ctx context.Context, chatID, text string, opts transport.SendOptions) (string, error) {
	s.mu.RLock()
	tr := s.current
	phase := s.snap.Phase
	s.mu.RUnlock()

	if tr == nil || phase != PhaseConnected {
		return "", ErrNotConnected
	}
	return tr.Send(ctx, chatID, text, opts)
}

// Run supervises the session until ctx is cancelled. It returns nil on
// cancellation; it never gives up on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}
	defer s.running.Store(false)

	s.update(func(sn *Snapshot) {
		sn.Phase = PhaseIdle
		sn.StartedAt = time.Now()
	})
	L_info("supervisor: started",
		"terminalCauses", len(s.opts.TerminalCauses),
		"retryDelay", s.opts.RetryDelay,
		"connectTimeout", s.opts.ConnectTimeout)

	for {
		cause, reason := s.attempt(ctx)
		if ctx.Err() != nil {
			break
		}

		delay := s.opts.RetryDelay
		terminal := s.opts.TerminalCauses.Contains(cause)
		if terminal {
			L_error("supervisor: session ended, wiping credentials", "cause", cause, "reason", reason)
			if err := s.store.Wipe(ctx); err != nil {
				L_error("supervisor: credential wipe failed", "error", err)
			}
			delay = s.opts.WipeDelay
		} else {
			L_warn("supervisor: connection lost, keeping session", "cause", cause, "reason", reason, "retryIn", delay)
		}

		s.update(func(sn *Snapshot) {
			sn.Phase = PhaseDisconnected
			sn.PendingCode = nil
			sn.LastCause = cause
			sn.LastReason = reason
			sn.ReconnectCount++
			if terminal {
				sn.OwnerIdentity = ""
				sn.OwnerAltIdentity = ""
			}
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.update(func(sn *Snapshot) {
		sn.Phase = PhaseTerminated
		sn.PendingCode = nil
	})
	L_info("supervisor: stopped")
	return nil
}

// attempt runs one connection until it closes. The returned cause is
// meaningless when ctx was cancelled.
func (s *Supervisor) attempt(ctx context.Context) (transport.Cause, string) {
	s.update(func(sn *Snapshot) {
		sn.Phase = PhaseConnecting
		sn.PendingCode = nil
	})

	cred, err := s.store.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		L_info("supervisor: no stored session, linking a new device")
		cred = s.store.New()
	} else if err != nil {
		L_error("supervisor: failed to load credentials", "error", err)
		return transport.CauseLocalFailure, err.Error()
	}

	events := make(chan transport.Event, 64)
	done := make(chan struct{})
	defer close(done)

	handler := func(e transport.Event) {
		select {
		case <-done:
			L_trace("supervisor: dropping event from stale transport", "event", transport.EventName(e))
			return
		default:
		}
		if m, ok := e.(transport.MessageEvent); ok {
			if s.opts.OnMessage != nil {
				s.opts.OnMessage(m.Message)
			}
			return
		}
		select {
		case events <- e:
		case <-done:
		}
	}

	tr, err := s.factory(cred, handler)
	if err != nil {
		L_error("supervisor: failed to build transport", "error", err)
		return transport.CauseLocalFailure, err.Error()
	}
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		tr.Disconnect()
	}()

	s.mu.Lock()
	s.current = tr
	s.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		L_warn("supervisor: connect failed", "error", err)
		return transport.CauseConnectionClosed, err.Error()
	}

	timeout := time.NewTimer(s.opts.ConnectTimeout)
	defer timeout.Stop()
	timeoutC := timeout.C
	progressed := func() {
		if timeoutC != nil {
			timeout.Stop()
			timeoutC = nil
		}
	}

	pairRequested := false
	havePairingCode := false

	for {
		select {
		case <-ctx.Done():
			return 0, "shutdown"

		case <-timeoutC:
			return transport.CauseTimedOut, fmt.Sprintf("no progress within %s", s.opts.ConnectTimeout)

		case e := <-events:
			switch v := e.(type) {
			case transport.AuthCodeEvent:
				progressed()
				if v.Kind == transport.CodeQR && s.opts.PairPhone != "" {
					if !pairRequested {
						pairRequested = true
						go s.requestPairingCode(ctx, tr, handler)
					}
					if havePairingCode {
						// the pairing code stays valid while QR codes rotate
						continue
					}
				}
				if v.Kind == transport.CodePairing {
					havePairingCode = true
				}
				s.showCode(v)

			case transport.ConnectedEvent:
				progressed()
				s.update(func(sn *Snapshot) {
					sn.Phase = PhaseConnected
					sn.PendingCode = nil
					sn.OwnerIdentity = v.Self
					sn.OwnerAltIdentity = v.SelfAlt
					sn.ConnectedAt = time.Now()
				})
				L_info("supervisor: connected", "owner", v.Self)

			case transport.CredentialUpdateEvent:
				if err := s.store.Persist(ctx, cred); err != nil {
					L_error("supervisor: failed to persist credentials", "error", err)
				}

			case transport.DisconnectedEvent:
				return v.Cause, v.Reason
			}
		}
	}
}

// requestPairingCode asks for a numeric code and feeds it back as an event.
// Failures are logged and leave the state alone.
func (s *Supervisor) requestPairingCode(ctx context.Context, tr transport.Transport, handler transport.Handler) {
	code, err := tr.RequestPairingCode(ctx, s.opts.PairPhone)
	if err != nil {
		L_warn("supervisor: pairing code request failed", "phone", s.opts.PairPhone, "error", err)
		return
	}
	handler(transport.AuthCodeEvent{Kind: transport.CodePairing, Code: code})
}

func (s *Supervisor) showCode(e transport.AuthCodeEvent) {
	pc := PendingCode{Kind: e.Kind, Code: e.Code, IssuedAt: time.Now()}
	s.update(func(sn *Snapshot) {
		sn.Phase = PhaseAwaitingAuth
		sn.PendingCode = &pc
	})
	L_info("supervisor: waiting for device link", "kind", e.Kind)
	if s.opts.OnAuthCode != nil {
		s.opts.OnAuthCode(pc)
	}
}

// update mutates the snapshot, then persists and publishes the result
func (s *Supervisor) update(fn func(*Snapshot)) {
	s.mu.Lock()
	prev := s.snap.Phase
	fn(&s.snap)
	s.snap.Status = s.snap.Phase.Status()
	s.snap.Seq++
	snap := s.snap
	s.mu.Unlock()

	if prev != snap.Phase {
		L_debug("supervisor: phase change", "from", prev, "to", snap.Phase)
	}
	saveState(s.opts.StateDir, stateFromSnapshot(snap))
	if s.opts.Publisher != nil {
		s.opts.Publisher.PublishWithSource(bus.TopicSessionState, snap, "supervisor")
	}
}
