package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/askbot/internal/bus"
	"github.com/roelfdiedericks/askbot/internal/ledger"
	"github.com/roelfdiedericks/askbot/internal/llm"
	"github.com/roelfdiedericks/askbot/internal/supervisor"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

const (
	ownerID = "15550000001@s.whatsapp.net"
	userA   = "15550000002@s.whatsapp.net"
	userB   = "15550000003@s.whatsapp.net"
)

type sent struct {
	chatID string
	text   string
	quoted bool
}

type fakeSession struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSession) Send(ctx context.Context, chatID, text string, opts transport.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, text: text, quoted: opts.Quote != nil})
	return "id", nil
}

func (f *fakeSession) Snapshot() supervisor.Snapshot {
	return supervisor.Snapshot{
		Phase:         supervisor.PhaseConnected,
		Status:        supervisor.StatusConnected,
		OwnerIdentity: ownerID,
	}
}

func (f *fakeSession) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	systems []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, system)
	return f.reply, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []HandledEvent
}

func (p *recordingPublisher) PublishWithSource(topic string, data any, source string) {
	if topic != bus.TopicCommandHandled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data.(HandledEvent))
}

type harness struct {
	mgr      *Manager
	store    *ledger.Store
	session  *fakeSession
	provider *fakeProvider
	pub      *recordingPublisher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "database.json"), ledger.Options{FreeCredits: 1})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		session:  &fakeSession{},
		provider: &fakeProvider{reply: "hi there"},
		pub:      &recordingPublisher{},
	}
	if opts.DefaultGrant == 0 {
		opts.DefaultGrant = 5
	}
	opts.Publisher = h.pub
	h.mgr = NewManager(store, h.provider, h.session, opts)
	return h
}

func (h *harness) route(t *testing.T, msg transport.InboundMessage) string {
	t.Helper()
	if msg.ChatID == "" {
		msg.ChatID = msg.SenderID
	}
	res := h.mgr.Route(context.Background(), msg)
	if res == nil {
		return ""
	}
	return res.Text
}

func from(sender, body string) transport.InboundMessage {
	return transport.InboundMessage{ID: "m1", SenderID: sender, BodyText: body}
}

func TestParse(t *testing.T) {
	tests := []struct {
		body     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{".ask hello world", "ask", "hello world", true},
		{".ASK   spaced  ", "ask", "spaced", true},
		{"  .ask leading space", "", "", false},
		{"\n.ask newline first", "", "", false},
		{".ping", "ping", "", true},
		{".save\twifi", "save", "wifi", true},
		{"hello .ask", "", "", false},
		{".", "", "", false},
		{". ask", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			name, args, ok := Parse(".", tt.body)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}

	name, args, ok := Parse("!", "!get key")
	assert.True(t, ok)
	assert.Equal(t, "get", name)
	assert.Equal(t, "key", args)
}

func TestAskConsumesCredit(t *testing.T) {
	h := newHarness(t, Options{})

	assert.Equal(t, "hi there", h.route(t, from(userA, ".ask hello")))
	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Credits)

	assert.Equal(t, "❌ 0 Credits. Ask owner for more.", h.route(t, from(userA, ".ask hello")))
	bal, err = h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Credits)
	assert.Len(t, h.provider.prompts, 1)

	msgs := h.session.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, userA, msgs[0].chatID)
	assert.True(t, msgs[0].quoted)
}

func TestAskAliasAndPrompt(t *testing.T) {
	h := newHarness(t, Options{BotName: "Meraj", IncludeMemory: true})
	require.NoError(t, h.store.SaveMemory("wifi", "1234"))

	msg := from(userA, ".AI what is it")
	msg.QuotedText = "the router"
	assert.Equal(t, "hi there", h.route(t, msg))

	require.Len(t, h.provider.prompts, 1)
	assert.Equal(t, "CONTEXT (User Replied to):\n\"the router\"\n\nQUESTION: what is it", h.provider.prompts[0])
	assert.Contains(t, h.provider.systems[0], "Meraj")
	assert.Contains(t, h.provider.systems[0], `"wifi":"1234"`)
}

func TestAskWithoutMemory(t *testing.T) {
	h := newHarness(t, Options{IncludeMemory: false})
	require.NoError(t, h.store.SaveMemory("secret", "x"))

	h.route(t, from(ownerID, ".ask hi"))
	require.Len(t, h.provider.systems, 1)
	assert.NotContains(t, h.provider.systems[0], "secret")
}

func TestAskUsageDoesNotCharge(t *testing.T) {
	h := newHarness(t, Options{})

	assert.Equal(t, "❌ Usage: .ask [query] (or reply to text)", h.route(t, from(userA, ".ask")))
	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits)
}

func TestAskProviderErrorRefunds(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.err = llm.NewProviderError("fake", errors.New("429 too many requests"))

	text := h.route(t, from(userA, ".ask hello"))
	assert.True(t, strings.HasPrefix(text, "❌ AI Error:"), text)

	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits, "failed ask is refunded")

	require.Len(t, h.pub.events, 1)
	assert.NotEmpty(t, h.pub.events[0].Error)
	assert.NotEmpty(t, h.pub.events[0].RequestID)
}

func TestAskNotConfigured(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "database.json"), ledger.Options{FreeCredits: 1})
	require.NoError(t, err)
	session := &fakeSession{}
	mgr := NewManager(store, nil, session, Options{})

	res := mgr.Route(context.Background(), from(userA, ".ask hello"))
	require.NotNil(t, res)
	assert.Equal(t, "❌ AI is not configured on this bot.", res.Text)

	bal, err := store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits)
}

func TestOwnerAskIsFree(t *testing.T) {
	h := newHarness(t, Options{AskCooldown: time.Hour})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "hi there", h.route(t, from(ownerID, ".ask hello")))
	}
	users, _ := h.store.Stats()
	assert.Equal(t, 0, users)
}

func TestFromMeIsOwner(t *testing.T) {
	h := newHarness(t, Options{})

	msg := from(userB, ".balance")
	msg.IsFromMe = true
	assert.Equal(t, "💳 Credits: UNLIMITED", h.route(t, msg))
}

func TestAskCooldown(t *testing.T) {
	h := newHarness(t, Options{AskCooldown: time.Minute})
	_, err := h.store.GrantCredit(userA, 5)
	require.NoError(t, err)

	assert.Equal(t, "hi there", h.route(t, from(userA, ".ask one")))
	text := h.route(t, from(userA, ".ask two"))
	assert.True(t, strings.HasPrefix(text, "❌ Slow down"), text)

	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 5, bal.Credits, "1 free + 5 granted - 1 used")
}

func TestCreditGrant(t *testing.T) {
	h := newHarness(t, Options{NotifyCreditTarget: true})

	before, err := h.store.Credits(userB, false)
	require.NoError(t, err)

	msg := from(ownerID, ".credit 5")
	msg.QuotedAuthor = userB
	assert.Equal(t, "✅ Gave 5 credits to that user.", h.route(t, msg))

	after, err := h.store.Credits(userB, false)
	require.NoError(t, err)
	assert.Equal(t, before.Credits+5, after.Credits)

	msgs := h.session.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, userB, msgs[1].chatID)
	assert.False(t, msgs[1].quoted)
	assert.Contains(t, msgs[1].text, "6")
}

func TestCreditDefaultAmount(t *testing.T) {
	h := newHarness(t, Options{DefaultGrant: 10})

	msg := from(ownerID, ".credit lots")
	msg.QuotedAuthor = userB
	assert.Equal(t, "✅ Gave 10 credits to that user.", h.route(t, msg))

	bal, err := h.store.Credits(userB, false)
	require.NoError(t, err)
	assert.Equal(t, 11, bal.Credits)
	assert.Len(t, h.session.messages(), 1, "notifications disabled")
}

func TestCreditRejectsNegative(t *testing.T) {
	h := newHarness(t, Options{})

	msg := from(ownerID, ".credit -3")
	msg.QuotedAuthor = userB
	assert.Equal(t, "❌ Amount must not be negative.", h.route(t, msg))
}

func TestCreditOwnerOnly(t *testing.T) {
	h := newHarness(t, Options{})

	msg := from(userA, ".credit 100")
	msg.QuotedAuthor = userA
	assert.Equal(t, "🛑 Owner Only Command.", h.route(t, msg))

	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits)
}

func TestCreditNeedsReply(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, "❌ Reply to a user's message to give credits.", h.route(t, from(ownerID, ".credit 5")))
}

func TestSaveGetDelete(t *testing.T) {
	h := newHarness(t, Options{})

	save := from(userA, ".save WiFi")
	save.QuotedText = "1234"
	assert.Equal(t, `✅ Saved "WiFi" to memory.`, h.route(t, save))

	assert.Equal(t, "1234", h.route(t, from(userB, ".get wifi")))
	assert.Equal(t, "🧠 Saved:\nwifi", h.route(t, from(userB, ".list")))

	assert.Equal(t, `✅ Deleted "wifi" from memory.`, h.route(t, from(userA, ".delete wifi")))
	assert.Equal(t, `❌ Nothing saved as "wifi".`, h.route(t, from(userA, ".get wifi")))
	assert.Equal(t, `❌ Nothing saved as "wifi".`, h.route(t, from(userA, ".del wifi")))
	assert.Equal(t, "📭 Memory is empty.", h.route(t, from(userA, ".list")))
}

func TestSaveValidation(t *testing.T) {
	h := newHarness(t, Options{})

	assert.Equal(t, "❌ Reply to a message to save it.", h.route(t, from(userA, ".save wifi")))

	msg := from(userA, ".save")
	msg.QuotedText = "1234"
	assert.Equal(t, "❌ Usage: .save [name]", h.route(t, msg))
	assert.Empty(t, h.store.ListMemoryKeys())
}

func TestUnknownAndPlainIgnored(t *testing.T) {
	h := newHarness(t, Options{})

	assert.Nil(t, h.mgr.Route(context.Background(), from(userA, ".frobnicate")))
	assert.Nil(t, h.mgr.Route(context.Background(), from(userA, "just chatting")))
	assert.Empty(t, h.session.messages())
	assert.Empty(t, h.pub.events)
}

func TestPingHelpAlive(t *testing.T) {
	h := newHarness(t, Options{BotName: "Meraj"})

	assert.Equal(t, "🏓 Pong!", h.route(t, from(userA, ".ping")))

	help := h.route(t, from(userA, ".help"))
	assert.Contains(t, help, "*MERAJ*")
	assert.Contains(t, help, ".ask [query]")
	assert.NotContains(t, help, ".credit")

	ownerHelp := h.route(t, from(ownerID, ".help"))
	assert.Contains(t, ownerHelp, "Owner Cmds")
	assert.Contains(t, ownerHelp, ".credit [amount]")

	alive := h.route(t, from(userA, ".alive"))
	assert.Contains(t, alive, "Meraj is alive")
	assert.Contains(t, alive, "Connected")
}

func TestHandlerPanicRecovered(t *testing.T) {
	h := newHarness(t, Options{})
	h.mgr.Register(&Command{
		Name: "boom",
		Paid: true,
		Handler: func(ctx context.Context, args *CommandArgs) *CommandResult {
			panic("kaboom")
		},
	})

	res := h.mgr.Route(context.Background(), from(userA, ".boom"))
	require.NotNil(t, res)
	assert.True(t, strings.HasPrefix(res.Text, "❌"))
	assert.ErrorIs(t, res.Error, errPanic)

	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits, "panicking paid command is refunded")
}

func TestDispatchRunsOnPool(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 2})

	for i := 0; i < 5; i++ {
		h.mgr.Dispatch(context.Background(), from(ownerID, ".ping"))
	}
	h.mgr.Dispatch(context.Background(), from(ownerID, "not a command"))
	h.mgr.Wait()

	assert.Len(t, h.session.messages(), 5)
}

func TestCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCooldown(10 * time.Second)
	c.now = func() time.Time { return now }

	assert.Zero(t, c.Remaining("a"))
	_, ok := c.Allow("a")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, c.Remaining("a"))

	now = now.Add(4 * time.Second)
	left, ok := c.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, 6*time.Second, left)
	assert.Zero(t, c.Remaining("b"))

	now = now.Add(7 * time.Second)
	assert.Zero(t, c.Remaining("a"))

	_, ok = c.Allow("a")
	require.True(t, ok)
	c.Forget("a")
	assert.Zero(t, c.Remaining("a"))

	var disabled *Cooldown
	_, ok = disabled.Allow("a")
	assert.True(t, ok)
	assert.Zero(t, disabled.Remaining("a"))
	_, ok = NewCooldown(0).Allow("a")
	assert.True(t, ok)
}

func TestCooldownAllowsOneConcurrentRequest(t *testing.T) {
	c := NewCooldown(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Allow(userA); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
}

func TestAskCooldownConcurrent(t *testing.T) {
	h := newHarness(t, Options{AskCooldown: time.Minute, MaxConcurrent: 8})
	_, err := h.store.GrantCredit(userA, 10)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		h.mgr.Dispatch(context.Background(), from(userA, ".ask hello"))
	}
	h.mgr.Wait()

	answered := 0
	for _, m := range h.session.messages() {
		if m.text == "hi there" {
			answered++
		}
	}
	assert.Equal(t, 1, answered)

	bal, err := h.store.Credits(userA, false)
	require.NoError(t, err)
	assert.Equal(t, 10, bal.Credits, "1 free + 10 granted - 1 used")
}

func TestCooldownReleasedWithoutCredit(t *testing.T) {
	h := newHarness(t, Options{AskCooldown: time.Minute})

	assert.Equal(t, "hi there", h.route(t, from(userB, ".ask one")))
	h.mgr.cooldown.Forget(userB)
	assert.Equal(t, "❌ 0 Credits. Ask owner for more.", h.route(t, from(userB, ".ask two")))

	_, err := h.store.GrantCredit(userB, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi there", h.route(t, from(userB, ".ask three")))
}
